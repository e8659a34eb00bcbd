package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newPasswdCmd() *cobra.Command {
	var (
		password string
		cost     int
	)
	cmd := &cobra.Command{
		Use:   "passwd USER",
		Short: "print an htpasswd line for USER",
		Long: `passwd hashes a password with bcrypt and prints "USER:HASH", ready to be
appended to the htpasswd file. Without -p the password is read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			if user == "" || strings.ContainsAny(user, ":\n") {
				return fmt.Errorf("invalid user name %q", user)
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
			}
			if password == "" {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					password = strings.TrimRight(sc.Text(), "\r")
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			if password == "" {
				return errors.New("empty password")
			}
			h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("bcrypt: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", user, h)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default: read from stdin)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
