package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"restkeep/internal/auth"
	"restkeep/internal/config"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPasswd(t *testing.T) {
	out, err := run(t, "", "passwd", "alice", "-p", "s3cret", "--cost", "4")
	require.NoError(t, err)

	users, err := auth.ParseHtpasswd(strings.NewReader(out))
	require.NoError(t, err)
	require.Contains(t, users, "alice")
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(users["alice"]), []byte("s3cret")))

	out, err = run(t, "from-stdin\n", "passwd", "bob", "--cost", "4")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "bob:$2a$04$"), out)

	_, err = run(t, "", "passwd", "carol", "-p", "x", "--cost", "99")
	require.Error(t, err)
	_, err = run(t, "", "passwd", "a:b", "-p", "x")
	require.Error(t, err)
	_, err = run(t, "", "passwd", "dave", "--cost", "4")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	require.Equal(t, Version+"\n", out)
}

func TestApplyFlags_OnlyExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restkeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\nappend_only: true\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--path", "/srv/backups", "--private-repos"}))

	fl := config.Default()
	fl.Path = "/srv/backups"
	fl.PrivateRepos = true
	applyFlags(cmd, &cfg, fl)

	require.Equal(t, ":9000", cfg.Listen)
	require.True(t, cfg.AppendOnly)
	require.Equal(t, "/srv/backups", cfg.Path)
	require.True(t, cfg.PrivateRepos)
}

func TestLoadAuth_MissingHtpasswd(t *testing.T) {
	cfg := config.Default()
	cfg.Path = t.TempDir()
	require.NoError(t, cfg.Validate())

	_, err := loadAuth(cfg)
	require.ErrorContains(t, err, "no htpasswd file")

	cfg.NoAuth = true
	c, err := loadAuth(cfg)
	require.NoError(t, err)
	require.False(t, c.Load().Enabled())
}
