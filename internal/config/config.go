package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"restkeep/internal/acl"
	"restkeep/internal/log"
)

// Config is loaded from an optional YAML file and then overridden by flags.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Path is the storage root holding all repositories.
	Path string `yaml:"path"`

	// Prefix is stripped from every request path, e.g. "/restic".
	Prefix string `yaml:"prefix,omitempty"`

	// Backend selects the storage engine: "fs" (default) or "memory".
	Backend string `yaml:"backend,omitempty"`

	// NoAuth disables BasicAuth entirely; every request is anonymous.
	NoAuth bool `yaml:"no_auth,omitempty"`

	// HtpasswdFile holds user:hash lines (bcrypt or {SHA}).
	// Default: <path>/.htpasswd
	HtpasswdFile string `yaml:"htpasswd_file,omitempty"`

	// ACLFile holds per-repository rules, see LoadACL.
	ACLFile string `yaml:"acl_file,omitempty"`

	// AppendOnly caps every grant at append, except repository create/delete.
	AppendOnly bool `yaml:"append_only,omitempty"`

	// PrivateRepos limits each user to repositories under their own name
	// unless an ACL rule says otherwise.
	PrivateRepos bool `yaml:"private_repos,omitempty"`

	TLS     bool   `yaml:"tls,omitempty"`
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// LogLevel is one of off, error, warn, info, debug, trace.
	LogLevel string `yaml:"log_level,omitempty"`
	LogJSON  bool   `yaml:"log_json,omitempty"`

	// MaxConns caps concurrent connections; 0 means unlimited.
	MaxConns int `yaml:"max_conns,omitempty"`

	// MetricsListen, when set, serves Prometheus metrics on a separate
	// listener so they cannot collide with repository names.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// Default returns the settings used when neither file nor flags say otherwise.
func Default() Config {
	return Config{
		Listen:   "localhost:8000",
		Path:     "/tmp/restic",
		Backend:  "fs",
		LogLevel: "info",
	}
}

// Load reads a YAML config file on top of Default(). Unknown keys are an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings and fills derived defaults.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	abs, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("config: path: %w", err)
	}
	c.Path = abs
	switch c.Backend {
	case "", "fs":
		c.Backend = "fs"
	case "memory":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if !c.NoAuth && c.HtpasswdFile == "" {
		c.HtpasswdFile = filepath.Join(c.Path, ".htpasswd")
	}
	if c.TLS && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("config: tls requires tls_cert and tls_key")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxConns < 0 {
		return errors.New("config: max_conns must not be negative")
	}
	return nil
}

// Policy returns the global access flags.
func (c Config) Policy() acl.Policy {
	return acl.Policy{
		AuthRequired: !c.NoAuth,
		AppendOnly:   c.AppendOnly,
		PrivateRepos: c.PrivateRepos,
	}
}

// LoadACL reads an ACL file of the form
//
//	repo1:
//	  alice: modify
//	  "*": read
//	"*":
//	  bob: append
//
// mapping repository -> user -> read|append|modify. "*" is a wildcard on
// either level.
func LoadACL(path string) ([]acl.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acl: %w", err)
	}
	return ParseACL(b)
}

// ParseACL parses ACL file contents. Rules come out sorted by repository
// then user.
func ParseACL(b []byte) ([]acl.Rule, error) {
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse acl: %w", err)
	}
	var rules []acl.Rule
	for repo, users := range raw {
		for user, level := range users {
			a, err := acl.ParseAccess(level)
			if err != nil {
				return nil, fmt.Errorf("acl %s/%s: %w", repo, user, err)
			}
			rules = append(rules, acl.Rule{User: user, Repo: repo, Access: a})
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Repo != rules[j].Repo {
			return rules[i].Repo < rules[j].Repo
		}
		return rules[i].User < rules[j].User
	})
	return rules, nil
}
