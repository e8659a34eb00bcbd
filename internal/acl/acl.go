// Package acl decides whether a user may perform an operation on a
// repository path.
//
// Rules are looked up in a fixed order: an exact (user, repo) rule, then a
// rule for any user on the repo, then a rule for the user on any repo, then
// a rule for any user on any repo, and finally the policy default. The
// first hit wins.
package acl

import (
	"errors"
	"fmt"
	"strings"

	"restkeep/internal/repopath"
)

var (
	// ErrUnauthenticated means the policy requires a user and none was given.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrDenied is wrapped by every authorization failure of an
	// authenticated (or anonymous but allowed) caller.
	ErrDenied = errors.New("access denied")
	// ErrInsufficientAccess means the resolved level is below the one asked for.
	ErrInsufficientAccess = fmt.Errorf("%w: insufficient access", ErrDenied)
)

// Wildcard matches any user or any repository in a Rule.
const Wildcard = "*"

// Access is an ordered access level.
type Access int

const (
	Read Access = iota + 1
	Append
	Modify
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Append:
		return "append"
	case Modify:
		return "modify"
	default:
		return "none"
	}
}

// ParseAccess accepts read, append or modify in any case.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "append":
		return Append, nil
	case "modify":
		return Modify, nil
	default:
		return 0, fmt.Errorf("unknown access level %q", s)
	}
}

// Rule grants User at least Access on Repo. Either field may be Wildcard.
type Rule struct {
	User   string
	Repo   string
	Access Access
}

// Policy holds the process-wide flags.
type Policy struct {
	AuthRequired bool
	AppendOnly   bool
	PrivateRepos bool
}

type key struct {
	user string
	repo string
}

// Engine evaluates requests against a rule table fixed at construction.
// It has no mutating methods and is safe for concurrent use.
type Engine struct {
	policy Policy
	rules  map[key]Access
}

// New builds an Engine. Later rules for the same (user, repo) pair replace
// earlier ones.
func New(policy Policy, rules []Rule) (*Engine, error) {
	m := make(map[key]Access, len(rules))
	for _, r := range rules {
		if r.User == "" || r.Repo == "" {
			return nil, fmt.Errorf("acl rule %+v: user and repo are required", r)
		}
		if r.Access < Read || r.Access > Modify {
			return nil, fmt.Errorf("acl rule %+v: bad access level", r)
		}
		m[key{user: r.User, repo: strings.Trim(r.Repo, "/")}] = r.Access
	}
	return &Engine{policy: policy, rules: m}, nil
}

// Policy returns the engine's global flags.
func (e *Engine) Policy() Policy { return e.policy }

// Authorize returns nil if user may perform an operation needing requested
// on p. An empty user is anonymous.
//
// With AppendOnly set, Modify grants are capped to Append except on
// repository paths: creating or deleting a whole repository still needs an
// uncapped Modify decision.
func (e *Engine) Authorize(user string, p repopath.ArchivePath, requested Access) error {
	if e.policy.AuthRequired && user == "" {
		return ErrUnauthenticated
	}
	level, ok := e.resolve(user, p)
	if !ok {
		return fmt.Errorf("%w: %q has no access to %s", ErrInsufficientAccess, user, p.RepoName())
	}
	// FIXME: repository paths escape the append-only cap, so a Modify rule
	// can still delete a whole repository. Decide whether that is intended.
	if e.policy.AppendOnly && level == Modify && p.Kind() != repopath.KindRepo {
		level = Append
	}
	if requested > level {
		return fmt.Errorf("%w: %q needs %s on %s, has %s", ErrInsufficientAccess, user, requested, p, level)
	}
	return nil
}

func (e *Engine) resolve(user string, p repopath.ArchivePath) (Access, bool) {
	repo := p.RepoName()
	candidates := []key{
		{user: user, repo: repo},
		{user: Wildcard, repo: repo},
		{user: user, repo: Wildcard},
		{user: Wildcard, repo: Wildcard},
	}
	for _, k := range candidates {
		if k.user == "" {
			continue
		}
		if a, ok := e.rules[k]; ok {
			return a, true
		}
	}
	if e.policy.PrivateRepos {
		if user != "" && user == p.Owner() {
			return Modify, true
		}
		return 0, false
	}
	return Read, true
}
