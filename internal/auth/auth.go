package auth

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for missing, malformed or wrong credentials.
var ErrUnauthorized = errors.New("unauthorized")

type ctxKey string

const userKey ctxKey = "restkeep.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// Credentials are a user name and cleartext password from a request.
type Credentials struct {
	User     string
	Password string
}

// FromRequest extracts BasicAuth credentials. It returns nil when the
// request carries no usable Authorization header.
func FromRequest(r *http.Request) *Credentials {
	u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
	if !ok {
		return nil
	}
	return &Credentials{User: u, Password: p}
}

// dummyHash is compared against when the user is unknown so that lookups
// of missing users cost about as much as real ones.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("restkeep"), bcrypt.DefaultCost)
	return h
})

// Authenticator verifies credentials against a table of htpasswd-style
// hashes. The table is copied at construction and never changes; reloading
// means building a new Authenticator.
type Authenticator struct {
	enabled bool
	users   map[string]string
}

// New returns an Authenticator over users (name -> hash). When enabled is
// false every request is anonymous.
func New(enabled bool, users map[string]string) *Authenticator {
	m := make(map[string]string, len(users))
	for u, h := range users {
		m[u] = h
	}
	return &Authenticator{enabled: enabled, users: m}
}

// Disabled returns an Authenticator that lets every request through as
// anonymous.
func Disabled() *Authenticator { return New(false, nil) }

func (a *Authenticator) Enabled() bool { return a.enabled }

// Verify returns the authenticated user name, "" for anonymous access when
// authentication is disabled, or ErrUnauthorized.
func (a *Authenticator) Verify(creds *Credentials) (string, error) {
	if !a.enabled {
		return "", nil
	}
	if creds == nil || creds.User == "" {
		return "", ErrUnauthorized
	}
	hash, ok := a.users[creds.User]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(creds.Password))
		return "", ErrUnauthorized
	}
	if !checkPassword(hash, creds.Password) {
		return "", ErrUnauthorized
	}
	return creds.User, nil
}

func checkPassword(hash, password string) bool {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	case strings.HasPrefix(hash, "{SHA}"):
		sum := sha1.Sum([]byte(password))
		want := []byte(strings.TrimPrefix(hash, "{SHA}"))
		got := []byte(base64.StdEncoding.EncodeToString(sum[:]))
		return subtle.ConstantTimeCompare(want, got) == 1
	default:
		return false
	}
}

// Challenge writes a 401 with a BasicAuth challenge.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="restkeep"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
