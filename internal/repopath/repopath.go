// Package repopath turns request paths into typed repository object
// references. Decompose is the only place untrusted paths are validated;
// everything downstream works on ArchivePath values.
package repopath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for malformed or traversal-attempting paths.
var ErrInvalidPath = errors.New("invalid path")

// ObjectType is the category of a repository object.
type ObjectType int

const (
	None ObjectType = iota
	Config
	Data
	Keys
	Locks
	Snapshots
	Index
)

// Types lists every object type a repository holds, in layout order.
var Types = []ObjectType{Config, Data, Keys, Locks, Snapshots, Index}

var typeNames = map[string]ObjectType{
	"config":    Config,
	"data":      Data,
	"keys":      Keys,
	"locks":     Locks,
	"snapshots": Snapshots,
	"index":     Index,
}

func (t ObjectType) String() string {
	switch t {
	case Config:
		return "config"
	case Data:
		return "data"
	case Keys:
		return "keys"
	case Locks:
		return "locks"
	case Snapshots:
		return "snapshots"
	case Index:
		return "index"
	default:
		return ""
	}
}

// IsDir reports whether objects of this type live in a directory of their
// own. Config is a single file at the repository root.
func (t ObjectType) IsDir() bool {
	return t != None && t != Config
}

// Sharded reports whether objects are stored under a hash-prefix
// subdirectory.
func (t ObjectType) Sharded() bool {
	return t == Data || t == Index
}

// ParseType maps a path segment to its object type.
func ParseType(s string) (ObjectType, bool) {
	t, ok := typeNames[s]
	return t, ok
}

// Kind says how much of a repository object reference a path names.
type Kind int

const (
	// KindRepo names a whole repository.
	KindRepo Kind = iota
	// KindType names one object type collection, or the config object.
	KindType
	// KindFile names a single object by id.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindRepo:
		return "repo"
	case KindType:
		return "type"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ArchivePath is a validated reference to a repository, an object type
// collection within it, or a single object.
type ArchivePath struct {
	repo []string
	tpe  ObjectType
	id   string
	kind Kind
}

// Repo returns a copy of the repository path segments.
func (p ArchivePath) Repo() []string {
	return append([]string(nil), p.repo...)
}

// RepoName returns the repository path joined with "/".
func (p ArchivePath) RepoName() string { return strings.Join(p.repo, "/") }

// Owner returns the first repository segment.
func (p ArchivePath) Owner() string {
	if len(p.repo) == 0 {
		return ""
	}
	return p.repo[0]
}

// Type returns the object type, or None for a repository path.
func (p ArchivePath) Type() ObjectType { return p.tpe }

// ID returns the object id of a File path and "" otherwise.
func (p ArchivePath) ID() string { return p.id }

// Kind reports which of repository, type or file p names.
func (p ArchivePath) Kind() Kind { return p.kind }

func (p ArchivePath) String() string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(p.RepoName())
	if p.kind != KindRepo {
		b.WriteString("/")
		b.WriteString(p.tpe.String())
	}
	if p.kind == KindFile {
		b.WriteString("/")
		b.WriteString(p.id)
	}
	return b.String()
}

// WithID returns the File path for id within p's repository and type. p
// must be a Type path for a directory type.
func (p ArchivePath) WithID(id string) (ArchivePath, error) {
	if p.kind != KindType || !p.tpe.IsDir() {
		return ArchivePath{}, fmt.Errorf("%w: %s cannot hold objects", ErrInvalidPath, p)
	}
	if !ValidID(id) {
		return ArchivePath{}, fmt.Errorf("%w: bad id %q", ErrInvalidPath, id)
	}
	return ArchivePath{repo: p.repo, tpe: p.tpe, id: id, kind: KindFile}, nil
}

// NewRepo builds a Repo path from already-split segments.
func NewRepo(segs ...string) (ArchivePath, error) {
	if err := checkRepo(segs); err != nil {
		return ArchivePath{}, err
	}
	return ArchivePath{repo: append([]string(nil), segs...), kind: KindRepo}, nil
}

// NewType builds a Type path.
func NewType(repo []string, t ObjectType) (ArchivePath, error) {
	if err := checkRepo(repo); err != nil {
		return ArchivePath{}, err
	}
	if t == None {
		return ArchivePath{}, fmt.Errorf("%w: missing object type", ErrInvalidPath)
	}
	return ArchivePath{repo: append([]string(nil), repo...), tpe: t, kind: KindType}, nil
}

// NewFile builds a File path.
func NewFile(repo []string, t ObjectType, id string) (ArchivePath, error) {
	p, err := NewType(repo, t)
	if err != nil {
		return ArchivePath{}, err
	}
	return p.WithID(id)
}

// Decompose parses raw (a URL path) into an ArchivePath. prefix, when
// non-empty, is stripped first.
//
// Repository paths may span several segments, so the type is found from
// the end: a trailing type name gives a Type path, a type name followed by
// one more segment gives a File path, anything else names a repository.
func Decompose(prefix, raw string) (ArchivePath, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		if raw != prefix && !strings.HasPrefix(raw, prefix+"/") {
			return ArchivePath{}, fmt.Errorf("%w: outside %s", ErrInvalidPath, prefix)
		}
		raw = strings.TrimPrefix(raw, prefix)
	}
	raw = strings.TrimPrefix(raw, "/")
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return ArchivePath{}, fmt.Errorf("%w: no repository", ErrInvalidPath)
	}

	segs := strings.Split(raw, "/")
	for _, s := range segs {
		if err := checkSegment(s); err != nil {
			return ArchivePath{}, err
		}
	}

	n := len(segs)
	if t, ok := ParseType(segs[n-1]); ok {
		return NewType(segs[:n-1], t)
	}
	if n >= 2 {
		if t, ok := ParseType(segs[n-2]); ok {
			if t == Config {
				return ArchivePath{}, fmt.Errorf("%w: config takes no id", ErrInvalidPath)
			}
			return NewFile(segs[:n-2], t, segs[n-1])
		}
	}
	return NewRepo(segs...)
}

// ValidID reports whether id is a lowercase hex string of 2 to 64 chars.
func ValidID(id string) bool {
	if len(id) < 2 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func checkRepo(segs []string) error {
	if len(segs) == 0 {
		return fmt.Errorf("%w: no repository", ErrInvalidPath)
	}
	for _, s := range segs {
		if err := checkSegment(s); err != nil {
			return err
		}
		// A type name inside a repository path would nest a repository in
		// another one's object tree.
		if _, ok := ParseType(s); ok {
			return fmt.Errorf("%w: %q cannot name a repository", ErrInvalidPath, s)
		}
	}
	return nil
}

func checkSegment(s string) error {
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("%w: bad segment %q", ErrInvalidPath, s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || c == '\\' || c == '/' {
			return fmt.Errorf("%w: bad character in %q", ErrInvalidPath, s)
		}
	}
	return nil
}
