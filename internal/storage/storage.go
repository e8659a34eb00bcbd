// Package storage persists repository objects. Backend is the operation
// set the HTTP layer relies on; NewFS and NewMemory are its two variants.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"restkeep/internal/repopath"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrInvalidRange  = errors.New("invalid range")

	// ErrNestedRepository means a repository would sit inside another one,
	// or contains one. It is a kind of ErrAlreadyExists.
	ErrNestedRepository = fmt.Errorf("%w: repositories would nest", ErrAlreadyExists)

	// ErrCreatingDirectory is wrapped by every CreateRepositoryLayout failure.
	ErrCreatingDirectory = errors.New("creating directory failed")
	// ErrRemovingRepository is wrapped by every RemoveRepository failure.
	ErrRemovingRepository = errors.New("removing repository failed")
)

// IOError is an unexpected failure of the underlying store.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// ByteRange is an inclusive byte interval [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// Valid reports whether r lies within an object of the given size.
func (r ByteRange) Valid(size int64) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End < size
}

// Backend stores repository objects addressed by ArchivePath.
//
// Object operations accept File paths and the Config Type path. Repository
// operations take Repo paths, List takes a Type path.
type Backend interface {
	// CreateRepositoryLayout creates the directory for every object type.
	// It is idempotent and not transactional.
	CreateRepositoryLayout(ctx context.Context, repo repopath.ArchivePath) error

	// RemoveRepository deletes the repository tree.
	RemoveRepository(ctx context.Context, repo repopath.ArchivePath) error

	// List yields the ids stored under a type collection. The sequence reads
	// lazily and may be ranged over more than once. A missing collection
	// yields nothing.
	List(ctx context.Context, collection repopath.ArchivePath) iter.Seq2[string, error]

	Exists(ctx context.Context, p repopath.ArchivePath) (bool, error)

	// Size returns ErrNotFound when the object is absent.
	Size(ctx context.Context, p repopath.ArchivePath) (int64, error)

	// Read opens the object, restricted to rng when non-nil.
	Read(ctx context.Context, p repopath.ArchivePath, rng *ByteRange) (io.ReadCloser, error)

	// WriteNew stores r at p only if nothing is there yet; otherwise it
	// returns ErrAlreadyExists. Concurrent calls for the same p have exactly
	// one winner.
	WriteNew(ctx context.Context, p repopath.ArchivePath, r io.Reader) error

	// WriteOverwrite replaces the repository config. Last writer wins.
	WriteOverwrite(ctx context.Context, p repopath.ArchivePath, r io.Reader) error

	Delete(ctx context.Context, p repopath.ArchivePath) error
}

func isObject(p repopath.ArchivePath) bool {
	return p.Kind() == repopath.KindFile || (p.Kind() == repopath.KindType && p.Type() == repopath.Config)
}

func wantObject(p repopath.ArchivePath) error {
	if !isObject(p) {
		return fmt.Errorf("%w: %s is not an object", repopath.ErrInvalidPath, p)
	}
	return nil
}

func wantKind(p repopath.ArchivePath, k repopath.Kind) error {
	if p.Kind() != k {
		return fmt.Errorf("%w: %s is not a %s path", repopath.ErrInvalidPath, p, k)
	}
	return nil
}

// ShardPrefix returns the subdirectory name for a sharded id: its first two
// characters, left-padded with zeros.
func ShardPrefix(id string) string {
	for len(id) < 2 {
		id = "0" + id
	}
	return id[:2]
}

// Shards lists every possible shard directory name, 00 through ff.
func Shards() []string {
	out := make([]string, 0, 256)
	for i := 0; i < 256; i++ {
		out = append(out, fmt.Sprintf("%02x", i))
	}
	return out
}
