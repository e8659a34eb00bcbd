package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"restkeep/internal/fsutil"
	"restkeep/internal/repopath"
)

const dirPerm = 0o700

// FS stores repositories as directory trees under a root directory:
//
//	<root>/<repo>/config
//	<root>/<repo>/{keys,locks,snapshots}/<id>
//	<root>/<repo>/{data,index}/<id[:2]>/<id>
type FS struct {
	root string
}

// NewFS returns a filesystem backend rooted at root, creating it if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, err
	}
	return &FS{root: abs}, nil
}

func (s *FS) repoDir(p repopath.ArchivePath) (string, error) {
	dir, err := fsutil.JoinWithinRoot(s.root, p.RepoName())
	if err != nil {
		return "", fmt.Errorf("%w: %v", repopath.ErrInvalidPath, err)
	}
	if dir == s.root {
		return "", fmt.Errorf("%w: repository resolves to storage root", repopath.ErrInvalidPath)
	}
	return dir, nil
}

func (s *FS) typeDir(p repopath.ArchivePath) (string, error) {
	dir, err := s.repoDir(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p.Type().String()), nil
}

func (s *FS) objectPath(p repopath.ArchivePath) (string, error) {
	if err := wantObject(p); err != nil {
		return "", err
	}
	if p.Type() == repopath.Config {
		dir, err := s.repoDir(p)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "config"), nil
	}
	dir, err := s.typeDir(p)
	if err != nil {
		return "", err
	}
	if p.Type().Sharded() {
		return filepath.Join(dir, ShardPrefix(p.ID()), p.ID()), nil
	}
	return filepath.Join(dir, p.ID()), nil
}

func (s *FS) CreateRepositoryLayout(_ context.Context, repo repopath.ArchivePath) error {
	if err := wantKind(repo, repopath.KindRepo); err != nil {
		return err
	}
	root, err := s.repoDir(repo)
	if err != nil {
		return err
	}
	if err := s.checkNesting(repo, root); err != nil {
		return fmt.Errorf("%w: %w", ErrCreatingDirectory, err)
	}
	var dirs []string
	for _, t := range repopath.Types {
		if !t.IsDir() {
			continue
		}
		dir := filepath.Join(root, t.String())
		dirs = append(dirs, dir)
		if t.Sharded() {
			for _, shard := range Shards() {
				dirs = append(dirs, filepath.Join(dir, shard))
			}
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("%w: %w", ErrCreatingDirectory, &IOError{Op: "mkdir", Path: dir, Err: err})
		}
	}
	return nil
}

func (s *FS) RemoveRepository(_ context.Context, repo repopath.ArchivePath) error {
	if err := wantKind(repo, repopath.KindRepo); err != nil {
		return err
	}
	root, err := s.repoDir(repo)
	if err != nil {
		return err
	}
	st, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w: %s", ErrRemovingRepository, ErrNotFound, repo.RepoName())
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemovingRepository, &IOError{Op: "stat", Path: root, Err: err})
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %w: %s is not a repository", ErrRemovingRepository, ErrNotFound, repo.RepoName())
	}
	nested, err := nestedRepository(root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemovingRepository, &IOError{Op: "walk", Path: root, Err: err})
	}
	if nested != "" {
		rel, _ := filepath.Rel(s.root, nested)
		return fmt.Errorf("%w: %w: %s holds %s", ErrRemovingRepository, ErrNestedRepository, repo.RepoName(), filepath.ToSlash(rel))
	}
	if !hasLayout(root) {
		return fmt.Errorf("%w: %w: %s is not a repository", ErrRemovingRepository, ErrNotFound, repo.RepoName())
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("%w: %w", ErrRemovingRepository, &IOError{Op: "remove", Path: root, Err: err})
	}
	s.pruneParents(root)
	return nil
}

// hasLayout reports whether dir is a repository: it has a keys or data
// directory.
func hasLayout(dir string) bool {
	for _, t := range []repopath.ObjectType{repopath.Keys, repopath.Data} {
		if st, err := os.Stat(filepath.Join(dir, t.String())); err == nil && st.IsDir() {
			return true
		}
	}
	return false
}

// checkNesting refuses a repository at root when one of its ancestors is a
// repository or a repository already lives below it.
func (s *FS) checkNesting(repo repopath.ArchivePath, root string) error {
	segs := repo.Repo()
	for i := 1; i < len(segs); i++ {
		anc, err := fsutil.JoinWithinRoot(s.root, strings.Join(segs[:i], "/"))
		if err != nil {
			return fmt.Errorf("%w: %v", repopath.ErrInvalidPath, err)
		}
		if hasLayout(anc) {
			return fmt.Errorf("%w: %s is inside %s", ErrNestedRepository, repo.RepoName(), strings.Join(segs[:i], "/"))
		}
	}
	nested, err := nestedRepository(root)
	if err != nil {
		return &IOError{Op: "walk", Path: root, Err: err}
	}
	if nested != "" {
		rel, _ := filepath.Rel(s.root, nested)
		return fmt.Errorf("%w: %s holds %s", ErrNestedRepository, repo.RepoName(), filepath.ToSlash(rel))
	}
	return nil
}

// nestedRepository returns the first directory strictly below dir that is a
// repository, or "". The object type directories of dir itself are not
// descended into.
func nestedRepository(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == dir {
			return nil
		}
		if filepath.Dir(path) == dir {
			if _, ok := repopath.ParseType(d.Name()); ok {
				return filepath.SkipDir
			}
		}
		if hasLayout(path) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}

// pruneParents removes directories left empty above a removed repository,
// stopping at the storage root or the first non-empty one.
func (s *FS) pruneParents(dir string) {
	for parent := filepath.Dir(dir); parent != s.root && strings.HasPrefix(parent, s.root); parent = filepath.Dir(parent) {
		if err := os.Remove(parent); err != nil {
			return
		}
	}
}

func (s *FS) List(ctx context.Context, collection repopath.ArchivePath) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := wantKind(collection, repopath.KindType); err != nil {
			yield("", err)
			return
		}
		if !collection.Type().IsDir() {
			yield("", fmt.Errorf("%w: %s is not a collection", repopath.ErrInvalidPath, collection))
			return
		}
		dir, err := s.typeDir(collection)
		if err != nil {
			yield("", err)
			return
		}
		if !collection.Type().Sharded() {
			listDir(ctx, dir, "", yield)
			return
		}
		shards, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield("", &IOError{Op: "list", Path: dir, Err: err})
			return
		}
		for _, e := range shards {
			if !e.IsDir() || len(e.Name()) != 2 || !repopath.ValidID(e.Name()) {
				continue
			}
			if !listDir(ctx, filepath.Join(dir, e.Name()), e.Name(), yield) {
				return
			}
		}
	}
}

// listDir yields the valid ids in dir, restricted to those starting with
// prefix. It reports whether the caller should keep going.
func listDir(ctx context.Context, dir, prefix string, yield func(string, error) bool) bool {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return yield("", &IOError{Op: "list", Path: dir, Err: err})
	}
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			yield("", err)
			return false
		}
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, fsutil.TempPrefix) || !repopath.ValidID(name) {
			continue
		}
		if prefix != "" && ShardPrefix(name) != prefix {
			continue
		}
		if !yield(name, nil) {
			return false
		}
	}
	return true
}

func (s *FS) stat(p repopath.ArchivePath) (os.FileInfo, string, error) {
	path, err := s.objectPath(p)
	if err != nil {
		return nil, "", err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, path, ErrNotFound
	}
	if err != nil {
		return nil, path, &IOError{Op: "stat", Path: path, Err: err}
	}
	if !st.Mode().IsRegular() {
		return nil, path, ErrNotFound
	}
	return st, path, nil
}

func (s *FS) Exists(_ context.Context, p repopath.ArchivePath) (bool, error) {
	_, _, err := s.stat(p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *FS) Size(_ context.Context, p repopath.ArchivePath) (int64, error) {
	st, _, err := s.stat(p)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type limitedFile struct {
	io.Reader
	io.Closer
}

func (s *FS) Read(_ context.Context, p repopath.ArchivePath, rng *ByteRange) (io.ReadCloser, error) {
	st, path, err := s.stat(p)
	if err != nil {
		return nil, err
	}
	if rng != nil && !rng.Valid(st.Size()) {
		return nil, fmt.Errorf("%w: %d-%d of %d bytes", ErrInvalidRange, rng.Start, rng.End, st.Size())
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	if rng == nil {
		return f, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, &IOError{Op: "seek", Path: path, Err: err}
	}
	return limitedFile{Reader: io.LimitReader(f, rng.Len()), Closer: f}, nil
}

// WriteNew stages the upload next to its destination and publishes it with
// a hard link, which fails if the destination already exists.
func (s *FS) WriteNew(_ context.Context, p repopath.ArchivePath, r io.Reader) error {
	path, err := s.objectPath(p)
	if err != nil {
		return err
	}
	dir, err := s.prepareDir(p, filepath.Dir(path))
	if err != nil {
		return err
	}
	tmp, err := fsutil.WriteTemp(dir, r)
	if err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := fsutil.PublishExclusive(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
		}
		return &IOError{Op: "link", Path: path, Err: err}
	}
	return nil
}

func (s *FS) WriteOverwrite(_ context.Context, p repopath.ArchivePath, r io.Reader) error {
	if p.Kind() != repopath.KindType || p.Type() != repopath.Config {
		return fmt.Errorf("%w: only config may be overwritten", repopath.ErrInvalidPath)
	}
	path, err := s.objectPath(p)
	if err != nil {
		return err
	}
	dir, err := s.prepareDir(p, filepath.Dir(path))
	if err != nil {
		return err
	}
	tmp, err := fsutil.WriteTemp(dir, r)
	if err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := fsutil.Replace(tmp, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// prepareDir makes sure the repository exists and creates the object's
// parent directory inside it.
func (s *FS) prepareDir(p repopath.ArchivePath, dir string) (string, error) {
	root, err := s.repoDir(p)
	if err != nil {
		return "", err
	}
	if !hasLayout(root) {
		return "", fmt.Errorf("%w: repository %s", ErrNotFound, p.RepoName())
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return dir, nil
}

func (s *FS) Delete(_ context.Context, p repopath.ArchivePath) error {
	path, err := s.objectPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

var _ Backend = (*FS)(nil)
