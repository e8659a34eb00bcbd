package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"

	"restkeep/internal/repopath"
)

// Memory keeps repositories in process memory. It is meant for tests and
// throwaway servers.
type Memory struct {
	mu    sync.RWMutex
	repos map[string]map[string][]byte // repo name -> object key -> bytes
}

func NewMemory() *Memory {
	return &Memory{repos: map[string]map[string][]byte{}}
}

func objectKey(p repopath.ArchivePath) string {
	if p.Type() == repopath.Config {
		return "config"
	}
	return p.Type().String() + "/" + p.ID()
}

func (m *Memory) CreateRepositoryLayout(_ context.Context, repo repopath.ArchivePath) error {
	if err := wantKind(repo, repopath.KindRepo); err != nil {
		return err
	}
	name := repo.RepoName()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[name]; ok {
		return nil
	}
	for k := range m.repos {
		if strings.HasPrefix(name, k+"/") {
			return fmt.Errorf("%w: %w: %s is inside %s", ErrCreatingDirectory, ErrNestedRepository, name, k)
		}
		if strings.HasPrefix(k, name+"/") {
			return fmt.Errorf("%w: %w: %s holds %s", ErrCreatingDirectory, ErrNestedRepository, name, k)
		}
	}
	m.repos[name] = map[string][]byte{}
	return nil
}

func (m *Memory) RemoveRepository(_ context.Context, repo repopath.ArchivePath) error {
	if err := wantKind(repo, repopath.KindRepo); err != nil {
		return err
	}
	name := repo.RepoName()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.repos {
		if strings.HasPrefix(k, name+"/") {
			return fmt.Errorf("%w: %w: %s holds %s", ErrRemovingRepository, ErrNestedRepository, name, k)
		}
	}
	if _, ok := m.repos[name]; !ok {
		return fmt.Errorf("%w: %w: %s", ErrRemovingRepository, ErrNotFound, name)
	}
	delete(m.repos, name)
	return nil
}

func (m *Memory) List(ctx context.Context, collection repopath.ArchivePath) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := wantKind(collection, repopath.KindType); err != nil {
			yield("", err)
			return
		}
		if !collection.Type().IsDir() {
			yield("", fmt.Errorf("%w: %s is not a collection", repopath.ErrInvalidPath, collection))
			return
		}
		prefix := collection.Type().String() + "/"
		m.mu.RLock()
		var ids []string
		for k := range m.repos[collection.RepoName()] {
			if strings.HasPrefix(k, prefix) {
				ids = append(ids, strings.TrimPrefix(k, prefix))
			}
		}
		m.mu.RUnlock()
		slices.Sort(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *Memory) get(p repopath.ArchivePath) ([]byte, error) {
	if err := wantObject(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.repos[p.RepoName()][objectKey(p)]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *Memory) Exists(_ context.Context, p repopath.ArchivePath) (bool, error) {
	_, err := m.get(p)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) Size(_ context.Context, p repopath.ArchivePath) (int64, error) {
	b, err := m.get(p)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

func (m *Memory) Read(_ context.Context, p repopath.ArchivePath, rng *ByteRange) (io.ReadCloser, error) {
	b, err := m.get(p)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		if !rng.Valid(int64(len(b))) {
			return nil, fmt.Errorf("%w: %d-%d of %d bytes", ErrInvalidRange, rng.Start, rng.End, len(b))
		}
		b = b[rng.Start : rng.End+1]
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) put(p repopath.ArchivePath, r io.Reader, exclusive bool) error {
	if err := wantObject(p); err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return &IOError{Op: "write", Path: p.String(), Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[p.RepoName()]
	if !ok {
		return fmt.Errorf("%w: repository %s", ErrNotFound, p.RepoName())
	}
	key := objectKey(p)
	if _, exists := repo[key]; exists && exclusive {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	repo[key] = b
	return nil
}

func (m *Memory) WriteNew(_ context.Context, p repopath.ArchivePath, r io.Reader) error {
	return m.put(p, r, true)
}

func (m *Memory) WriteOverwrite(_ context.Context, p repopath.ArchivePath, r io.Reader) error {
	if p.Kind() != repopath.KindType || p.Type() != repopath.Config {
		return fmt.Errorf("%w: only config may be overwritten", repopath.ErrInvalidPath)
	}
	return m.put(p, r, false)
}

func (m *Memory) Delete(_ context.Context, p repopath.ArchivePath) error {
	if err := wantObject(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	repo := m.repos[p.RepoName()]
	key := objectKey(p)
	if _, ok := repo[key]; !ok {
		return ErrNotFound
	}
	delete(repo, key)
	return nil
}

var _ Backend = (*Memory)(nil)
