package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"restkeep/internal/repopath"
	"restkeep/internal/storage"
)

type backendCase struct {
	name string
	new  func(t *testing.T) storage.Backend
}

func backends() []backendCase {
	return []backendCase{
		{"fs", func(t *testing.T) storage.Backend {
			s, err := storage.NewFS(t.TempDir())
			require.NoError(t, err)
			return s
		}},
		{"memory", func(t *testing.T) storage.Backend { return storage.NewMemory() }},
	}
}

func repo(t *testing.T, name string) repopath.ArchivePath {
	t.Helper()
	p, err := repopath.NewRepo(strings.Split(name, "/")...)
	require.NoError(t, err)
	return p
}

func file(t *testing.T, name string, tpe repopath.ObjectType, id string) repopath.ArchivePath {
	t.Helper()
	p, err := repopath.NewFile(strings.Split(name, "/"), tpe, id)
	require.NoError(t, err)
	return p
}

func typ(t *testing.T, name string, tpe repopath.ObjectType) repopath.ArchivePath {
	t.Helper()
	p, err := repopath.NewType(strings.Split(name, "/"), tpe)
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, seq func(func(string, error) bool)) []string {
	t.Helper()
	var out []string
	for id, err := range seq {
		require.NoError(t, err)
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func readAll(t *testing.T, b storage.Backend, p repopath.ArchivePath, rng *storage.ByteRange) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), p, rng)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBackend_ObjectLifecycle(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "repo1")))

			p := file(t, "repo1", repopath.Data, "abcdef01")
			ok, err := b.Exists(ctx, p)
			require.NoError(t, err)
			require.False(t, ok)
			_, err = b.Size(ctx, p)
			require.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, b.WriteNew(ctx, p, strings.NewReader("hello world")))
			ok, err = b.Exists(ctx, p)
			require.NoError(t, err)
			require.True(t, ok)
			size, err := b.Size(ctx, p)
			require.NoError(t, err)
			require.EqualValues(t, 11, size)
			require.Equal(t, []byte("hello world"), readAll(t, b, p, nil))

			err = b.WriteNew(ctx, p, strings.NewReader("other"))
			require.ErrorIs(t, err, storage.ErrAlreadyExists)
			require.Equal(t, []byte("hello world"), readAll(t, b, p, nil))

			require.NoError(t, b.Delete(ctx, p))
			require.ErrorIs(t, b.Delete(ctx, p), storage.ErrNotFound)
			_, err = b.Read(ctx, p, nil)
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestBackend_Ranges(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "r")))
			p := file(t, "r", repopath.Snapshots, "0011")
			require.NoError(t, b.WriteNew(ctx, p, strings.NewReader("0123456789")))

			require.Equal(t, []byte("234"), readAll(t, b, p, &storage.ByteRange{Start: 2, End: 4}))
			require.Equal(t, []byte("9"), readAll(t, b, p, &storage.ByteRange{Start: 9, End: 9}))

			for _, rng := range []storage.ByteRange{{Start: 10, End: 12}, {Start: 5, End: 3}, {Start: -1, End: 2}, {Start: 0, End: 10}} {
				_, err := b.Read(ctx, p, &rng)
				require.ErrorIs(t, err, storage.ErrInvalidRange, "%+v", rng)
			}
		})
	}
}

func TestBackend_ConfigOverwrite(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "r")))
			cfg := typ(t, "r", repopath.Config)

			require.NoError(t, b.WriteOverwrite(ctx, cfg, strings.NewReader("v1")))
			require.NoError(t, b.WriteOverwrite(ctx, cfg, strings.NewReader("v2")))
			require.Equal(t, []byte("v2"), readAll(t, b, cfg, nil))

			err := b.WriteOverwrite(ctx, file(t, "r", repopath.Keys, "aa"), strings.NewReader("x"))
			require.ErrorIs(t, err, repopath.ErrInvalidPath)
		})
	}
}

func TestBackend_WriteIntoMissingRepository(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			err := b.WriteNew(context.Background(), file(t, "nope", repopath.Locks, "aa"), strings.NewReader("x"))
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestBackend_List(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()

			// Absent collection is empty, not an error.
			require.Empty(t, collect(t, b.List(ctx, typ(t, "r", repopath.Data))))

			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "r")))
			ids := []string{"00aa", "ab", "abff", "ff01"}
			for _, id := range ids {
				require.NoError(t, b.WriteNew(ctx, file(t, "r", repopath.Data, id), strings.NewReader(id)))
			}
			require.NoError(t, b.WriteNew(ctx, file(t, "r", repopath.Keys, "beef"), strings.NewReader("k")))

			seq := b.List(ctx, typ(t, "r", repopath.Data))
			require.Equal(t, ids, collect(t, seq))
			// Restartable.
			require.Equal(t, ids, collect(t, seq))
			require.Equal(t, []string{"beef"}, collect(t, b.List(ctx, typ(t, "r", repopath.Keys))))
			require.Empty(t, collect(t, b.List(ctx, typ(t, "r", repopath.Locks))))

			// Early stop.
			n := 0
			for range seq {
				n++
				break
			}
			require.Equal(t, 1, n)
		})
	}
}

func TestBackend_RepositoryLayoutAndRemoval(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			r := repo(t, "team/repo")

			require.NoError(t, b.CreateRepositoryLayout(ctx, r))
			require.NoError(t, b.CreateRepositoryLayout(ctx, r))
			require.NoError(t, b.WriteNew(ctx, file(t, "team/repo", repopath.Locks, "aa"), strings.NewReader("x")))

			require.NoError(t, b.RemoveRepository(ctx, r))
			err := b.RemoveRepository(ctx, r)
			require.ErrorIs(t, err, storage.ErrRemovingRepository)
			require.ErrorIs(t, err, storage.ErrNotFound)

			_, err = b.Read(ctx, file(t, "team/repo", repopath.Locks, "aa"), nil)
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestBackend_RepositoriesDoNotNest(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			key := file(t, "team/sub", repopath.Keys, "abcd")

			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "team/sub")))
			require.NoError(t, b.WriteNew(ctx, key, strings.NewReader("alice")))

			// An ancestor can neither become a repository nor be removed.
			err := b.CreateRepositoryLayout(ctx, repo(t, "team"))
			require.ErrorIs(t, err, storage.ErrNestedRepository)
			require.ErrorIs(t, err, storage.ErrAlreadyExists)
			err = b.RemoveRepository(ctx, repo(t, "team"))
			require.ErrorIs(t, err, storage.ErrNestedRepository)
			require.ErrorIs(t, err, storage.ErrRemovingRepository)
			require.Equal(t, []byte("alice"), readAll(t, b, key, nil))

			// Writes to the ancestor see no repository.
			err = b.WriteNew(ctx, file(t, "team", repopath.Keys, "abcd"), strings.NewReader("x"))
			require.ErrorIs(t, err, storage.ErrNotFound)

			// A descendant of an existing repository is refused too.
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "solo")))
			err = b.CreateRepositoryLayout(ctx, repo(t, "solo/inner"))
			require.ErrorIs(t, err, storage.ErrNestedRepository)

			// Once the nested one is gone the name is free.
			require.NoError(t, b.RemoveRepository(ctx, repo(t, "team/sub")))
			require.ErrorIs(t, b.RemoveRepository(ctx, repo(t, "team")), storage.ErrNotFound)
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "team")))
		})
	}
}

func TestFS_RemovePrunesEmptyParents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := storage.NewFS(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.CreateRepositoryLayout(ctx, repo(t, "org/team/repo")))
	require.NoError(t, s.CreateRepositoryLayout(ctx, repo(t, "org/other")))
	require.NoError(t, s.RemoveRepository(ctx, repo(t, "org/team/repo")))

	_, err = os.Stat(filepath.Join(root, "org", "team"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "org", "other", "keys"))
	require.NoError(t, err)
}

func TestBackend_ExclusiveCreateRace(t *testing.T) {
	t.Parallel()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			b := bc.new(t)
			ctx := context.Background()
			require.NoError(t, b.CreateRepositoryLayout(ctx, repo(t, "r")))
			p := file(t, "r", repopath.Locks, "1234")

			const writers = 16
			payloads := make([][]byte, writers)
			errs := make([]error, writers)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < writers; i++ {
				payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 64<<10)
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					errs[i] = b.WriteNew(ctx, p, bytes.NewReader(payloads[i]))
				}(i)
			}
			close(start)
			wg.Wait()

			winner := -1
			for i, err := range errs {
				if err == nil {
					require.Equal(t, -1, winner, "two writers succeeded")
					winner = i
					continue
				}
				require.True(t, errors.Is(err, storage.ErrAlreadyExists), "writer %d: %v", i, err)
			}
			require.NotEqual(t, -1, winner)
			require.Equal(t, payloads[winner], readAll(t, b, p, nil))
		})
	}
}

func TestFS_Layout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := storage.NewFS(root)
	require.NoError(t, err)
	ctx := context.Background()

	r := repo(t, "repo1")
	require.NoError(t, s.CreateRepositoryLayout(ctx, r))
	before := dirSet(t, filepath.Join(root, "repo1"))
	require.NoError(t, s.CreateRepositoryLayout(ctx, r))
	require.Equal(t, before, dirSet(t, filepath.Join(root, "repo1")))

	for _, d := range []string{"data", "keys", "locks", "snapshots", "index", "data/00", "data/ff", "index/7f"} {
		st, err := os.Stat(filepath.Join(root, "repo1", d))
		require.NoError(t, err, d)
		require.True(t, st.IsDir(), d)
	}

	require.NoError(t, s.WriteNew(ctx, file(t, "repo1", repopath.Data, "c0ffee"), strings.NewReader("x")))
	_, err = os.Stat(filepath.Join(root, "repo1", "data", "c0", "c0ffee"))
	require.NoError(t, err)

	require.NoError(t, s.WriteNew(ctx, file(t, "repo1", repopath.Keys, "c0ffee"), strings.NewReader("x")))
	_, err = os.Stat(filepath.Join(root, "repo1", "keys", "c0ffee"))
	require.NoError(t, err)

	// Staging files never show up in listings.
	require.NoError(t, os.WriteFile(filepath.Join(root, "repo1", "keys", ".tmp-123"), []byte("x"), 0o600))
	require.Equal(t, []string{"c0ffee"}, collect(t, s.List(ctx, typ(t, "repo1", repopath.Keys))))
}

func dirSet(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, rel)
		}
		return nil
	}))
	return out
}

func TestShardPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ab", storage.ShardPrefix("abcdef"))
	require.Equal(t, "0a", storage.ShardPrefix("a"))
	require.Equal(t, "00", storage.ShardPrefix(""))
	require.Len(t, storage.Shards(), 256)
}
