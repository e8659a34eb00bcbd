package repopath_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"restkeep/internal/repopath"
)

func TestDecompose_Kinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		repo string
		tpe  repopath.ObjectType
		id   string
		kind repopath.Kind
	}{
		{"/repo1", "repo1", repopath.None, "", repopath.KindRepo},
		{"/repo1/", "repo1", repopath.None, "", repopath.KindRepo},
		{"/a/b/c", "a/b/c", repopath.None, "", repopath.KindRepo},
		{"/repo1/config", "repo1", repopath.Config, "", repopath.KindType},
		{"/repo1/data/", "repo1", repopath.Data, "", repopath.KindType},
		{"/repo1/data/ab", "repo1", repopath.Data, "ab", repopath.KindFile},
		{"/alice/work/locks/" + strings.Repeat("f", 64), "alice/work", repopath.Locks, strings.Repeat("f", 64), repopath.KindFile},
		{"/repo1/snapshots/0123", "repo1", repopath.Snapshots, "0123", repopath.KindFile},
		{"/repo1/index/", "repo1", repopath.Index, "", repopath.KindType},
	}
	for _, tc := range cases {
		p, err := repopath.Decompose("", tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.repo, p.RepoName(), tc.raw)
		require.Equal(t, tc.tpe, p.Type(), tc.raw)
		require.Equal(t, tc.id, p.ID(), tc.raw)
		require.Equal(t, tc.kind, p.Kind(), tc.raw)
	}
}

func TestDecompose_EveryTypeRoundTrips(t *testing.T) {
	t.Parallel()

	for _, tpe := range repopath.Types {
		p, err := repopath.Decompose("", "/myrepo/"+tpe.String()+"/")
		require.NoError(t, err)
		require.Equal(t, repopath.KindType, p.Kind())
		require.Equal(t, tpe, p.Type())

		if tpe == repopath.Config {
			continue
		}
		p, err = repopath.Decompose("", "/myrepo/"+tpe.String()+"/beef")
		require.NoError(t, err)
		require.Equal(t, repopath.KindFile, p.Kind())
		require.Equal(t, "beef", p.ID())
		require.Equal(t, "/myrepo/"+tpe.String()+"/beef", p.String())
	}
}

func TestDecompose_RejectsTraversalAndMalformed(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"/",
		"//",
		"/../etc/passwd",
		"/repo/../other",
		"/repo/..",
		"/./repo",
		"/repo//data/ab",
		"/repo/data/../../x",
		"/repo\x00/config",
		"/re\npo/config",
		`/repo\..\x/config`,
		"/config",
		"/data/ab",
		"/repo/config/ab",
		"/repo/data/AB",
		"/repo/data/a",
		"/repo/data/xyz",
		"/repo/data/" + strings.Repeat("a", 65),
		// type names never name a repository
		"/data/keys/",
		"/r/keys/ab/cd",
		"/r/data/ab/cd/config",
		"/team/locks/ab/cd",
		"/snapshots/ab/repo",
		"/r/index/ab/cd/keys/ef",
	}
	for _, raw := range bad {
		_, err := repopath.Decompose("", raw)
		require.ErrorIs(t, err, repopath.ErrInvalidPath, "%q", raw)
	}
}

func TestDecompose_Prefix(t *testing.T) {
	t.Parallel()

	p, err := repopath.Decompose("/api/", "/api/repo1/keys/00")
	require.NoError(t, err)
	require.Equal(t, "repo1", p.RepoName())
	require.Equal(t, repopath.Keys, p.Type())

	_, err = repopath.Decompose("/api", "/other/repo1/config")
	require.ErrorIs(t, err, repopath.ErrInvalidPath)

	_, err = repopath.Decompose("/api", "/apix/config")
	require.ErrorIs(t, err, repopath.ErrInvalidPath)
}

func TestArchivePath_Invariants(t *testing.T) {
	t.Parallel()

	p, err := repopath.NewRepo("r")
	require.NoError(t, err)
	require.Equal(t, repopath.None, p.Type())
	require.Empty(t, p.ID())

	_, err = p.WithID("ab")
	require.ErrorIs(t, err, repopath.ErrInvalidPath)

	cfg, err := repopath.NewType([]string{"r"}, repopath.Config)
	require.NoError(t, err)
	_, err = cfg.WithID("ab")
	require.ErrorIs(t, err, repopath.ErrInvalidPath)

	_, err = repopath.NewType(nil, repopath.Data)
	require.ErrorIs(t, err, repopath.ErrInvalidPath)

	_, err = repopath.NewRepo("r", "keys", "ab")
	require.ErrorIs(t, err, repopath.ErrInvalidPath)

	repo := p.Repo()
	repo[0] = "mutated"
	require.Equal(t, "r", p.RepoName())
}
