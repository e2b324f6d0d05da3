package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/harvester/internal/source"
)

func TestRepositoriesMergesOwnedAndContributed(t *testing.T) {
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/users/ada/repos", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "owner", r.URL.Query().Get("type"))
		require.Equal(t, "pushed", r.URL.Query().Get("sort"))
		switch r.URL.Query().Get("page") {
		case "1", "":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/users/ada/repos?page=2>; rel="next"`, r.Host))
			fmt.Fprint(w, `[
				{"full_name": "ada/engine", "owner": {"login": "ada"}, "language": "Go", "stargazers_count": 140, "forks_count": 9, "pushed_at": "2026-05-01T00:00:00Z"},
				{"full_name": "ada/notes", "owner": {"login": "ada"}, "pushed_at": "2026-01-01T00:00:00Z"}
			]`)
		case "2":
			fmt.Fprint(w, `[{"full_name": "ada/old", "owner": {"login": "ada"}, "pushed_at": "2024-01-01T00:00:00Z"}]`)
		}
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "author:ada type:pr created:>=2025-06-01", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"total_count": 2, "items": [
			{"number": 7, "repository_url": "https://api.github.com/repos/acme/widgets"},
			{"number": 3, "repository_url": "https://api.github.com/repos/ada/engine"}
		]}`)
	})
	mux.HandleFunc("/search/commits", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "author:ada committer-date:>=2025-06-01", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"total_count": 1, "items": [{"sha": "abc", "repository": {"full_name": "acme/widgets"}}]}`)
	})
	gets := 0
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, _ *http.Request) {
		gets++
		fmt.Fprint(w, `{"full_name": "acme/widgets", "owner": {"login": "acme"}, "language": "Rust", "stargazers_count": 2100, "fork": false, "pushed_at": "2026-05-20T00:00:00Z"}`)
	})
	c := newTestClient(t, mux, false)

	repos, err := c.Repositories(context.Background(), "ada", since)
	require.NoError(t, err)
	require.Len(t, repos, 3)

	require.Equal(t, "acme/widgets", repos[0].FullName)
	require.False(t, repos[0].Owned)
	require.Equal(t, 2100, repos[0].Stars)
	require.Equal(t, "Rust", repos[0].Language)

	require.Equal(t, "ada/engine", repos[1].FullName)
	require.True(t, repos[1].Owned)
	require.Equal(t, 140, repos[1].Stars)
	require.Equal(t, 9, repos[1].Forks)

	require.Equal(t, "ada/notes", repos[2].FullName)
	require.Equal(t, 1, gets, "owned repositories are not fetched again")
}

func TestRepositoriesClassifiesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/ghost/repos", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	c := newTestClient(t, mux, false)

	_, err := c.Repositories(context.Background(), "ghost", time.Now().AddDate(-1, 0, 0))
	var fatal *source.FatalSourceError
	require.True(t, errors.As(err, &fatal), "got %v", err)
	require.Contains(t, err.Error(), "repos of ghost")
}

func TestRepoFromURL(t *testing.T) {
	require.Equal(t, "octo/hello", repoFromURL("https://api.github.com/repos/octo/hello"))
	require.Equal(t, "octo/hello", repoFromURL("https://ghe.example.com/api/v3/repos/octo/hello/"))
	require.Empty(t, repoFromURL("https://api.github.com/users/octo"))
	require.Empty(t, repoFromURL("https://api.github.com/repos/octo"))
}
