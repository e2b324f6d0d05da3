package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/harvester/internal/source"
	"example.com/platform/libs/go/events"
)

func newTestClient(t *testing.T, handler http.Handler, commitStats bool) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), Config{
		Token:             "test-token",
		BaseURL:           srv.URL,
		PerPage:           2,
		RequestsPerSecond: 1000,
		CommitStats:       commitStats,
	})
	require.NoError(t, err)
	return c
}

func TestFetchPagePaginatesPullsAndReturnsResumeToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "updated", r.URL.Query().Get("sort"))
		w.Header().Set("X-RateLimit-Remaining", "4999")
		switch r.URL.Query().Get("page") {
		case "1", "":
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/octo/hello/pulls?page=2>; rel="next"`, r.Host))
			fmt.Fprint(w, `[
				{"number": 3, "state": "closed", "updated_at": "2026-03-03T00:00:00Z", "merged_at": "2026-03-03T00:00:00Z", "user": {"login": "alice"}},
				{"number": 2, "state": "open", "updated_at": "2026-03-02T00:00:00Z", "user": {"login": "bob"}}
			]`)
		case "2":
			fmt.Fprint(w, `[{"number": 1, "state": "open", "updated_at": "2026-03-01T00:00:00Z", "user": {"login": "alice"}}]`)
		}
	})
	c := newTestClient(t, mux, false)

	page, err := c.FetchPage(context.Background(), "octo/hello:pulls", "")
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Records, 2)
	require.Equal(t, "pull/3", page.Records[0].ID)
	require.Equal(t, events.KindPullRequest, page.Records[0].Kind)
	require.True(t, page.Records[0].Merged)
	require.False(t, page.Records[1].Merged)
	require.Equal(t, 4999, page.RateLimit.Remaining)

	last, err := c.FetchPage(context.Background(), "octo/hello:pulls", page.NextToken)
	require.NoError(t, err)
	require.False(t, last.HasMore)
	require.Len(t, last.Records, 1)

	resume, err := source.DecodeToken(last.NextToken)
	require.NoError(t, err)
	require.Equal(t, 1, resume.Page)
	require.True(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC).Equal(resume.Since))
}

func TestFetchPageStopsPullsAtSince(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/octo/hello/pulls?page=2>; rel="next"`, r.Host))
		fmt.Fprint(w, `[
			{"number": 9, "state": "open", "updated_at": "2026-04-02T00:00:00Z", "user": {"login": "alice"}},
			{"number": 8, "state": "open", "updated_at": "2026-03-01T00:00:00Z", "user": {"login": "alice"}}
		]`)
	})
	c := newTestClient(t, mux, false)

	token := source.EncodeToken(source.Token{Page: 1, Since: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)})
	page, err := c.FetchPage(context.Background(), "octo/hello:pulls", token)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Records, 1)
	require.Equal(t, "pull/9", page.Records[0].ID)
}

func TestFetchPageSkipsPullRequestsInIssueListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello/issues", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "all", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[
			{"number": 5, "state": "open", "updated_at": "2026-03-05T00:00:00Z", "user": {"login": "carol"}},
			{"number": 4, "state": "open", "updated_at": "2026-03-04T00:00:00Z", "user": {"login": "carol"}, "pull_request": {"url": "x"}}
		]`)
	})
	c := newTestClient(t, mux, false)

	page, err := c.FetchPage(context.Background(), "octo/hello:issues", "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "issue/5", page.Records[0].ID)
	require.Equal(t, "carol", page.Records[0].Author)
}

func TestFetchPageReadsCommitStats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello/commits", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[{"sha": "abc", "author": {"login": "dave"}, "commit": {"committer": {"date": "2026-03-06T00:00:00Z"}}}]`)
	})
	mux.HandleFunc("/repos/octo/hello/commits/abc", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"sha": "abc", "stats": {"additions": 12, "deletions": 3, "total": 15}}`)
	})
	c := newTestClient(t, mux, true)

	page, err := c.FetchPage(context.Background(), "octo/hello:commits", "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "abc", page.Records[0].ID)
	require.Equal(t, "dave", page.Records[0].Author)
	require.Equal(t, 12, page.Records[0].Additions)
	require.Equal(t, 3, page.Records[0].Deletions)
}

func TestFetchPageClassifiesFailures(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		headers    map[string]string
		retryable  bool
		retryAfter time.Duration
	}{
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "too many requests", status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "7"}, retryable: true, retryAfter: 7 * time.Second},
		{name: "not found", status: http.StatusNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/octo/hello/issues", func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"message": "nope"}`)
			})
			c := newTestClient(t, mux, false)

			_, err := c.FetchPage(context.Background(), "octo/hello:issues", "")
			require.Error(t, err)
			retry, ok := source.AsRetryable(err)
			require.Equal(t, tc.retryable, ok)
			require.Equal(t, !tc.retryable, source.IsFatal(err))
			if tc.retryAfter > 0 {
				require.Equal(t, tc.retryAfter, retry.RetryAfter)
			}
		})
	}
}

func TestFetchPageRejectsMalformedInput(t *testing.T) {
	c := newTestClient(t, http.NewServeMux(), false)

	_, err := c.FetchPage(context.Background(), "octo/hello", "")
	require.True(t, source.IsFatal(err))

	_, err = c.FetchPage(context.Background(), "octo/hello:pulls", "!!!")
	require.True(t, source.IsFatal(err))
}

func TestParseEntity(t *testing.T) {
	e, err := ParseEntity("octo/hello:commits")
	require.NoError(t, err)
	require.Equal(t, Entity{Owner: "octo", Repo: "hello", Kind: KindCommits}, e)
	require.Equal(t, "octo/hello:commits", e.String())

	_, err = ParseEntity("octo/hello:wiki")
	require.Error(t, err)
	_, err = ParseEntity("octo:pulls")
	require.Error(t, err)

	require.Equal(t, []string{"octo/hello:commits", "octo/hello:pulls", "octo/hello:issues"}, EntitiesFor("octo/hello"))
}
