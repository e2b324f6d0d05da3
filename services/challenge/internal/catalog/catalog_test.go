package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/platform/libs/go/events"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, c.All())

	ch, ok := c.Get("first-merge")
	require.True(t, ok)
	require.Equal(t, MetricPullRequestsMerged, ch.Metric)
	require.Equal(t, 20, ch.Points)
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":     "challenges:\n  - name: x\n    metric: commits\n    target: 1\n",
		"duplicate id":   "challenges:\n  - {id: a, metric: commits, target: 1}\n  - {id: a, metric: commits, target: 2}\n",
		"zero target":    "challenges:\n  - {id: a, metric: commits, target: 0}\n",
		"unknown metric": "challenges:\n  - {id: a, metric: stars, target: 1}\n",
		"not yaml":       "challenges: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("challenges:\n  - {id: solo, metric: issues_opened, target: 2, points: 5}\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.All(), 1)
	ch, _ := c.Get("solo")
	require.Equal(t, "solo", ch.Name, "name defaults to id")
}

func TestAffectedMatchesMetrics(t *testing.T) {
	c, err := Parse([]byte(`challenges:
  - {id: commits, metric: commits, target: 3}
  - {id: lines, metric: lines_added, target: 100}
  - {id: merges, metric: pull_requests_merged, target: 1}
  - {id: issues, metric: issues_opened, target: 1}
`))
	require.NoError(t, err)

	commit := events.RecordChanged{Kind: events.KindCommit, Additions: 40}
	got := c.Affected(commit)
	require.Len(t, got, 2)
	require.Equal(t, "commits", got[0].Challenge.ID)
	require.Equal(t, 1, got[0].Amount)
	require.Equal(t, "lines", got[1].Challenge.ID)
	require.Equal(t, 40, got[1].Amount)

	require.Empty(t, c.Affected(events.RecordChanged{Kind: events.KindPullRequest, State: "open"}))

	merged := c.Affected(events.RecordChanged{Kind: events.KindPullRequest, Merged: true})
	require.Len(t, merged, 1)
	require.Equal(t, "merges", merged[0].Challenge.ID)

	require.Len(t, c.Affected(events.RecordChanged{Kind: events.KindIssue}), 1)
}

func TestCommitWithoutStatsDoesNotCountLines(t *testing.T) {
	require.Zero(t, Amount(MetricLinesAdded, events.RecordChanged{Kind: events.KindCommit}))
}
