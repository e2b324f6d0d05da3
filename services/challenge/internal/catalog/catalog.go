// Package catalog loads challenge definitions and decides which harvested records count
// toward them.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/platform/libs/go/events"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Metrics a challenge can track.
const (
	MetricCommits            = "commits"
	MetricPullRequestsMerged = "pull_requests_merged"
	MetricIssuesOpened       = "issues_opened"
	MetricLinesAdded         = "lines_added"
)

// Challenge is one catalog entry.
type Challenge struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Metric string `yaml:"metric"`
	Target int    `yaml:"target"`
	Points int    `yaml:"points"`
}

// Catalog is the validated set of challenges.
type Catalog struct {
	challenges []Challenge
	byID       map[string]Challenge
}

type document struct {
	Challenges []Challenge `yaml:"challenges"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file. An empty path loads the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]Challenge, len(doc.Challenges))}
	for i, ch := range doc.Challenges {
		if ch.ID == "" {
			return nil, fmt.Errorf("challenge %d: missing id", i)
		}
		if _, dup := c.byID[ch.ID]; dup {
			return nil, fmt.Errorf("challenge %q: duplicate id", ch.ID)
		}
		if ch.Target <= 0 {
			return nil, fmt.Errorf("challenge %q: target must be positive", ch.ID)
		}
		switch ch.Metric {
		case MetricCommits, MetricPullRequestsMerged, MetricIssuesOpened, MetricLinesAdded:
		default:
			return nil, fmt.Errorf("challenge %q: unknown metric %q", ch.ID, ch.Metric)
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		c.byID[ch.ID] = ch
		c.challenges = append(c.challenges, ch)
	}
	return c, nil
}

// All returns every challenge in file order.
func (c *Catalog) All() []Challenge {
	return append([]Challenge(nil), c.challenges...)
}

// Get returns the challenge with id.
func (c *Catalog) Get(id string) (Challenge, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// Contribution is what one record adds to one challenge.
type Contribution struct {
	Challenge Challenge
	Amount    int
}

// Affected returns the challenges change counts toward, with the amount it adds.
func (c *Catalog) Affected(change events.RecordChanged) []Contribution {
	var out []Contribution
	for _, ch := range c.challenges {
		if amount := Amount(ch.Metric, change); amount > 0 {
			out = append(out, Contribution{Challenge: ch, Amount: amount})
		}
	}
	return out
}

// Amount is the contribution of change to metric, zero when it does not qualify.
func Amount(metric string, change events.RecordChanged) int {
	switch metric {
	case MetricCommits:
		if change.Kind == events.KindCommit {
			return 1
		}
	case MetricPullRequestsMerged:
		if change.Kind == events.KindPullRequest && change.Merged {
			return 1
		}
	case MetricIssuesOpened:
		if change.Kind == events.KindIssue {
			return 1
		}
	case MetricLinesAdded:
		if change.Kind == events.KindCommit {
			return change.Additions
		}
	}
	return 0
}
