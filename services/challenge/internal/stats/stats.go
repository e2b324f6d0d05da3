// Package stats aggregates a user's harvested contributions into totals and scores, and
// keeps platform-wide averages.
package stats

import (
	"sort"
	"strings"
	"time"

	"example.com/platform/libs/go/events"
)

const (
	ownedStarThreshold = 100
	highStarThreshold  = 1000
	maxImpact          = 5.0
)

// Contribution is the latest known state of one record a user authored.
type Contribution struct {
	SourceID   string
	Repository string // owner/repo
	RecordID   string
	Kind       string
	Merged     bool
	Additions  int
	Deletions  int
	OccurredAt time.Time
}

// FromRecord builds the contribution of a record change. The repository is the entity id
// up to its listing kind.
func FromRecord(change events.RecordChanged) Contribution {
	repo, _, _ := strings.Cut(change.EntityID, ":")
	return Contribution{
		SourceID:   change.SourceID,
		Repository: repo,
		RecordID:   change.RecordID,
		Kind:       change.Kind,
		Merged:     change.Merged,
		Additions:  change.Additions,
		Deletions:  change.Deletions,
		OccurredAt: change.UpdatedAt,
	}
}

// Repository is a repository discovery linked to the user.
type Repository struct {
	FullName string
	Owned    bool
	Stars    int
	Forks    int
}

// RepositoryActivity is what the user did in one repository.
type RepositoryActivity struct {
	Repository   string     `json:"repository"`
	Commits      int        `json:"commits"`
	PullRequests int        `json:"pull_requests"`
	Issues       int        `json:"issues"`
	LastCommitAt *time.Time `json:"last_commit_at,omitempty"`
}

// Scores rate a user's activity, breadth and reach.
type Scores struct {
	Activity  int     // 0-3, best single repository
	Diversity float64 // 0-1, by repository count
	Impact    float64 // 0-5
}

// Statistics is a user's aggregate.
type Statistics struct {
	UserID string

	Commits            int
	Additions          int
	Deletions          int
	Lines              int
	PullRequests       int
	MergedPullRequests int
	Issues             int

	OwnedRepositories       int
	ContributedRepositories int
	OwnedStars              int
	OwnedForks              int

	NightCommits int // 22:00 to 06:00 local time
	DayCommits   int

	Repositories []RepositoryActivity
	Scores       Scores
	ComputedAt   time.Time
}

// Aggregate totals contributions and scores them against the user's repositories. Commit
// hours are read in loc; a nil loc means UTC.
func Aggregate(userID string, contribs []Contribution, repos []Repository, loc *time.Location) Statistics {
	if loc == nil {
		loc = time.UTC
	}
	s := Statistics{UserID: userID}

	byRepo := make(map[string]*RepositoryActivity)
	activity := func(name string) *RepositoryActivity {
		key := strings.ToLower(name)
		a, ok := byRepo[key]
		if !ok {
			a = &RepositoryActivity{Repository: name}
			byRepo[key] = a
		}
		return a
	}

	for _, c := range contribs {
		a := activity(c.Repository)
		switch c.Kind {
		case events.KindCommit:
			s.Commits++
			s.Additions += c.Additions
			s.Deletions += c.Deletions
			a.Commits++
			if isNight(c.OccurredAt.In(loc).Hour()) {
				s.NightCommits++
			} else {
				s.DayCommits++
			}
			if a.LastCommitAt == nil || c.OccurredAt.After(*a.LastCommitAt) {
				at := c.OccurredAt
				a.LastCommitAt = &at
			}
		case events.KindPullRequest:
			s.PullRequests++
			a.PullRequests++
			if c.Merged {
				s.MergedPullRequests++
			}
		case events.KindIssue:
			s.Issues++
			a.Issues++
		}
	}
	s.Lines = s.Additions + s.Deletions

	touched := make(map[string]bool, len(byRepo)+len(repos))
	for key := range byRepo {
		touched[key] = true
	}
	for _, r := range repos {
		touched[strings.ToLower(r.FullName)] = true
		if r.Owned {
			s.OwnedRepositories++
			s.OwnedStars += r.Stars
			s.OwnedForks += r.Forks
		}
	}
	s.ContributedRepositories = len(touched) - s.OwnedRepositories

	s.Repositories = make([]RepositoryActivity, 0, len(byRepo))
	for _, a := range byRepo {
		s.Repositories = append(s.Repositories, *a)
	}
	sort.Slice(s.Repositories, func(i, j int) bool { return s.Repositories[i].Repository < s.Repositories[j].Repository })

	s.Scores = Score(s.Repositories, len(touched), contribs, repos)
	return s
}

func isNight(hour int) bool {
	return hour >= 22 || hour < 6
}

// Score rates activity by the busiest repository, diversity by how many repositories the
// user touched, and impact by stars and merged pull requests outside their own repositories.
func Score(activity []RepositoryActivity, repositories int, contribs []Contribution, repos []Repository) Scores {
	var sc Scores
	for _, a := range activity {
		sc.Activity = max(sc.Activity, activityLevel(a.Commits, a.PullRequests))
	}
	sc.Diversity = diversity(repositories)
	sc.Impact = impact(contribs, repos)
	return sc
}

func activityLevel(commits, pulls int) int {
	switch {
	case commits >= 100 && pulls >= 20:
		return 3
	case commits >= 30 && pulls >= 5:
		return 2
	case commits >= 5 || pulls >= 1:
		return 1
	default:
		return 0
	}
}

func diversity(repositories int) float64 {
	switch {
	case repositories >= 10:
		return 1.0
	case repositories >= 5:
		return 0.7
	case repositories >= 2:
		return 0.4
	default:
		return 0
	}
}

func impact(contribs []Contribution, repos []Repository) float64 {
	known := make(map[string]Repository, len(repos))
	var score float64
	ownsPopular := false
	for _, r := range repos {
		known[strings.ToLower(r.FullName)] = r
		if r.Owned && r.Stars >= ownedStarThreshold {
			ownsPopular = true
		}
	}
	if ownsPopular {
		score += 2
	}

	var popularMerge, crossRepoMerge bool
	for _, c := range contribs {
		if c.Kind != events.KindPullRequest || !c.Merged {
			continue
		}
		r, ok := known[strings.ToLower(c.Repository)]
		if ok && r.Stars >= highStarThreshold {
			popularMerge = true
		}
		if !ok || !r.Owned {
			crossRepoMerge = true
		}
	}
	if popularMerge {
		score += 1.5
	}
	if crossRepoMerge {
		score += 0.5
	}
	return min(score, maxImpact)
}

// Platform holds averages over every user with statistics.
type Platform struct {
	TotalUsers      int
	AvgCommits      float64
	AvgPullRequests float64
	AvgIssues       float64
	AvgStars        float64
	ComputedAt      time.Time
}
