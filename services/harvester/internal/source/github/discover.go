package github

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"

	"example.com/harvester/internal/discovery"
)

var _ discovery.Finder = (*Client)(nil)

// Repositories lists the repositories login owns and pushed to since the given time, plus
// the ones it opened pull requests against or authored commits in.
func (c *Client) Repositories(ctx context.Context, login string, since time.Time) ([]discovery.Repository, error) {
	found := make(map[string]discovery.Repository)

	owned, err := c.ownedRepositories(ctx, login, since)
	if err != nil {
		return nil, c.classify(err, "repos of "+login)
	}
	for _, repo := range owned {
		found[strings.ToLower(repo.FullName)] = repo
	}

	contributed, err := c.contributedRepositories(ctx, login, since)
	if err != nil {
		return nil, c.classify(err, "contributions of "+login)
	}
	for _, fullName := range contributed {
		if _, ok := found[strings.ToLower(fullName)]; ok {
			continue
		}
		owner, name, _ := strings.Cut(fullName, "/")
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		c.update(resp)
		if err != nil {
			return nil, c.classify(err, "repo "+fullName)
		}
		found[strings.ToLower(fullName)] = toRepository(repo, login)
	}

	out := make([]discovery.Repository, 0, len(found))
	for _, repo := range found {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

// ownedRepositories walks the user's repositories newest push first and stops at the
// first one pushed before since.
func (c *Client) ownedRepositories(ctx context.Context, login string, since time.Time) ([]discovery.Repository, error) {
	opts := &gh.RepositoryListByUserOptions{
		Type:        "owner",
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: c.perPage},
	}
	var out []discovery.Repository
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := c.gh.Repositories.ListByUser(ctx, login, opts)
		c.update(resp)
		if err != nil {
			return nil, err
		}
		for _, repo := range repos {
			if repo.GetPushedAt().Time.Before(since) {
				return out, nil
			}
			out = append(out, toRepository(repo, login))
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// contributedRepositories searches pull requests and commits authored by login since the
// given time and returns the full names of their repositories.
func (c *Client) contributedRepositories(ctx context.Context, login string, since time.Time) ([]string, error) {
	day := since.UTC().Format("2006-01-02")
	names := make(map[string]bool)

	opts := &gh.SearchOptions{ListOptions: gh.ListOptions{PerPage: c.perPage}}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, resp, err := c.gh.Search.Issues(ctx, "author:"+login+" type:pr created:>="+day, opts)
		c.update(resp)
		if err != nil {
			return nil, err
		}
		for _, issue := range result.Issues {
			if name := repoFromURL(issue.GetRepositoryURL()); name != "" {
				names[name] = true
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	opts = &gh.SearchOptions{ListOptions: gh.ListOptions{PerPage: c.perPage}}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, resp, err := c.gh.Search.Commits(ctx, "author:"+login+" committer-date:>="+day, opts)
		c.update(resp)
		if err != nil {
			return nil, err
		}
		for _, commit := range result.Commits {
			if name := commit.GetRepository().GetFullName(); name != "" {
				names[name] = true
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// repoFromURL extracts owner/repo from an API repository url such as
// https://api.github.com/repos/octo/hello.
func repoFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	_, rest, ok := strings.Cut(u.Path, "/repos/")
	if !ok {
		return ""
	}
	owner, name, ok := strings.Cut(strings.Trim(rest, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ""
	}
	return owner + "/" + name
}

func toRepository(repo *gh.Repository, login string) discovery.Repository {
	owner := repo.GetOwner().GetLogin()
	return discovery.Repository{
		FullName: repo.GetFullName(),
		Owner:    owner,
		Owned:    strings.EqualFold(owner, login),
		Fork:     repo.GetFork(),
		Private:  repo.GetPrivate(),
		Language: repo.GetLanguage(),
		Stars:    repo.GetStargazersCount(),
		Forks:    repo.GetForksCount(),
		PushedAt: repo.GetPushedAt().Time.UTC(),
	}
}
