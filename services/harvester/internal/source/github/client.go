// Package github harvests commits, pull requests and issues from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"

	"example.com/harvester/internal/source"
	"example.com/platform/libs/go/events"
)

const defaultTimeout = 30 * time.Second

// Config configures the client.
type Config struct {
	Token             string
	BaseURL           string // empty for api.github.com
	PerPage           int
	RequestsPerSecond float64
	// CommitStats fetches each commit individually to report line counts.
	CommitStats bool
}

// Client implements source.Client over go-github.
type Client struct {
	gh          *gh.Client
	limiter     *RateLimiter
	perPage     int
	commitStats bool
}

var _ source.Client = (*Client)(nil)

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := &http.Client{Timeout: defaultTimeout}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
		httpClient.Timeout = defaultTimeout
	}

	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = base
	}

	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 100
	}
	return &Client{
		gh:          client,
		limiter:     NewRateLimiter(cfg.RequestsPerSecond),
		perPage:     perPage,
		commitStats: cfg.CommitStats,
	}, nil
}

// FetchPage returns one page of the entity's listing, newest changes first.
func (c *Client) FetchPage(ctx context.Context, entityID string, token string) (source.Page, error) {
	entity, err := ParseEntity(entityID)
	if err != nil {
		return source.Page{}, &source.FatalSourceError{Err: err}
	}
	tok, err := source.DecodeToken(token)
	if err != nil {
		return source.Page{}, &source.FatalSourceError{Err: err}
	}

	var (
		records []source.RawRecord
		resp    *gh.Response
		stop    bool
	)
	switch entity.Kind {
	case KindCommits:
		records, resp, err = c.listCommits(ctx, entity, tok)
	case KindPulls:
		records, resp, stop, err = c.listPulls(ctx, entity, tok)
	case KindIssues:
		records, resp, err = c.listIssues(ctx, entity, tok)
	}
	if err != nil {
		return source.Page{}, c.classify(err, entity.String())
	}

	var newest time.Time
	for _, r := range records {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}

	page := source.Page{
		Records:   records,
		HasMore:   resp.NextPage != 0 && !stop,
		RateLimit: c.limiter.Snapshot(),
	}
	if page.HasMore {
		page.NextToken = source.EncodeToken(tok.Next(newest))
	} else {
		page.NextToken = source.EncodeToken(tok.Resume(newest))
	}
	return page, nil
}

func (c *Client) listOptions(tok source.Token) gh.ListOptions {
	return gh.ListOptions{Page: tok.Page, PerPage: c.perPage}
}

func (c *Client) listCommits(ctx context.Context, e Entity, tok source.Token) ([]source.RawRecord, *gh.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	opts := &gh.CommitsListOptions{Since: tok.Since, ListOptions: c.listOptions(tok)}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, e.Owner, e.Repo, opts)
	c.update(resp)
	if err != nil {
		return nil, resp, err
	}

	records := make([]source.RawRecord, 0, len(commits))
	for _, commit := range commits {
		rec := source.RawRecord{
			ID:        commit.GetSHA(),
			Kind:      events.KindCommit,
			Author:    commitAuthor(commit),
			UpdatedAt: commit.GetCommit().GetCommitter().GetDate().Time.UTC(),
		}
		if c.commitStats {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, resp, err
			}
			detail, detailResp, err := c.gh.Repositories.GetCommit(ctx, e.Owner, e.Repo, commit.GetSHA(), nil)
			c.update(detailResp)
			if err != nil {
				return nil, detailResp, err
			}
			rec.Additions = detail.GetStats().GetAdditions()
			rec.Deletions = detail.GetStats().GetDeletions()
		}
		records = append(records, rec)
	}
	return records, resp, nil
}

func commitAuthor(commit *gh.RepositoryCommit) string {
	if login := commit.GetAuthor().GetLogin(); login != "" {
		return login
	}
	return commit.GetCommit().GetAuthor().GetEmail()
}

// listPulls walks pull requests by last update. The pulls endpoint has no since filter, so
// the walk stops at the first pull request older than the token's since.
func (c *Client) listPulls(ctx context.Context, e Entity, tok source.Token) ([]source.RawRecord, *gh.Response, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, false, err
	}
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: c.listOptions(tok),
	}
	prs, resp, err := c.gh.PullRequests.List(ctx, e.Owner, e.Repo, opts)
	c.update(resp)
	if err != nil {
		return nil, resp, false, err
	}

	records := make([]source.RawRecord, 0, len(prs))
	for _, pr := range prs {
		updated := pr.GetUpdatedAt().Time.UTC()
		if !tok.Since.IsZero() && updated.Before(tok.Since) {
			return records, resp, true, nil
		}
		records = append(records, source.RawRecord{
			ID:        "pull/" + strconv.Itoa(pr.GetNumber()),
			Kind:      events.KindPullRequest,
			Author:    pr.GetUser().GetLogin(),
			State:     pr.GetState(),
			Merged:    pr.MergedAt != nil,
			UpdatedAt: updated,
		})
	}
	return records, resp, false, nil
}

func (c *Client) listIssues(ctx context.Context, e Entity, tok source.Token) ([]source.RawRecord, *gh.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		Since:       tok.Since,
		ListOptions: c.listOptions(tok),
	}
	issues, resp, err := c.gh.Issues.ListByRepo(ctx, e.Owner, e.Repo, opts)
	c.update(resp)
	if err != nil {
		return nil, resp, err
	}

	records := make([]source.RawRecord, 0, len(issues))
	for _, issue := range issues {
		// The issues endpoint also lists pull requests.
		if issue.IsPullRequest() {
			continue
		}
		records = append(records, source.RawRecord{
			ID:        "issue/" + strconv.Itoa(issue.GetNumber()),
			Kind:      events.KindIssue,
			Author:    issue.GetUser().GetLogin(),
			State:     issue.GetState(),
			UpdatedAt: issue.GetUpdatedAt().Time.UTC(),
		})
	}
	return records, resp, nil
}

func (c *Client) update(resp *gh.Response) {
	if resp == nil || resp.Response == nil {
		return
	}
	c.limiter.Update(resp.Response)
}

// classify maps go-github failures onto the source error taxonomy. label names the
// request in the wrapped error.
func (c *Client) classify(err error, label string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("github %s: %w", label, err)

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &source.RetryableSourceError{Err: wrapped, RetryAfter: time.Until(rateErr.Rate.Reset.Time)}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &source.RetryableSourceError{Err: wrapped, RetryAfter: abuseErr.GetRetryAfter()}
	}
	var accepted *gh.AcceptedError
	if errors.As(err, &accepted) {
		return &source.RetryableSourceError{Err: wrapped}
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests,
			status == http.StatusForbidden && c.limiter.Snapshot().Remaining == 0,
			status >= 500:
			return &source.RetryableSourceError{Err: wrapped, RetryAfter: c.limiter.retryAfter(respErr.Response)}
		default:
			return &source.FatalSourceError{Err: wrapped}
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &source.FatalSourceError{Err: wrapped}
	}

	// Remaining failures come from the transport.
	return &source.RetryableSourceError{Err: wrapped}
}
