// Package api exposes HTTP handlers for challenge progress, user statistics and account
// links.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/challenge/internal/catalog"
	"example.com/challenge/internal/challenge"
	"example.com/challenge/internal/stats"
)

// Repository is the storage the handlers read and write.
type Repository interface {
	Progress(ctx context.Context, userID string) ([]challenge.Progress, error)
	LinkAccount(ctx context.Context, provider, login, userID string) error
	Statistics(ctx context.Context, userID string) (stats.Statistics, bool, error)
	PlatformStatistics(ctx context.Context) (stats.Platform, bool, error)
}

// Handler coordinates HTTP requests with the progress store.
type Handler struct {
	repo    Repository
	catalog *catalog.Catalog
}

// NewHandler builds a Handler.
func NewHandler(repo Repository, cat *catalog.Catalog) *Handler {
	return &Handler{repo: repo, catalog: cat}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/challenges", h.listChallenges)
	mux.HandleFunc("GET /v1/challenges/{challengeID}", h.getChallenge)
	mux.HandleFunc("GET /v1/users/{userID}/progress", h.userProgress)
	mux.HandleFunc("GET /v1/users/{userID}/statistics", h.userStatistics)
	mux.HandleFunc("GET /v1/platform/statistics", h.platformStatistics)
	mux.HandleFunc("PUT /v1/linked-accounts/{provider}/{login}", h.linkAccount)
}

func (h *Handler) listChallenges(w http.ResponseWriter, _ *http.Request) {
	all := h.catalog.All()
	items := make([]ChallengeView, 0, len(all))
	for _, ch := range all {
		items = append(items, challengeView(ch))
	}
	writeJSON(w, http.StatusOK, ListChallengesResponse{Items: items})
}

func (h *Handler) getChallenge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeID")
	ch, ok := h.catalog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown challenge "+id)
		return
	}
	writeJSON(w, http.StatusOK, challengeView(ch))
}

// userProgress lists every catalog challenge for the user, including ones not started.
func (h *Handler) userProgress(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	rows, err := h.repo.Progress(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	byID := make(map[string]challenge.Progress, len(rows))
	for _, p := range rows {
		byID[p.ChallengeID] = p
	}

	resp := ProgressResponse{UserID: userID, Items: []ProgressView{}}
	for _, ch := range h.catalog.All() {
		p := byID[ch.ID]
		resp.Items = append(resp.Items, ProgressView{
			ChallengeID: ch.ID,
			Name:        ch.Name,
			Count:       p.State.Count,
			Target:      ch.Target,
			Progress:    p.State.Progress,
			Achieved:    p.State.Achieved,
			AchievedAt:  p.State.AchievedAt,
			Points:      ch.Points,
		})
		if p.State.Achieved {
			resp.TotalPoints += ch.Points
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userStatistics(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}
	st, ok, err := h.repo.Statistics(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no statistics for "+userID)
		return
	}
	writeJSON(w, http.StatusOK, statisticsView(st))
}

func (h *Handler) platformStatistics(w http.ResponseWriter, r *http.Request) {
	p, ok, err := h.repo.PlatformStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "platform averages not computed yet")
		return
	}
	writeJSON(w, http.StatusOK, PlatformView{
		TotalUsers:      p.TotalUsers,
		AvgCommits:      p.AvgCommits,
		AvgPullRequests: p.AvgPullRequests,
		AvgIssues:       p.AvgIssues,
		AvgStars:        p.AvgStars,
		ComputedAt:      p.ComputedAt,
	})
}

func (h *Handler) linkAccount(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	login := r.PathValue("login")

	var req LinkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.repo.LinkAccount(r.Context(), provider, login, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LinkedAccountView{Provider: provider, Login: login, UserID: req.UserID})
}

// LinkAccountRequest is the payload for PUT /v1/linked-accounts/{provider}/{login}.
type LinkAccountRequest struct {
	UserID string `json:"user_id"`
}

// Validate ensures request correctness.
func (r LinkAccountRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// LinkedAccountView echoes a stored link.
type LinkedAccountView struct {
	Provider string `json:"provider"`
	Login    string `json:"login"`
	UserID   string `json:"user_id"`
}

// ChallengeView describes a catalog entry.
type ChallengeView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Metric string `json:"metric"`
	Target int    `json:"target"`
	Points int    `json:"points"`
}

func challengeView(ch catalog.Challenge) ChallengeView {
	return ChallengeView{ID: ch.ID, Name: ch.Name, Metric: ch.Metric, Target: ch.Target, Points: ch.Points}
}

// ListChallengesResponse packages the catalog.
type ListChallengesResponse struct {
	Items []ChallengeView `json:"items"`
}

// ProgressView is one challenge's standing for a user.
type ProgressView struct {
	ChallengeID string     `json:"challenge_id"`
	Name        string     `json:"name"`
	Count       int        `json:"count"`
	Target      int        `json:"target"`
	Progress    int        `json:"progress"`
	Achieved    bool       `json:"achieved"`
	AchievedAt  *time.Time `json:"achieved_at,omitempty"`
	Points      int        `json:"points"`
}

// ProgressResponse packages a user's progress.
type ProgressResponse struct {
	UserID      string         `json:"user_id"`
	TotalPoints int            `json:"total_points"`
	Items       []ProgressView `json:"items"`
}

// StatisticsView is a user's aggregate and scores.
type StatisticsView struct {
	UserID                  string                     `json:"user_id"`
	Commits                 int                        `json:"commits"`
	Additions               int                        `json:"additions"`
	Deletions               int                        `json:"deletions"`
	Lines                   int                        `json:"lines"`
	PullRequests            int                        `json:"pull_requests"`
	MergedPullRequests      int                        `json:"merged_pull_requests"`
	Issues                  int                        `json:"issues"`
	OwnedRepositories       int                        `json:"owned_repositories"`
	ContributedRepositories int                        `json:"contributed_repositories"`
	OwnedStars              int                        `json:"owned_stars"`
	OwnedForks              int                        `json:"owned_forks"`
	NightCommits            int                        `json:"night_commits"`
	DayCommits              int                        `json:"day_commits"`
	ActivityScore           int                        `json:"activity_score"`
	DiversityScore          float64                    `json:"diversity_score"`
	ImpactScore             float64                    `json:"impact_score"`
	Repositories            []stats.RepositoryActivity `json:"repositories"`
	ComputedAt              time.Time                  `json:"computed_at"`
}

func statisticsView(st stats.Statistics) StatisticsView {
	repos := st.Repositories
	if repos == nil {
		repos = []stats.RepositoryActivity{}
	}
	return StatisticsView{
		UserID:                  st.UserID,
		Commits:                 st.Commits,
		Additions:               st.Additions,
		Deletions:               st.Deletions,
		Lines:                   st.Lines,
		PullRequests:            st.PullRequests,
		MergedPullRequests:      st.MergedPullRequests,
		Issues:                  st.Issues,
		OwnedRepositories:       st.OwnedRepositories,
		ContributedRepositories: st.ContributedRepositories,
		OwnedStars:              st.OwnedStars,
		OwnedForks:              st.OwnedForks,
		NightCommits:            st.NightCommits,
		DayCommits:              st.DayCommits,
		ActivityScore:           st.Scores.Activity,
		DiversityScore:          st.Scores.Diversity,
		ImpactScore:             st.Scores.Impact,
		Repositories:            repos,
		ComputedAt:              st.ComputedAt,
	}
}

// PlatformView is the platform-wide averages.
type PlatformView struct {
	TotalUsers      int       `json:"total_users"`
	AvgCommits      float64   `json:"avg_commits"`
	AvgPullRequests float64   `json:"avg_pull_requests"`
	AvgIssues       float64   `json:"avg_issues"`
	AvgStars        float64   `json:"avg_stars"`
	ComputedAt      time.Time `json:"computed_at"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
