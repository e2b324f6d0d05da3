package github

import (
	"fmt"
	"strings"
)

// SourceID identifies GitHub in harvest cursors.
const SourceID = "github"

// Listing kinds an entity can harvest.
const (
	KindCommits = "commits"
	KindPulls   = "pulls"
	KindIssues  = "issues"
)

// Entity is a parsed entity id of the form "owner/repo:kind".
type Entity struct {
	Owner string
	Repo  string
	Kind  string
}

func (e Entity) String() string {
	return e.Owner + "/" + e.Repo + ":" + e.Kind
}

// ParseEntity validates and splits an entity id.
func ParseEntity(id string) (Entity, error) {
	repoPart, kind, ok := strings.Cut(id, ":")
	if !ok {
		return Entity{}, fmt.Errorf("entity %q: expected owner/repo:kind", id)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Entity{}, fmt.Errorf("entity %q: expected owner/repo:kind", id)
	}
	switch kind {
	case KindCommits, KindPulls, KindIssues:
	default:
		return Entity{}, fmt.Errorf("entity %q: unknown kind %q", id, kind)
	}
	return Entity{Owner: owner, Repo: repo, Kind: kind}, nil
}

// EntitiesFor expands a repository into one entity per listing kind.
func EntitiesFor(fullName string) []string {
	return []string{
		fullName + ":" + KindCommits,
		fullName + ":" + KindPulls,
		fullName + ":" + KindIssues,
	}
}
