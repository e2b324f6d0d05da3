// Package source defines the contract between the harvester and external data sources.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RawRecord is one item returned by a source, before change detection.
type RawRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Author    string    `json:"author"`
	State     string    `json:"state,omitempty"`
	Merged    bool      `json:"merged,omitempty"`
	Additions int       `json:"additions,omitempty"`
	Deletions int       `json:"deletions,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fingerprint hashes the record id together with its canonical content. Any observable
// change to the record changes the fingerprint.
func (r RawRecord) Fingerprint() string {
	canonical, _ := json.Marshal(r)
	sum := sha256.Sum256(append([]byte(r.ID+"\x1f"), canonical...))
	return hex.EncodeToString(sum[:])
}

// RateLimit is the quota reported by the source with the last response.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Page is one slice of a listing.
type Page struct {
	Records []RawRecord
	// NextToken resumes the listing. When HasMore is false it is a resume token for the
	// next run rather than the next page.
	NextToken string
	HasMore   bool
	RateLimit RateLimit
}

// Client reads pages from an external source. Implementations never write harvest state.
type Client interface {
	FetchPage(ctx context.Context, entityID string, token string) (Page, error)
}
