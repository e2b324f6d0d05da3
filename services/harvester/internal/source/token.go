package source

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidToken is returned for tokens that were not produced by EncodeToken.
var ErrInvalidToken = errors.New("source: invalid page token")

// Token is the decoded form of a page token.
type Token struct {
	// Page is the 1-based page of the current listing.
	Page int `json:"p"`
	// Since restricts the listing to records updated at or after it.
	Since time.Time `json:"s,omitempty"`
	// Watermark is the newest update time seen so far in this listing.
	Watermark time.Time `json:"w,omitempty"`
}

// EncodeToken serialises t.
func EncodeToken(t Token) string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a token. The empty token starts a full listing at page 1.
func DecodeToken(s string) (Token, error) {
	if strings.TrimSpace(s) == "" {
		return Token{Page: 1}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, ErrInvalidToken
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, ErrInvalidToken
	}
	if t.Page < 1 {
		t.Page = 1
	}
	return t, nil
}

// Next returns the token of the following page, carrying the watermark forward.
func (t Token) Next(seen time.Time) Token {
	return Token{Page: t.Page + 1, Since: t.Since, Watermark: later(t.Watermark, seen)}
}

// Resume returns the token that starts the next run from the newest change seen.
func (t Token) Resume(seen time.Time) Token {
	mark := later(t.Watermark, seen)
	if mark.IsZero() {
		mark = t.Since
	}
	return Token{Page: 1, Since: mark}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
