package models

import (
	"strings"
	"time"
)

// PoolStatus is the lifecycle state of a waiting pool entry.
type PoolStatus string

const (
	PoolStatusWaiting PoolStatus = "waiting"
	PoolStatusMatched PoolStatus = "matched"
)

// WaitingPoolEntry is the single row a user owns while waiting for a partner.
type WaitingPoolEntry struct {
	UserID        string     `json:"userId"`
	PossessSkills []string   `json:"possessSkills"`
	WantSkills    []string   `json:"wantSkills"`
	Status        PoolStatus `json:"status"`
	MatchedWith   string     `json:"matchedWith,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Matched reports whether the entry has been paired with a peer.
func (e WaitingPoolEntry) Matched() bool {
	return e.Status == PoolStatusMatched && e.MatchedWith != ""
}

// EnterPoolRequest is the request body for joining the waiting pool.
type EnterPoolRequest struct {
	PossessSkills []string `json:"possessSkills" binding:"required"`
	WantSkills    []string `json:"wantSkills" binding:"required"`
}

// NormalizeSkills trims every skill, drops empties and removes duplicates
// (case-insensitive) while keeping the first spelling and original order.
func NormalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	seen := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
