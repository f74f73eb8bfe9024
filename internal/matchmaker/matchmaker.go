// Package matchmaker owns the waiting pool: entering and leaving it, watching
// for the moment a partner is assigned, and the server-side worker that pairs
// waiting users.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/rs/zerolog/log"
)

const defaultPollInterval = 2 * time.Second

// Matchmaker runs pool operations for clients.
type Matchmaker struct {
	repo         *store.Repo
	bus          bus.Bus
	pollInterval time.Duration

	suppressed atomic.Int64
}

// New creates a Matchmaker. A zero pollInterval uses two seconds.
func New(repo *store.Repo, b bus.Bus, pollInterval time.Duration) *Matchmaker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Matchmaker{repo: repo, bus: b, pollInterval: pollInterval}
}

// EnterPool replaces any pool row the user has with a fresh waiting one.
// Both skill lists are normalized and must keep at least one entry.
func (m *Matchmaker) EnterPool(ctx context.Context, userID string, possess, want []string) (models.WaitingPoolEntry, error) {
	if userID == "" {
		return models.WaitingPoolEntry{}, fmt.Errorf("%w: missing user id", models.ErrInvalidSkills)
	}
	possess = models.NormalizeSkills(possess)
	want = models.NormalizeSkills(want)
	if len(possess) == 0 || len(want) == 0 {
		return models.WaitingPoolEntry{}, fmt.Errorf("%w: need at least one skill to offer and one to learn", models.ErrInvalidSkills)
	}

	entry, err := m.repo.ReplacePoolEntry(ctx, userID, possess, want)
	if err != nil {
		return models.WaitingPoolEntry{}, fmt.Errorf("enter pool: %w", err)
	}
	log.Info().
		Str("module", "matchmaker").
		Str("user_id", userID).
		Strs("possess", possess).
		Strs("want", want).
		Msg("entered pool")
	return entry, nil
}

// LeavePool removes the user's pool row. Leaving twice is not an error.
func (m *Matchmaker) LeavePool(ctx context.Context, userID string) error {
	if err := m.repo.DeletePoolEntry(ctx, userID); err != nil {
		return fmt.Errorf("leave pool: %w", err)
	}
	log.Info().Str("module", "matchmaker").Str("user_id", userID).Msg("left pool")
	return nil
}

// EndCall closes the session between userID and peerID and clears the pool
// rows still matched to each other. It reports whether an active session was
// ended.
func (m *Matchmaker) EndCall(ctx context.Context, userID, peerID string) (bool, error) {
	if userID == "" || peerID == "" || userID == peerID {
		return false, errors.New("end call: need two distinct users")
	}
	ended, err := m.repo.EndSession(ctx, userID, peerID)
	if err != nil {
		return false, fmt.Errorf("end call: %w", err)
	}
	if len(ended) > 0 {
		log.Info().
			Str("module", "matchmaker").
			Str("user_id", userID).
			Str("peer_id", peerID).
			Str("session_id", ended[0].ID).
			Msg("call ended")
	}
	return len(ended) > 0, nil
}

// ActiveSession returns the user's active session, or models.ErrNotFound.
func (m *Matchmaker) ActiveSession(ctx context.Context, userID string) (models.CallSession, error) {
	return m.repo.ActiveSessionFor(ctx, userID)
}

// Suppressed counts match notifications that lost the race to an earlier one.
func (m *Matchmaker) Suppressed() int64 {
	return m.suppressed.Load()
}
