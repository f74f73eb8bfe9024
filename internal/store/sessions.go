package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
)

func sessionFromRow(row Row) models.CallSession {
	s := models.CallSession{
		ID:        str(row["id"]),
		User1ID:   str(row["user1_id"]),
		User2ID:   str(row["user2_id"]),
		Status:    models.SessionStatus(str(row["status"])),
		CreatedAt: fromMillis(row["created_at"]),
	}
	if row["ended_at"] != nil {
		t := fromMillis(row["ended_at"])
		s.EndedAt = &t
	}
	return s
}

// ActiveSessionFor returns the user's active session or models.ErrNotFound.
func (r *Repo) ActiveSessionFor(ctx context.Context, userID string) (models.CallSession, error) {
	p := Eq("status", string(models.SessionStatusActive)).Or(C("user1_id", userID), C("user2_id", userID))
	row, err := r.db.Tables().SelectOne(ctx, TableSessions, p)
	if err != nil {
		return models.CallSession{}, storeErr("get active session", err)
	}
	return sessionFromRow(row), nil
}

// SessionsFor lists every session naming the user, oldest first.
func (r *Repo) SessionsFor(ctx context.Context, userID string) ([]models.CallSession, error) {
	rows, err := r.db.Tables().SelectMany(ctx, TableSessions, Pred{}.Or(C("user1_id", userID), C("user2_id", userID)), 0)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	out := make([]models.CallSession, 0, len(rows))
	for _, row := range rows {
		out = append(out, sessionFromRow(row))
	}
	return out, nil
}

// EndSession marks the pair's active session ended and removes the pool rows
// still matched to each other. Calling it again for the same pair changes
// nothing and returns no sessions.
func (r *Repo) EndSession(ctx context.Context, a, b string) ([]models.CallSession, error) {
	lo, hi := channel.Slots(a, b)
	now := millis(r.Now())

	var (
		ended   []models.CallSession
		removed []string
	)
	err := r.db.InTx(ctx, func(t Tables) error {
		rows, err := t.UpdateWhere(ctx, TableSessions,
			Eq("user1_id", lo).And("user2_id", hi).And("status", string(models.SessionStatusActive)),
			Row{"status": string(models.SessionStatusEnded), "ended_at": now})
		if err != nil {
			return err
		}
		for _, row := range rows {
			ended = append(ended, sessionFromRow(row))
		}

		// Only rows still pointing at this partner go; a user who already
		// re-entered the pool keeps the new entry.
		for _, pair := range [][2]string{{lo, hi}, {hi, lo}} {
			u := pair[0]
			n, err := t.DeleteWhere(ctx, TablePool, Eq("user_id", u).And("matched_with", pair[1]))
			if err != nil {
				return err
			}
			if n > 0 {
				removed = append(removed, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("end session", err)
	}

	changes := make([]change, 0, len(ended)+len(removed))
	for _, s := range ended {
		changes = append(changes, change{kind: bus.KindUpdate, table: TableSessions, row: s})
	}
	for _, u := range removed {
		changes = append(changes, change{kind: bus.KindDelete, table: TablePool, row: models.WaitingPoolEntry{UserID: u}, user: u})
	}
	r.publish(ctx, changes...)
	return ended, nil
}

// Chooser picks pairs out of the waiting entries. Each returned pair must
// name two distinct waiting users and no user may appear twice.
type Chooser func(waiting []models.WaitingPoolEntry) [][2]string

// CommitPairs reads the waiting pool, lets choose select pairs and, in the
// same transaction, marks both rows of every pair matched and records an
// active session for it. A stale active session for the same pair is ended
// first. Either every pair commits or none does.
func (r *Repo) CommitPairs(ctx context.Context, choose Chooser) ([]models.CallSession, error) {
	now := millis(r.Now())
	var (
		created []models.CallSession
		changes []change
	)
	err := r.db.InTx(ctx, func(t Tables) error {
		waiting, err := waitingEntries(ctx, t)
		if err != nil {
			return err
		}
		if len(waiting) < 2 {
			return nil
		}
		pairs := choose(waiting)
		if err := checkPairs(waiting, pairs); err != nil {
			return err
		}

		for _, pair := range pairs {
			for i, u := range pair {
				rows, err := t.UpdateWhere(ctx, TablePool,
					Eq("user_id", u).And("status", string(models.PoolStatusWaiting)),
					Row{"status": string(models.PoolStatusMatched), "matched_with": pair[1-i]})
				if err != nil {
					return err
				}
				if len(rows) != 1 {
					return fmt.Errorf("pair %s: %d waiting rows for %s", channel.PairKey(pair[0], pair[1]), len(rows), u)
				}
				changes = append(changes, change{kind: bus.KindUpdate, table: TablePool, row: poolEntryFromRow(rows[0]), user: u})
			}

			lo, hi := channel.Slots(pair[0], pair[1])
			stale, err := t.UpdateWhere(ctx, TableSessions,
				Eq("user1_id", lo).And("user2_id", hi).And("status", string(models.SessionStatusActive)),
				Row{"status": string(models.SessionStatusEnded), "ended_at": now})
			if err != nil {
				return err
			}
			for _, row := range stale {
				changes = append(changes, change{kind: bus.KindUpdate, table: TableSessions, row: sessionFromRow(row)})
			}

			row, err := t.Insert(ctx, TableSessions, Row{
				"id":         uuid.NewString(),
				"user1_id":   lo,
				"user2_id":   hi,
				"status":     string(models.SessionStatusActive),
				"created_at": now,
			})
			if err != nil {
				if isConstraint(err) {
					return fmt.Errorf("pair %s already active: %w", channel.PairKey(lo, hi), err)
				}
				return err
			}
			s := sessionFromRow(row)
			created = append(created, s)
			changes = append(changes, change{kind: bus.KindInsert, table: TableSessions, row: s})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("commit pairs", err)
	}
	r.publish(ctx, changes...)
	return created, nil
}

func checkPairs(waiting []models.WaitingPoolEntry, pairs [][2]string) error {
	open := make(map[string]bool, len(waiting))
	for _, e := range waiting {
		open[e.UserID] = true
	}
	for _, p := range pairs {
		if p[0] == p[1] {
			return fmt.Errorf("cannot pair %s with itself", p[0])
		}
		for _, u := range p {
			if !open[u] {
				return fmt.Errorf("%s is not waiting or already paired", u)
			}
			open[u] = false
		}
	}
	return nil
}
