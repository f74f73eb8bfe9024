package store

import (
	"context"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/models"
)

func poolEntryFromRow(row Row) models.WaitingPoolEntry {
	return models.WaitingPoolEntry{
		UserID:        str(row["user_id"]),
		PossessSkills: decodeSkills(row["possess_skills"]),
		WantSkills:    decodeSkills(row["want_skills"]),
		Status:        models.PoolStatus(str(row["status"])),
		MatchedWith:   str(row["matched_with"]),
		CreatedAt:     fromMillis(row["created_at"]),
	}
}

// DeletePoolEntry removes the user's pool row, if any.
func (r *Repo) DeletePoolEntry(ctx context.Context, userID string) error {
	n, err := r.db.Tables().DeleteWhere(ctx, TablePool, Eq("user_id", userID))
	if err != nil {
		return storeErr("delete pool entry", err)
	}
	if n > 0 {
		r.publish(ctx, change{
			kind:  bus.KindDelete,
			table: TablePool,
			row:   models.WaitingPoolEntry{UserID: userID},
			user:  userID,
		})
	}
	return nil
}

// InsertPoolEntry stores a fresh waiting row for the user. It fails if the
// user already has a row.
func (r *Repo) InsertPoolEntry(ctx context.Context, userID string, possess, want []string) (models.WaitingPoolEntry, error) {
	possessJSON, err := encodeSkills(possess)
	if err != nil {
		return models.WaitingPoolEntry{}, err
	}
	wantJSON, err := encodeSkills(want)
	if err != nil {
		return models.WaitingPoolEntry{}, err
	}

	row, err := r.db.Tables().Insert(ctx, TablePool, Row{
		"user_id":        userID,
		"possess_skills": possessJSON,
		"want_skills":    wantJSON,
		"status":         string(models.PoolStatusWaiting),
		"created_at":     millis(r.Now()),
	})
	if err != nil {
		return models.WaitingPoolEntry{}, storeErr("insert pool entry", err)
	}
	entry := poolEntryFromRow(row)
	r.publish(ctx, change{kind: bus.KindInsert, table: TablePool, row: entry, user: userID})
	return entry, nil
}

// ReplacePoolEntry deletes any row the user has and inserts a new waiting
// one in the same transaction, so a retry never leaves two rows or none.
func (r *Repo) ReplacePoolEntry(ctx context.Context, userID string, possess, want []string) (models.WaitingPoolEntry, error) {
	possessJSON, err := encodeSkills(possess)
	if err != nil {
		return models.WaitingPoolEntry{}, err
	}
	wantJSON, err := encodeSkills(want)
	if err != nil {
		return models.WaitingPoolEntry{}, err
	}

	var (
		entry   models.WaitingPoolEntry
		deleted int64
	)
	err = r.db.InTx(ctx, func(t Tables) error {
		n, err := t.DeleteWhere(ctx, TablePool, Eq("user_id", userID))
		if err != nil {
			return err
		}
		deleted = n
		row, err := t.Insert(ctx, TablePool, Row{
			"user_id":        userID,
			"possess_skills": possessJSON,
			"want_skills":    wantJSON,
			"status":         string(models.PoolStatusWaiting),
			"created_at":     millis(r.Now()),
		})
		if err != nil {
			return err
		}
		entry = poolEntryFromRow(row)
		return nil
	})
	if err != nil {
		return models.WaitingPoolEntry{}, storeErr("replace pool entry", err)
	}

	var changes []change
	if deleted > 0 {
		changes = append(changes, change{kind: bus.KindDelete, table: TablePool, row: models.WaitingPoolEntry{UserID: userID}, user: userID})
	}
	changes = append(changes, change{kind: bus.KindInsert, table: TablePool, row: entry, user: userID})
	r.publish(ctx, changes...)
	return entry, nil
}

// PoolEntry returns the user's pool row or models.ErrNotFound.
func (r *Repo) PoolEntry(ctx context.Context, userID string) (models.WaitingPoolEntry, error) {
	row, err := r.db.Tables().SelectOne(ctx, TablePool, Eq("user_id", userID))
	if err != nil {
		return models.WaitingPoolEntry{}, storeErr("get pool entry", err)
	}
	return poolEntryFromRow(row), nil
}

// CountPoolEntries returns how many rows the user owns. Used to check the
// one-row-per-user invariant.
func (r *Repo) CountPoolEntries(ctx context.Context, userID string) (int, error) {
	rows, err := r.db.Tables().SelectMany(ctx, TablePool, Eq("user_id", userID), 0)
	if err != nil {
		return 0, storeErr("count pool entries", err)
	}
	return len(rows), nil
}

// WaitingEntries lists waiting rows oldest first.
func (r *Repo) WaitingEntries(ctx context.Context) ([]models.WaitingPoolEntry, error) {
	return waitingEntries(ctx, r.db.Tables())
}

func waitingEntries(ctx context.Context, t Tables) ([]models.WaitingPoolEntry, error) {
	rows, err := t.SelectMany(ctx, TablePool, Eq("status", string(models.PoolStatusWaiting)), 0)
	if err != nil {
		return nil, storeErr("list waiting", err)
	}
	out := make([]models.WaitingPoolEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, poolEntryFromRow(row))
	}
	return out, nil
}
