package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Repo is the typed view of the store used by the matchmaker and the call
// handlers. Committed changes are published as row-change events on
// channel.Table(table) and, for pool rows, on channel.Pool(userID).
type Repo struct {
	db  *DB
	bus bus.Bus

	// Now is the clock used for created_at and ended_at.
	Now func() time.Time
}

// NewRepo binds the repository to db. A nil bus disables notifications.
func NewRepo(db *DB, b bus.Bus) *Repo {
	return &Repo{db: db, bus: b, Now: time.Now}
}

// Tables gives direct access to the generic table API.
func (r *Repo) Tables() Tables {
	return r.db.Tables()
}

type change struct {
	kind  bus.Kind
	table string
	row   any
	user  string // pool rows only
}

// publish announces committed changes. A failed publish is logged and
// otherwise ignored; the observers' poll path covers lost notifications.
func (r *Repo) publish(ctx context.Context, changes ...change) {
	if r.bus == nil {
		return
	}
	for _, c := range changes {
		ev, err := bus.NewRowChange(c.kind, c.table, c.row)
		if err != nil {
			log.Error().Err(err).Str("module", "store").Str("table", c.table).Msg("encode row change")
			continue
		}
		channels := []string{channel.Table(c.table)}
		if c.user != "" {
			channels = append(channels, channel.Pool(c.user))
		}
		for _, ch := range channels {
			if err := r.bus.Publish(ctx, ch, ev); err != nil {
				log.Warn().Err(err).Str("module", "store").Str("channel", ch).Msg("row change not published")
			}
		}
	}
}

// storeErr tags a database failure with models.ErrStoreUnavailable. Not-found
// results pass through untouched.
func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v any) time.Time {
	if n, ok := v.(int64); ok {
		return time.UnixMilli(n).UTC()
	}
	return time.Time{}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func encodeSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	b, err := json.Marshal(skills)
	if err != nil {
		return "", fmt.Errorf("encode skills: %w", err)
	}
	return string(b), nil
}

func decodeSkills(v any) []string {
	var out []string
	if s := str(v); s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
