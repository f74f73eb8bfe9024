package matchmaker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/rs/zerolog/log"
)

// Policy decides which waiting users may be paired.
type Policy string

const (
	// PolicySkills pairs only users whose wanted and offered skills overlap.
	PolicySkills Policy = "skills"
	// PolicyAny pairs any two waiting users, oldest first.
	PolicyAny Policy = "any"
	// PolicySkillsThenAny prefers skill overlap and pairs anyone who has
	// waited at least the fallback delay.
	PolicySkillsThenAny Policy = "skills_then_any"
)

// ParsePolicy validates a policy name. An empty name is PolicySkillsThenAny.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySkills, PolicyAny, PolicySkillsThenAny:
		return p, nil
	case "":
		return PolicySkillsThenAny, nil
	}
	return "", fmt.Errorf("unknown pairing policy %q", s)
}

// PairerConfig tunes the pairing worker.
type PairerConfig struct {
	Interval      time.Duration
	FallbackAfter time.Duration
	Policy        Policy
}

// Pairer is the server-side worker that turns waiting rows into sessions.
type Pairer struct {
	repo *store.Repo
	cfg  PairerConfig

	// Now is the clock used to age pool entries.
	Now func() time.Time
}

// NewPairer creates a Pairer, filling zero config fields with defaults.
func NewPairer(repo *store.Repo, cfg PairerConfig) *Pairer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySkillsThenAny
	}
	return &Pairer{repo: repo, cfg: cfg, Now: time.Now}
}

// Run pairs on every tick until ctx ends.
func (p *Pairer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Str("module", "pairer").
		Str("policy", string(p.cfg.Policy)).
		Dur("interval", p.cfg.Interval).
		Msg("pairing worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "pairer").Msg("pairing worker stopped")
			return
		case <-ticker.C:
			if _, err := p.Step(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "pairer").Msg("pairing step failed")
			}
		}
	}
}

// Step runs one pairing pass in a single store transaction and returns the
// sessions it created.
func (p *Pairer) Step(ctx context.Context) ([]models.CallSession, error) {
	now := p.Now()
	sessions, err := p.repo.CommitPairs(ctx, func(waiting []models.WaitingPoolEntry) [][2]string {
		return Choose(waiting, p.cfg.Policy, p.cfg.FallbackAfter, now)
	})
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		log.Info().
			Str("module", "pairer").
			Str("session_id", s.ID).
			Str("user1_id", s.User1ID).
			Str("user2_id", s.User2ID).
			Msg("paired")
	}
	return sessions, nil
}

// Choose picks pairs from waiting, which is ordered oldest first. Nobody is
// picked twice. With a skills policy each entry, oldest first, takes the
// partner with the best overlap: a mutual exchange beats a one-way one, and
// ties go to the longer waiter. Leftover entries are then paired in order
// under PolicyAny, or under PolicySkillsThenAny when both have waited at
// least fallbackAfter.
func Choose(waiting []models.WaitingPoolEntry, policy Policy, fallbackAfter time.Duration, now time.Time) [][2]string {
	var pairs [][2]string
	used := make([]bool, len(waiting))

	if policy != PolicyAny {
		for i := range waiting {
			if used[i] {
				continue
			}
			best, bestScore := -1, 0
			for j := range waiting {
				if j == i || used[j] {
					continue
				}
				if s := score(waiting[i], waiting[j]); s > bestScore {
					best, bestScore = j, s
				}
			}
			if best < 0 {
				continue
			}
			used[i], used[best] = true, true
			pairs = append(pairs, [2]string{waiting[i].UserID, waiting[best].UserID})
		}
	}

	if policy == PolicySkills {
		return pairs
	}

	prev := -1
	for i, e := range waiting {
		if used[i] {
			continue
		}
		if policy == PolicySkillsThenAny && now.Sub(e.CreatedAt) < fallbackAfter {
			continue
		}
		if prev < 0 {
			prev = i
			continue
		}
		used[prev], used[i] = true, true
		pairs = append(pairs, [2]string{waiting[prev].UserID, e.UserID})
		prev = -1
	}
	return pairs
}

// score is 2 when each can teach the other, 1 when one can teach the other
// and 0 otherwise.
func score(a, b models.WaitingPoolEntry) int {
	s := 0
	if overlaps(a.WantSkills, b.PossessSkills) {
		s++
	}
	if overlaps(b.WantSkills, a.PossessSkills) {
		s++
	}
	return s
}

func overlaps(want, possess []string) bool {
	have := make(map[string]struct{}, len(possess))
	for _, s := range possess {
		have[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, s := range want {
		if _, ok := have[strings.ToLower(strings.TrimSpace(s))]; ok {
			return true
		}
	}
	return false
}
