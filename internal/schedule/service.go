package schedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/ratelimit"
)

// Staleness thresholds per update kind.
const (
	metadataMaxAge = 7 * 24 * time.Hour
	episodesMaxAge = 24 * time.Hour
	fullMaxAge     = 30 * 24 * time.Hour
	imagesMinCount = 5
)

// maxFailureBackoff caps the exponential retry backoff at one week.
const maxFailureBackoff = 168 * time.Hour

// BudgetSink receives the active strategy's request budgets.
// Satisfied by *ratelimit.Limiter.
type BudgetSink interface {
	SetBudget(provider string, b ratelimit.Budget)
}

// Service owns update due-ness, priorities and attempt bookkeeping.
type Service struct {
	db      *sql.DB
	store   *media.Store
	limiter BudgetSink
	logger  zerolog.Logger

	now func() time.Time
}

// NewService creates a schedule service.
func NewService(db *sql.DB, store *media.Store, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		store:  store,
		logger: logger.With().Str("component", "schedule").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLimiter wires the rate limiter that follows the active
// strategy's budgets. Seeding and every later activation push the
// strategy's allowances into it.
func (s *Service) SetLimiter(l BudgetSink) {
	s.limiter = l
}

// applyBudgets pushes a strategy's request allowances to the limiter
// for both providers.
func (s *Service) applyBudgets(st *Strategy) {
	if s.limiter == nil {
		return
	}
	b := ratelimit.Budget{
		RequestsPerMinute: st.RequestsPerMinute,
		RequestsPerDay:    st.RequestsPerDay,
	}
	s.limiter.SetBudget(provider.Jikan, b)
	s.limiter.SetBudget(provider.Anilist, b)
	s.logger.Info().Str("strategy", st.Name).
		Int("rpm", b.RequestsPerMinute).Int("daily", b.RequestsPerDay).
		Msg("Provider budgets applied")
}

// EnsureSeeded inserts the embedded strategy presets that are missing
// and activates defaultName when no strategy is active yet.
func (s *Service) EnsureSeeded(ctx context.Context, defaultName string) error {
	presets, err := loadPresets()
	if err != nil {
		return err
	}
	for _, p := range presets {
		if err := insertStrategy(ctx, s.db, p); err != nil {
			return err
		}
	}

	if st, err := s.ActiveStrategy(ctx); err == nil {
		s.applyBudgets(st)
		return nil
	} else if !errors.Is(err, ErrStrategyNotFound) {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE update_strategies SET is_active = 1 WHERE name = ?`, defaultName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStrategyNotFound
	}

	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	s.applyBudgets(st)
	s.logger.Info().Str("strategy", defaultName).Msg("Activated default update strategy")
	return nil
}

// ActiveStrategy returns the single active strategy.
func (s *Service) ActiveStrategy(ctx context.Context) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM update_strategies WHERE is_active = 1 LIMIT 1`)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStrategyNotFound
	}
	return st, err
}

// ListStrategies returns all strategies.
func (s *Service) ListStrategies(ctx context.Context) ([]*Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strategyColumns+` FROM update_strategies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Activate makes the named strategy the active one and reflows
// priorities and due times under its weights and intervals.
func (s *Service) Activate(ctx context.Context, name string) error {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM update_strategies WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStrategyNotFound
	}
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE update_strategies SET is_active = (id = ?)`, id); err != nil {
		return err
	}

	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	s.applyBudgets(st)

	if err := s.RecalculatePriorities(ctx); err != nil {
		return err
	}
	if err := s.RescheduleAll(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("strategy", name).Msg("Update strategy activated")
	return nil
}

// GetUpdateCandidates returns the due records for one update kind,
// best candidates first, truncated to batchSize (the strategy batch
// size when batchSize is zero).
func (s *Service) GetUpdateCandidates(ctx context.Context, kind media.UpdateKind, batchSize int) ([]*media.Anime, error) {
	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = st.BatchSize
	}

	return s.store.ListDueForUpdate(ctx, media.DueCandidatesFilter{
		Kind:          kind,
		Now:           s.now(),
		MetadataAge:   metadataMaxAge,
		EpisodesAge:   episodesMaxAge,
		FullAge:       fullMaxAge,
		MinScreenshot: imagesMinCount,
		Limit:         batchSize,
	})
}

// RecalculatePriorities rescores every record with the active
// strategy's weights.
func (s *Service) RecalculatePriorities(ctx context.Context) error {
	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	year := s.now().Year()

	all, err := s.store.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, a := range all {
		p := st.PriorityFor(a, year)
		if p == a.UpdatePriority {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE anime SET update_priority = ? WHERE id = ?`, p, a.ID); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("records", len(all)).Msg("Priorities recalculated")
	return nil
}

// RescheduleAll recomputes every record's next due time from its last
// full refresh and the active strategy's per-status interval. Records
// already overdue become due immediately.
func (s *Service) RescheduleAll(ctx context.Context) error {
	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	now := s.now()

	all, err := s.store.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, a := range all {
		base := a.CreatedAt
		if a.LastFullUpdate != nil {
			base = *a.LastFullUpdate
		}
		due := base.Add(st.Interval(a.Status))
		if due.Before(now) {
			due = now
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE anime SET next_update_due = ? WHERE id = ?`, due, a.ID); err != nil {
			return err
		}
	}
	s.logger.Debug().Int("records", len(all)).Msg("Due times rescheduled")
	return nil
}

// RecordAttempt stamps the outcome of one update attempt: success
// resets the failure streak and schedules the next regular refresh;
// failure backs off exponentially, capped at a week. Every attempt
// lands in the audit log.
func (s *Service) RecordAttempt(ctx context.Context, a *media.Anime, kind media.UpdateKind, success bool, errText string) error {
	st, err := s.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	now := s.now()

	if success {
		a.SetLastUpdate(kind, now)
		if kind == media.UpdateFull {
			a.SetLastUpdate(media.UpdateMetadata, now)
			a.SetLastUpdate(media.UpdateEpisodes, now)
			a.SetLastUpdate(media.UpdateImages, now)
		}
		a.ConsecutiveFailures = 0
		due := now.Add(st.Interval(a.Status))
		a.NextUpdateDue = &due
	} else {
		a.ConsecutiveFailures++
		backoff := time.Duration(1<<uint(a.ConsecutiveFailures)) * time.Hour
		if backoff > maxFailureBackoff {
			backoff = maxFailureBackoff
		}
		due := now.Add(backoff)
		a.NextUpdateDue = &due
	}

	if err := s.store.Save(ctx, a); err != nil {
		return err
	}
	return s.store.AppendUpdateLog(ctx, a.ID, kind, success, errText)
}
