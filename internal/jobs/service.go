// Package jobs implements the orchestration entry points that tie the
// fetchers, the merger and the schedule together, plus the async
// runner that executes them with bounded retries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/ratelimit"
	"github.com/otakudex/otakudex/internal/reconcile"
	"github.com/otakudex/otakudex/internal/schedule"
)

// MetadataFetcher is the provider surface the jobs consume.
type MetadataFetcher interface {
	Name() string
	FetchTopList(ctx context.Context, page, limit int) ([]provider.RawRecord, error)
	FetchSeasonalList(ctx context.Context, year int, season media.Season) ([]provider.RawRecord, error)
	FetchByExternalID(ctx context.Context, malID int64) (*provider.RawRecord, error)
}

// EpisodeFetcher lists episodes for one record.
type EpisodeFetcher interface {
	FetchEpisodes(ctx context.Context, malID int64) ([]provider.RawEpisode, error)
}

// Service runs the refresh jobs. Each job returns a one-line summary
// and only propagates unexpected errors; anticipated conditions (rate
// limits, empty payloads) end up in the summary instead.
type Service struct {
	primary   MetadataFetcher
	episodes  EpisodeFetcher
	secondary MetadataFetcher
	merger    *reconcile.Merger
	schedule  *schedule.Service
	store     *media.Store
	logger    zerolog.Logger
}

// NewService creates the job service.
func NewService(primary MetadataFetcher, episodes EpisodeFetcher, secondary MetadataFetcher,
	merger *reconcile.Merger, sched *schedule.Service, store *media.Store, logger zerolog.Logger) *Service {
	return &Service{
		primary:   primary,
		episodes:  episodes,
		secondary: secondary,
		merger:    merger,
		schedule:  sched,
		store:     store,
		logger:    logger.With().Str("component", "jobs").Logger(),
	}
}

// RefreshTopList ingests one page of the primary provider's top list,
// enriching each entry from the secondary provider.
func (s *Service) RefreshTopList(ctx context.Context, page, limit int) (string, error) {
	records, err := s.primary.FetchTopList(ctx, page, limit)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return fmt.Sprintf("top list page %d: rate limited before start", page), nil
		}
		return "", err
	}
	processed, failed, limited := s.mergeList(ctx, records, media.UpdateMetadata)
	return listSummary(fmt.Sprintf("top list page %d", page), len(records), processed, failed, limited), nil
}

// RefreshSeasonal ingests the seasonal list for the given season, or
// the current one when year is zero.
func (s *Service) RefreshSeasonal(ctx context.Context, year int, season media.Season) (string, error) {
	if year == 0 {
		now := time.Now().UTC()
		year = now.Year()
		season = media.SeasonFromMonth(now.Month())
	}

	records, err := s.primary.FetchSeasonalList(ctx, year, season)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return fmt.Sprintf("seasonal %d/%s: rate limited before start", year, season), nil
		}
		return "", err
	}
	processed, failed, limited := s.mergeList(ctx, records, media.UpdateMetadata)
	return listSummary(fmt.Sprintf("seasonal %d/%s", year, season), len(records), processed, failed, limited), nil
}

// RefreshOne runs a full refresh of a single record by MAL id.
func (s *Service) RefreshOne(ctx context.Context, malID int64) (string, error) {
	a, err := s.refreshRecord(ctx, malID, media.UpdateFull)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return fmt.Sprintf("refresh %d: rate limited", malID), nil
		}
		return "", err
	}
	if a == nil {
		return fmt.Sprintf("refresh %d: no provider payload", malID), nil
	}
	return fmt.Sprintf("refresh %d: updated %q", malID, a.Slug), nil
}

// RefreshBatch refreshes the due candidates for one update kind. The
// loop stops early when a provider reports a rate limit so the rest
// of the batch is not burned against a blocked budget.
func (s *Service) RefreshBatch(ctx context.Context, kind media.UpdateKind) (string, error) {
	candidates, err := s.schedule.GetUpdateCandidates(ctx, kind, 0)
	if err != nil {
		return "", err
	}

	processed, failed := 0, 0
	limited := false
	for _, a := range candidates {
		if a.MALID == nil {
			failed++
			continue
		}
		_, err := s.refreshRecord(ctx, *a.MALID, kind)
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			limited = true
		case err != nil:
			return "", err
		default:
			processed++
		}
		if limited {
			break
		}
	}
	return listSummary(fmt.Sprintf("batch %s", kind), len(candidates), processed, failed, limited), nil
}

// refreshRecord fetches what the update kind needs, merges, and books
// the attempt. Returns (nil, nil) when no provider had a payload.
func (s *Service) refreshRecord(ctx context.Context, malID int64, kind media.UpdateKind) (*media.Anime, error) {
	primary, err := s.primary.FetchByExternalID(ctx, malID)
	if err != nil {
		return nil, s.bookFailure(ctx, malID, kind, err)
	}

	if primary != nil && (kind == media.UpdateFull || kind == media.UpdateEpisodes) {
		eps, err := s.episodes.FetchEpisodes(ctx, malID)
		if err != nil {
			return nil, s.bookFailure(ctx, malID, kind, err)
		}
		primary.Episodes = eps
	}

	secondary, err := s.secondary.FetchByExternalID(ctx, malID)
	if err != nil {
		// The secondary feed is an enrichment; its rate limit stops
		// the batch but other failures only lose the enrichment.
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return nil, s.bookFailure(ctx, malID, kind, err)
		}
		secondary = nil
	}

	if primary == nil && secondary == nil {
		if existing, lookupErr := s.store.FindByMALID(ctx, malID); lookupErr == nil && existing != nil {
			if recErr := s.schedule.RecordAttempt(ctx, existing, kind, false, "no provider payload"); recErr != nil {
				return nil, recErr
			}
		}
		return nil, nil
	}

	a, err := s.merger.Merge(ctx, primary, secondary)
	if err != nil {
		return nil, err
	}
	if err := s.schedule.RecordAttempt(ctx, a, kind, true, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// bookFailure records a failed attempt for an already-known record
// before passing the error on.
func (s *Service) bookFailure(ctx context.Context, malID int64, kind media.UpdateKind, cause error) error {
	if existing, err := s.store.FindByMALID(ctx, malID); err == nil && existing != nil {
		if recErr := s.schedule.RecordAttempt(ctx, existing, kind, false, cause.Error()); recErr != nil {
			return recErr
		}
	}
	return cause
}

// mergeList merges a fetched list entry by entry, enriching each from
// the secondary provider, stopping on a rate limit.
func (s *Service) mergeList(ctx context.Context, records []provider.RawRecord, kind media.UpdateKind) (processed, failed int, limited bool) {
	for i := range records {
		rec := records[i]

		secondary, err := s.secondary.FetchByExternalID(ctx, rec.MALID)
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return processed, failed, true
		}
		if err != nil {
			secondary = nil
		}

		a, err := s.merger.Merge(ctx, &rec, secondary)
		if err != nil {
			failed++
			s.logger.Warn().Err(err).Int64("malID", rec.MALID).Msg("List entry merge failed")
			continue
		}
		if err := s.schedule.RecordAttempt(ctx, a, kind, true, ""); err != nil {
			failed++
			continue
		}
		processed++
	}
	return processed, failed, false
}

func listSummary(what string, total, processed, failed int, limited bool) string {
	s := fmt.Sprintf("%s: processed %d/%d, failed %d", what, processed, total, failed)
	if limited {
		s += ", stopped by rate limit"
	}
	return s
}
