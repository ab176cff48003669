package scheduler

import (
	"context"

	"github.com/otakudex/otakudex/internal/config"
	"github.com/otakudex/otakudex/internal/jobs"
	"github.com/otakudex/otakudex/internal/media"
)

// RegisterRefreshTasks wires the periodic refresh jobs onto the
// scheduler: a daily top-list ingest, a weekly seasonal ingest, and
// the rolling batch sweeps that work through due records.
func RegisterRefreshTasks(s *Scheduler, svc *jobs.Service, cfg config.UpdatesConfig) error {
	tasks := []TaskConfig{
		{
			ID:          "refresh-top-list",
			Name:        "Top list refresh",
			Description: "Ingests the first page of the top-rated list",
			Cron:        cfg.TopListCron,
			Func: func(ctx context.Context) (string, error) {
				return svc.RefreshTopList(ctx, 1, 25)
			},
		},
		{
			ID:          "refresh-seasonal",
			Name:        "Seasonal refresh",
			Description: "Ingests the current airing season",
			Cron:        cfg.SeasonalCron,
			Func: func(ctx context.Context) (string, error) {
				return svc.RefreshSeasonal(ctx, 0, "")
			},
		},
		{
			ID:          "sweep-episodes",
			Name:        "Episode sweep",
			Description: "Refreshes episodes of due airing records",
			Cron:        cfg.BatchSweepCron,
			RunOnStart:  cfg.RunSweepOnStart,
			Func: func(ctx context.Context) (string, error) {
				return svc.RefreshBatch(ctx, media.UpdateEpisodes)
			},
		},
		{
			ID:          "sweep-metadata",
			Name:        "Metadata sweep",
			Description: "Refreshes metadata of due records",
			Cron:        cfg.BatchSweepCron,
			Func: func(ctx context.Context) (string, error) {
				return svc.RefreshBatch(ctx, media.UpdateMetadata)
			},
		},
		{
			ID:          "sweep-images",
			Name:        "Image sweep",
			Description: "Backfills records with sparse galleries",
			Cron:        cfg.BatchSweepCron,
			Func: func(ctx context.Context) (string, error) {
				return svc.RefreshBatch(ctx, media.UpdateImages)
			},
		},
	}

	for _, t := range tasks {
		if err := s.RegisterTask(t); err != nil {
			return err
		}
	}
	return nil
}
