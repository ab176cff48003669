package reconcile

import (
	"context"
	"fmt"

	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
)

// mergeEpisodes reconciles episode rows keyed strictly by episode
// number. The primary episode list is authoritative; the secondary
// payload only backfills thumbnails, titles, video links and release
// dates. When neither payload yielded episodes but the total count is
// known, numbered placeholders are created exactly once.
func (m *Merger) mergeEpisodes(ctx context.Context, a *media.Anime, primary, secondary *provider.RawRecord) error {
	for _, re := range primary.Episodes {
		if re.Number <= 0 {
			continue
		}
		ep, err := m.store.FindEpisode(ctx, a.ID, re.Number)
		if err != nil {
			return err
		}
		if ep == nil {
			ep = &media.Episode{AnimeID: a.ID, Number: re.Number}
		}
		if t := cleanTitle(re.Title); t != "" {
			ep.Title = t
		}
		ep.IsFiller = re.Filler
		ep.IsRecap = re.Recap
		ep.DurationMin = parseDuration(re.DurationText, a.DurationMinutes)
		if re.ReleaseDate != nil {
			ep.ReleaseDate = re.ReleaseDate
		}
		if re.Score != nil {
			ep.Score = re.Score
		}
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			return err
		}
	}

	if secondary != nil {
		if err := m.applyStreamingEpisodes(ctx, a, secondary); err != nil {
			return err
		}
		if err := m.applyAiringSchedule(ctx, a, secondary); err != nil {
			return err
		}
	}

	return m.createPlaceholders(ctx, a)
}

// applyStreamingEpisodes backfills from watchable episode listings.
// Titles without a parseable episode number are skipped entirely.
func (m *Merger) applyStreamingEpisodes(ctx context.Context, a *media.Anime, s *provider.RawRecord) error {
	for _, se := range s.StreamingEpisodes {
		number := episodeNumberFromTitle(se.Title)
		if number <= 0 {
			continue
		}
		ep, err := m.store.FindEpisode(ctx, a.ID, number)
		if err != nil {
			return err
		}
		if ep == nil {
			ep = &media.Episode{
				AnimeID:     a.ID,
				Number:      number,
				DurationMin: a.DurationMinutes,
			}
		}
		if ep.ThumbnailURL == "" {
			ep.ThumbnailURL = se.Thumbnail
		}
		if ep.Title == "" {
			ep.Title = cleanTitle(se.Title)
		}
		if ep.VideoURL1080p == "" && ep.VideoURL720p == "" && ep.VideoURL480p == "" {
			ep.VideoURL1080p = se.URL
		}
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

// applyAiringSchedule fills release dates by episode number, creating
// numbered placeholders for episodes not seen elsewhere.
func (m *Merger) applyAiringSchedule(ctx context.Context, a *media.Anime, s *provider.RawRecord) error {
	for _, slot := range s.AiringSchedule {
		if slot.Episode <= 0 {
			continue
		}
		ep, err := m.store.FindEpisode(ctx, a.ID, slot.Episode)
		if err != nil {
			return err
		}
		if ep == nil {
			ep = &media.Episode{
				AnimeID:     a.ID,
				Number:      slot.Episode,
				Title:       fmt.Sprintf("Episode %d", slot.Episode),
				DurationMin: a.DurationMinutes,
			}
		}
		if ep.ReleaseDate == nil {
			airing := slot.AiringAt
			ep.ReleaseDate = &airing
		}
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			return err
		}
	}
	return nil
}

// createPlaceholders creates 1..N numbered episodes when the count is
// known but no source delivered any. Runs only against an empty
// episode list, so re-merges never duplicate placeholders.
func (m *Merger) createPlaceholders(ctx context.Context, a *media.Anime) error {
	if a.EpisodesCount <= 0 {
		return nil
	}
	count, err := m.store.CountEpisodes(ctx, a.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for n := 1; n <= a.EpisodesCount; n++ {
		ep := &media.Episode{
			AnimeID:     a.ID,
			Number:      n,
			Title:       fmt.Sprintf("Episode %d", n),
			DurationMin: a.DurationMinutes,
		}
		if err := m.store.SaveEpisode(ctx, ep); err != nil {
			return err
		}
	}
	m.logger.Debug().Int64("id", a.ID).Int("episodes", a.EpisodesCount).Msg("Created placeholder episodes")
	return nil
}
