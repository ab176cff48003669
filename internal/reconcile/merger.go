// Package reconcile merges provider payloads into canonical records.
// The merge is a pipeline over an in-memory snapshot: field merge,
// localization, slug assignment, then one persist before the relation
// stages (genres, screenshots, episodes) run against the saved id.
package reconcile

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/translate"
)

// ErrNoPayload is returned when Merge is called without any payload.
var ErrNoPayload = errors.New("no provider payload to merge")

const (
	// screenshotMinTarget is the gallery size backfill aims for.
	screenshotMinTarget = 5
	// screenshotCap is the hard gallery ceiling.
	screenshotCap = 15
)

// Merger reconciles raw provider payloads into the canonical store.
type Merger struct {
	store      *media.Store
	translator *translate.Service
	logger     zerolog.Logger
}

// NewMerger creates a merger.
func NewMerger(store *media.Store, translator *translate.Service, logger zerolog.Logger) *Merger {
	return &Merger{
		store:      store,
		translator: translator,
		logger:     logger.With().Str("component", "reconcile").Logger(),
	}
}

// Merge reconciles a primary payload (and an optional secondary one)
// into the canonical record keyed by MAL id, creating the record when
// it does not exist yet. Concurrent merges of the same id are not
// serialized; callers route one record through one worker at a time.
func (m *Merger) Merge(ctx context.Context, primary, secondary *provider.RawRecord) (*media.Anime, error) {
	if primary == nil {
		if secondary == nil {
			return nil, ErrNoPayload
		}
		primary, secondary = secondary, nil
	}

	malID := primary.MALID
	if malID == 0 && secondary != nil {
		malID = secondary.MALID
	}

	var a *media.Anime
	if malID != 0 {
		existing, err := m.store.FindByMALID(ctx, malID)
		if err != nil {
			return nil, err
		}
		a = existing
	}
	if a == nil {
		a = &media.Anime{
			Status:          media.StatusAnnounced,
			Format:          media.FormatTV,
			DurationMinutes: defaultEpisodeDuration,
		}
		if malID != 0 {
			a.MALID = &malID
		}
	}

	m.applyPrimary(a, primary)
	if secondary != nil {
		m.applySecondary(a, secondary)
	}
	m.localize(ctx, a, primary, secondary)

	slug, err := uniqueSlug(ctx, m.store, slugTitle(a), a.ID)
	if err != nil {
		return nil, err
	}
	a.Slug = slug

	if err := m.store.Save(ctx, a); err != nil {
		return nil, err
	}

	if err := m.syncGenres(ctx, a, primary, secondary); err != nil {
		return nil, err
	}
	if err := m.backfillScreenshots(ctx, a, primary, secondary); err != nil {
		return nil, err
	}
	if err := m.mergeEpisodes(ctx, a, primary, secondary); err != nil {
		return nil, err
	}

	m.logger.Debug().Int64("id", a.ID).Int64("malID", malID).Str("slug", a.Slug).Msg("Record reconciled")
	return a, nil
}

// applyPrimary writes the primary payload's fields onto the record.
// Provided values win; absent values leave the record untouched.
func (m *Merger) applyPrimary(a *media.Anime, p *provider.RawRecord) {
	if t := cleanTitle(p.TitleOriginal); t != "" {
		a.TitleOriginal = t
	}
	if t := cleanTitle(p.TitleEnglish); t != "" {
		a.TitleEnglish = t
	}
	if t := cleanTitle(p.TitleJapanese); t != "" {
		a.TitleJapanese = t
	}
	if p.Synopsis != "" {
		a.Synopsis = p.Synopsis
	}
	if p.Year > 0 {
		a.Year = p.Year
	}
	if p.Season != "" {
		a.Season = p.Season
	}
	if p.EpisodesCount > 0 {
		a.EpisodesCount = p.EpisodesCount
	}
	if p.DurationText != "" {
		a.DurationMinutes = parseDuration(p.DurationText, a.DurationMinutes)
	}
	if p.Status != "" {
		a.Status = p.Status
	}
	if p.Format != "" {
		a.Format = p.Format
	}
	if p.Score > 0 {
		a.Rating = normalizeScore(p.Score, p.ScoreScale)
		a.RawScore = p.Score
		a.RawScoreScale = p.ScoreScale
	}
	if p.PosterExtraLarge != "" {
		a.PosterURL = p.PosterExtraLarge
	} else if p.PosterLarge != "" {
		a.PosterURL = p.PosterLarge
	}
	if a.BannerURL == "" && p.BannerURL != "" {
		a.BannerURL = p.BannerURL
	}
	if id := trailerIDFromURL(p.TrailerURL); id != "" {
		a.TrailerID = id
	}
}

// applySecondary fills gaps and applies the documented override
// exceptions from the secondary payload.
func (m *Merger) applySecondary(a *media.Anime, s *provider.RawRecord) {
	if a.TitleOriginal == "" {
		a.TitleOriginal = cleanTitle(s.TitleOriginal)
	}
	if a.TitleEnglish == "" {
		a.TitleEnglish = cleanTitle(s.TitleEnglish)
	}
	if a.TitleJapanese == "" {
		a.TitleJapanese = cleanTitle(s.TitleJapanese)
	}
	if a.Year == 0 {
		a.Year = s.Year
	}
	if a.Season == "" {
		a.Season = s.Season
	}
	if a.EpisodesCount == 0 {
		a.EpisodesCount = s.EpisodesCount
	}
	if a.TrailerID == "" {
		a.TrailerID = trailerIDFromURL(s.TrailerURL)
	}

	// A longer synopsis replaces a shorter one; ties keep the primary.
	if len(s.Synopsis) > len(a.Synopsis) {
		a.Synopsis = s.Synopsis
	}

	if a.Rating == 0 && s.Score > 0 {
		a.Rating = normalizeScore(s.Score, s.ScoreScale)
		a.RawScore = s.Score
		a.RawScoreScale = s.ScoreScale
	}

	// A terminal canonical status is final; the secondary feed never
	// changes it.
	if s.Status != "" && !a.Status.Terminal() {
		a.Status = s.Status
	}

	// Format from the secondary feed is the more reliable one.
	if s.Format != "" {
		a.Format = s.Format
	}

	if s.PosterExtraLarge != "" {
		a.PosterURL = s.PosterExtraLarge
	} else if a.PosterURL == "" && s.PosterLarge != "" {
		a.PosterURL = s.PosterLarge
	}
	if a.BannerURL == "" && s.BannerURL != "" {
		a.BannerURL = s.BannerURL
	}
}

// localize fills the localized title and synopsis through the
// translation chain. Translation failure leaves the originals.
func (m *Merger) localize(ctx context.Context, a *media.Anime, primary, secondary *provider.RawRecord) {
	if m.translator == nil {
		if a.TitleUkrainian == "" {
			a.TitleUkrainian = a.TitleOriginal
		}
		return
	}

	if a.TitleUkrainian == "" {
		source := firstNonEmpty(a.TitleJapanese, a.TitleEnglish, a.TitleOriginal)
		if source != "" {
			a.TitleUkrainian = m.translator.Translate(ctx, source, translate.DetectLanguage(source))
		}
	}

	if a.Synopsis != "" {
		if lang := translate.DetectLanguage(a.Synopsis); lang != m.translator.TargetLang() {
			a.Synopsis = m.translator.Translate(ctx, a.Synopsis, lang)
		}
	}
}

// slugTitle picks the title the slug derives from: the localized
// title when present, the original otherwise.
func slugTitle(a *media.Anime) string {
	return firstNonEmpty(a.TitleUkrainian, a.TitleOriginal, a.TitleEnglish)
}

// syncGenres unions both payloads' genre names into the record.
func (m *Merger) syncGenres(ctx context.Context, a *media.Anime, primary, secondary *provider.RawRecord) error {
	seen := make(map[string]struct{})
	var names []string
	collect := func(list []string) {
		for _, n := range list {
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			names = append(names, n)
		}
	}
	collect(primary.Genres)
	if secondary != nil {
		collect(secondary.Genres)
	}

	for _, name := range names {
		genreID, err := m.store.CreateGenreIfAbsent(ctx, name)
		if err != nil {
			return err
		}
		if err := m.store.AttachGenre(ctx, a.ID, genreID); err != nil {
			return err
		}
	}
	return nil
}

// normalizeScore maps a provider score onto the 0-10 scale.
func normalizeScore(score float64, scale int) float64 {
	if scale >= 100 {
		return score / 10
	}
	return score
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
