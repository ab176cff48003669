// Package provider defines the raw payload model shared by the
// upstream metadata clients. Clients map provider responses into
// RawRecord; the reconciliation engine never sees provider JSON.
package provider

import (
	"context"
	"time"

	"github.com/otakudex/otakudex/internal/media"
)

// Pacer gates outgoing provider requests against the configured
// budgets. fn reports the HTTP status it observed (0 when no response
// arrived). Satisfied by *ratelimit.Limiter.
type Pacer interface {
	Do(ctx context.Context, provider, endpoint, params string, fn func(ctx context.Context) (int, error)) error
}

// Provider names used for budget tracking and audit logs.
const (
	Jikan   = "jikan"
	Anilist = "anilist"
)

// StreamingEpisode is one watchable episode listed by a provider.
type StreamingEpisode struct {
	Title     string
	Thumbnail string
	URL       string
}

// AiringSlot is one entry of a provider's airing schedule.
type AiringSlot struct {
	Episode  int
	AiringAt time.Time
}

// RawEpisode is one episode as reported by a provider.
type RawEpisode struct {
	Number       int
	Title        string
	Filler       bool
	Recap        bool
	DurationText string
	ReleaseDate  *time.Time
	Score        *float64
}

// RawRecord is a provider payload normalized into one flat shape.
// Zero values mean the provider did not supply the field.
type RawRecord struct {
	Source string
	MALID  int64

	TitleOriginal string
	TitleEnglish  string
	TitleJapanese string

	Synopsis      string
	Year          int
	Season        media.Season
	EpisodesCount int
	DurationText  string

	// Score is on the provider's native scale; ScoreScale says which
	// (10 for Jikan, 100 for Anilist).
	Score      float64
	ScoreScale int

	Status media.Status
	Format media.Format

	PosterLarge      string
	PosterExtraLarge string
	BannerURL        string
	TrailerURL       string
	TrailerThumbnail string

	Genres []string

	// CoverImages lists cover art variants largest first.
	CoverImages []string
	// GalleryImages lists additional image candidates in the
	// provider's own priority order.
	GalleryImages []string

	StreamingEpisodes []StreamingEpisode
	AiringSchedule    []AiringSlot
	Episodes          []RawEpisode
}
