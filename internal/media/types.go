// Package media defines the canonical anime record and its storage layer.
package media

import "time"

// Status is the airing status of a canonical record.
type Status string

const (
	StatusAnnounced Status = "announced"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusDropped   Status = "dropped"
)

// Terminal reports whether the status represents a final state that
// a stale secondary feed must not reopen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDropped
}

// Format is the release format of a canonical record.
type Format string

const (
	FormatTV      Format = "tv"
	FormatMovie   Format = "movie"
	FormatOVA     Format = "ova"
	FormatONA     Format = "ona"
	FormatSpecial Format = "special"
)

// Season is the airing season.
type Season string

const (
	SeasonWinter Season = "winter"
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonFall   Season = "fall"
)

// SeasonFromMonth maps a month to its airing season using fixed
// quarter boundaries.
func SeasonFromMonth(m time.Month) Season {
	switch {
	case m <= time.March:
		return SeasonWinter
	case m <= time.June:
		return SeasonSpring
	case m <= time.September:
		return SeasonSummer
	default:
		return SeasonFall
	}
}

// UpdateKind selects which subset of a record a refresh touches.
type UpdateKind string

const (
	UpdateFull     UpdateKind = "full"
	UpdateMetadata UpdateKind = "metadata"
	UpdateEpisodes UpdateKind = "episodes"
	UpdateImages   UpdateKind = "images"
)

// Anime is the canonical media record reconciled from provider payloads.
type Anime struct {
	ID    int64  `json:"id"`
	MALID *int64 `json:"malId,omitempty"`
	Slug  string `json:"slug"`

	TitleOriginal  string `json:"titleOriginal"`
	TitleEnglish   string `json:"titleEnglish,omitempty"`
	TitleJapanese  string `json:"titleJapanese,omitempty"`
	TitleUkrainian string `json:"titleUkrainian"`

	Synopsis        string `json:"synopsis,omitempty"`
	Year            int    `json:"year"`
	Season          Season `json:"season,omitempty"`
	EpisodesCount   int    `json:"episodesCount"`
	DurationMinutes int    `json:"durationMinutes"`

	// Rating is always on a 0-10 scale. RawScore/RawScoreScale keep the
	// provider value so repeated merges never re-normalize.
	Rating        float64 `json:"rating"`
	RawScore      float64 `json:"-"`
	RawScoreScale int     `json:"-"`

	Status    Status `json:"status"`
	Format    Format `json:"format"`
	PosterURL string `json:"posterUrl,omitempty"`
	BannerURL string `json:"bannerUrl,omitempty"`
	TrailerID string `json:"trailerId,omitempty"`

	UpdatePriority      int        `json:"updatePriority"`
	NextUpdateDue       *time.Time `json:"nextUpdateDue,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastFullUpdate      *time.Time `json:"lastFullUpdate,omitempty"`
	LastMetadataUpdate  *time.Time `json:"lastMetadataUpdate,omitempty"`
	LastEpisodesUpdate  *time.Time `json:"lastEpisodesUpdate,omitempty"`
	LastImagesUpdate    *time.Time `json:"lastImagesUpdate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ScreenshotCount is populated by candidate queries that join the
	// screenshots table. Zero elsewhere.
	ScreenshotCount int `json:"screenshotCount,omitempty"`
}

// LastUpdate returns the tracking timestamp for the given kind.
func (a *Anime) LastUpdate(kind UpdateKind) *time.Time {
	switch kind {
	case UpdateMetadata:
		return a.LastMetadataUpdate
	case UpdateEpisodes:
		return a.LastEpisodesUpdate
	case UpdateImages:
		return a.LastImagesUpdate
	default:
		return a.LastFullUpdate
	}
}

// SetLastUpdate stamps the tracking timestamp for the given kind.
func (a *Anime) SetLastUpdate(kind UpdateKind, t time.Time) {
	switch kind {
	case UpdateMetadata:
		a.LastMetadataUpdate = &t
	case UpdateEpisodes:
		a.LastEpisodesUpdate = &t
	case UpdateImages:
		a.LastImagesUpdate = &t
	default:
		a.LastFullUpdate = &t
	}
}

// Episode is one episode of a canonical record. Episode number is the
// merge key and is never renumbered.
type Episode struct {
	ID             int64      `json:"id"`
	AnimeID        int64      `json:"animeId"`
	Number         int        `json:"number"`
	Title          string     `json:"title,omitempty"`
	TitleUkrainian string     `json:"titleUkrainian,omitempty"`
	IsFiller       bool       `json:"isFiller"`
	IsRecap        bool       `json:"isRecap"`
	DurationMin    int        `json:"durationMinutes"`
	ReleaseDate    *time.Time `json:"releaseDate,omitempty"`
	VideoURL1080p  string     `json:"videoUrl1080p,omitempty"`
	VideoURL720p   string     `json:"videoUrl720p,omitempty"`
	VideoURL480p   string     `json:"videoUrl480p,omitempty"`
	ThumbnailURL   string     `json:"thumbnailUrl,omitempty"`
	Score          *float64   `json:"score,omitempty"`
}

// Screenshot is one gallery image URL attached to a record.
type Screenshot struct {
	ID          int64     `json:"id"`
	AnimeID     int64     `json:"animeId"`
	ImageURL    string    `json:"imageUrl"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UpdateLog is one append-only update attempt record.
type UpdateLog struct {
	ID           int64      `json:"id"`
	AnimeID      int64      `json:"animeId"`
	Kind         UpdateKind `json:"kind"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}
