package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakudex/otakudex/internal/database"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/translate"
)

// prefixBackend fakes translation by prefixing the input, so tests
// can tell translated text from passed-through text.
type prefixBackend struct{}

func (prefixBackend) Name() string { return "prefix" }

func (prefixBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return "uk:" + text, nil
}

func newTestMerger(t *testing.T) (*Merger, *media.Store) {
	t.Helper()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	store := media.NewStore(db.Conn(), zerolog.Nop())
	translator, err := translate.NewService([]translate.Backend{prefixBackend{}}, "uk", zerolog.Nop())
	require.NoError(t, err)

	return NewMerger(store, translator, zerolog.Nop()), store
}

func jikanRecord() *provider.RawRecord {
	return &provider.RawRecord{
		Source:        provider.Jikan,
		MALID:         5114,
		TitleOriginal: "Fullmetal Alchemist: Brotherhood",
		TitleJapanese: "鋼の錬金術師",
		Synopsis:      "Two brothers search for the Philosopher's Stone.",
		Year:          2009,
		Season:        media.SeasonSpring,
		EpisodesCount: 64,
		DurationText:  "24 min per ep",
		Score:         9.1,
		ScoreScale:    10,
		Status:        media.StatusCompleted,
		Format:        media.FormatTV,
		PosterLarge:   "https://jikan/poster-l.jpg",
		TrailerURL:    "https://www.youtube.com/watch?v=trailer1",
		Genres:        []string{"Action", "Adventure"},
		GalleryImages: []string{"https://jikan/g1.jpg", "https://jikan/g2.jpg"},
	}
}

func anilistRecord() *provider.RawRecord {
	return &provider.RawRecord{
		Source:           provider.Anilist,
		MALID:            5114,
		TitleOriginal:    "Hagane no Renkinjutsushi",
		TitleEnglish:     "Fullmetal Alchemist: Brotherhood",
		Synopsis:         "Two brothers search for the Philosopher's Stone after a failed alchemy ritual costs them dearly.",
		Year:             2009,
		Score:            91,
		ScoreScale:       100,
		Status:           media.StatusCompleted,
		Format:           media.FormatTV,
		PosterLarge:      "https://anilist/poster-l.jpg",
		PosterExtraLarge: "https://anilist/poster-xl.jpg",
		BannerURL:        "https://anilist/banner.jpg",
		Genres:           []string{"Action", "Fantasy"},
		CoverImages:      []string{"https://anilist/cover-xl.jpg", "https://anilist/cover-l.jpg"},
	}
}

func TestMergeCreatesRecord(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	a, err := m.Merge(ctx, jikanRecord(), nil)
	require.NoError(t, err)
	require.NotZero(t, a.ID)
	require.NotNil(t, a.MALID)
	assert.Equal(t, int64(5114), *a.MALID)
	assert.Equal(t, 24, a.DurationMinutes)
	assert.Equal(t, "trailer1", a.TrailerID)
	assert.Equal(t, media.StatusCompleted, a.Status)

	found, err := store.FindByMALID(ctx, 5114)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
}

func TestMergeNoPayload(t *testing.T) {
	m, _ := newTestMerger(t)
	_, err := m.Merge(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestMergeSecondaryFillsGaps(t *testing.T) {
	m, _ := newTestMerger(t)

	primary := jikanRecord()
	primary.TitleEnglish = ""
	primary.Year = 0

	a, err := m.Merge(context.Background(), primary, anilistRecord())
	require.NoError(t, err)
	assert.Equal(t, "Fullmetal Alchemist: Brotherhood", a.TitleEnglish, "secondary fills missing english title")
	assert.Equal(t, "Fullmetal Alchemist: Brotherhood", a.TitleOriginal, "primary original title is kept")
	assert.Equal(t, 2009, a.Year, "secondary fills missing year")
}

func TestMergeSynopsisLongerWins(t *testing.T) {
	m, _ := newTestMerger(t)

	primary := jikanRecord()
	secondary := anilistRecord()
	require.Greater(t, len(secondary.Synopsis), len(primary.Synopsis))

	a, err := m.Merge(context.Background(), primary, secondary)
	require.NoError(t, err)
	assert.Contains(t, a.Synopsis, "costs them dearly", "strictly longer synopsis replaces the shorter one")

	// Equal length keeps the primary.
	m2, _ := newTestMerger(t)
	primary2 := jikanRecord()
	secondary2 := anilistRecord()
	secondary2.Synopsis = primary2.Synopsis
	a2, err := m2.Merge(context.Background(), primary2, secondary2)
	require.NoError(t, err)
	assert.Contains(t, a2.Synopsis, "Philosopher's Stone.")
}

func TestMergeRatingNormalization(t *testing.T) {
	m, _ := newTestMerger(t)

	primary := jikanRecord()
	primary.Score = 0 // no primary rating
	secondary := anilistRecord()

	a, err := m.Merge(context.Background(), primary, secondary)
	require.NoError(t, err)
	assert.InDelta(t, 9.1, a.Rating, 0.001, "0-100 score normalizes to 0-10")
	assert.Equal(t, 91.0, a.RawScore)
	assert.Equal(t, 100, a.RawScoreScale)

	// Re-merging the same payload never re-normalizes.
	a, err = m.Merge(context.Background(), primary, secondary)
	require.NoError(t, err)
	assert.InDelta(t, 9.1, a.Rating, 0.001)
}

func TestMergeRatingFillIfZeroOnly(t *testing.T) {
	m, _ := newTestMerger(t)

	a, err := m.Merge(context.Background(), jikanRecord(), anilistRecord())
	require.NoError(t, err)
	assert.InDelta(t, 9.1, a.Rating, 0.001, "primary rating is kept when present")
	assert.Equal(t, 10, a.RawScoreScale)
}

func TestMergeTerminalStatusProtection(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()

	_, err := m.Merge(ctx, jikanRecord(), nil) // completed
	require.NoError(t, err)

	stale := anilistRecord()
	stale.Status = media.StatusOngoing

	primary := jikanRecord()
	primary.Status = "" // no status signal from primary this round
	a, err := m.Merge(ctx, primary, stale)
	require.NoError(t, err)
	assert.Equal(t, media.StatusCompleted, a.Status, "stale secondary must not reopen a finished record")

	// Once terminal, even another terminal state from the secondary
	// feed is ignored.
	dropped := anilistRecord()
	dropped.Status = media.StatusDropped
	a, err = m.Merge(ctx, primary, dropped)
	require.NoError(t, err)
	assert.Equal(t, media.StatusCompleted, a.Status, "secondary dropped must not replace completed")

	// The primary feed still moves terminal states.
	relisted := jikanRecord()
	relisted.Status = media.StatusDropped
	a, err = m.Merge(ctx, relisted, nil)
	require.NoError(t, err)
	assert.Equal(t, media.StatusDropped, a.Status)
}

func TestMergeFormatSecondaryOverrides(t *testing.T) {
	m, _ := newTestMerger(t)

	secondary := anilistRecord()
	secondary.Format = media.FormatONA

	a, err := m.Merge(context.Background(), jikanRecord(), secondary)
	require.NoError(t, err)
	assert.Equal(t, media.FormatONA, a.Format)
}

func TestMergePosterAndBannerRules(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()

	a, err := m.Merge(ctx, jikanRecord(), anilistRecord())
	require.NoError(t, err)
	assert.Equal(t, "https://anilist/poster-xl.jpg", a.PosterURL, "extraLarge poster always overrides")
	assert.Equal(t, "https://anilist/banner.jpg", a.BannerURL)

	// Banner only fills: a later payload with a different banner loses.
	secondary := anilistRecord()
	secondary.BannerURL = "https://anilist/banner-v2.jpg"
	a, err = m.Merge(ctx, jikanRecord(), secondary)
	require.NoError(t, err)
	assert.Equal(t, "https://anilist/banner.jpg", a.BannerURL)

	// Without extraLarge, large only fills an empty poster.
	m2, _ := newTestMerger(t)
	primary := jikanRecord()
	secondary2 := anilistRecord()
	secondary2.PosterExtraLarge = ""
	a2, err := m2.Merge(ctx, primary, secondary2)
	require.NoError(t, err)
	assert.Equal(t, "https://jikan/poster-l.jpg", a2.PosterURL)
}

func TestMergeLocalizedTitleAndSlug(t *testing.T) {
	m, _ := newTestMerger(t)

	a, err := m.Merge(context.Background(), jikanRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, "uk:鋼の錬金術師", a.TitleUkrainian, "native title feeds the translation chain first")
	assert.Equal(t, "uk-鋼の錬金術師", a.Slug, "slug derives from the localized title")
}

func TestMergeSlugCollisionSuffix(t *testing.T) {
	m, _ := newTestMerger(t)
	ctx := context.Background()

	first, err := m.Merge(ctx, jikanRecord(), nil)
	require.NoError(t, err)

	other := jikanRecord()
	other.MALID = 99999
	second, err := m.Merge(ctx, other, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Equal(t, first.Slug+"-2", second.Slug)

	// A record keeps its own slug on re-merge.
	again, err := m.Merge(ctx, jikanRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Slug, again.Slug)
}

func TestMergeGenreUnion(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	a, err := m.Merge(ctx, jikanRecord(), anilistRecord())
	require.NoError(t, err)

	names, err := store.GenreNames(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Action", "Adventure", "Fantasy"}, names)

	// Re-merge stays idempotent.
	_, err = m.Merge(ctx, jikanRecord(), anilistRecord())
	require.NoError(t, err)
	names, err = store.GenreNames(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

func TestMergeScreenshotBackfillPriority(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	primary := jikanRecord()
	primary.TrailerThumbnail = "https://jikan/trailer-thumb.jpg"
	secondary := anilistRecord()
	secondary.StreamingEpisodes = []provider.StreamingEpisode{
		{Title: "Episode 1 - Start", Thumbnail: "https://anilist/ep1.jpg"},
		{Title: "Episode 2 - Next", Thumbnail: "https://anilist/ep2.jpg"},
	}

	a, err := m.Merge(ctx, primary, secondary)
	require.NoError(t, err)

	urls, err := store.ScreenshotURLs(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, urls, screenshotMinTarget, "backfill stops at the minimum target")
	assert.Contains(t, urls, "https://anilist/ep1.jpg", "streaming thumbnails rank first")
	assert.Contains(t, urls, "https://anilist/ep2.jpg")
	assert.Contains(t, urls, "https://anilist/cover-xl.jpg")
	assert.Contains(t, urls, "https://anilist/cover-l.jpg")
	assert.Contains(t, urls, "https://anilist/banner.jpg")
	assert.NotContains(t, urls, "https://jikan/trailer-thumb.jpg",
		"primary images never displace secondary ones")
}

func TestMergeScreenshotsSkipWhenSatisfied(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	a, err := m.Merge(ctx, jikanRecord(), anilistRecord())
	require.NoError(t, err)
	count, err := store.CountScreenshots(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, screenshotMinTarget, count)

	// Re-merging with fresh candidates must not add more.
	secondary := anilistRecord()
	secondary.CoverImages = append(secondary.CoverImages, "https://anilist/new.jpg")
	_, err = m.Merge(ctx, jikanRecord(), secondary)
	require.NoError(t, err)
	count, err = store.CountScreenshots(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, screenshotMinTarget, count)
}

func TestMergeEpisodesFromPrimary(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	release := time.Date(2009, 4, 5, 0, 0, 0, 0, time.UTC)
	score := 4.6
	primary := jikanRecord()
	primary.Episodes = []provider.RawEpisode{
		{Number: 1, Title: "Fullmetal Alchemist", ReleaseDate: &release, Score: &score},
		{Number: 2, Title: "The First Day", Filler: false, Recap: false},
	}

	a, err := m.Merge(ctx, primary, nil)
	require.NoError(t, err)

	eps, err := store.ListEpisodes(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "Fullmetal Alchemist", eps[0].Title)
	require.NotNil(t, eps[0].Score)
	assert.Equal(t, 4.6, *eps[0].Score)
	assert.Equal(t, 24, eps[0].DurationMin, "episode duration defaults to the parent's")
}

func TestMergeStreamingEpisodeBackfill(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	primary := jikanRecord()
	primary.Episodes = []provider.RawEpisode{{Number: 1, Title: "Canonical Title"}}
	secondary := anilistRecord()
	secondary.StreamingEpisodes = []provider.StreamingEpisode{
		{Title: "Episode 1 - Alt Title", Thumbnail: "https://anilist/ep1.jpg", URL: "https://watch/1"},
		{Title: "Bonus OVA", Thumbnail: "https://anilist/ova.jpg", URL: "https://watch/ova"},
	}

	a, err := m.Merge(ctx, primary, secondary)
	require.NoError(t, err)

	ep1, err := store.FindEpisode(ctx, a.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, ep1)
	assert.Equal(t, "Canonical Title", ep1.Title, "streaming title never overwrites an existing one")
	assert.Equal(t, "https://anilist/ep1.jpg", ep1.ThumbnailURL)
	assert.Equal(t, "https://watch/1", ep1.VideoURL1080p)

	count, err := store.CountEpisodes(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "unparseable streaming titles never create episodes")
}

func TestMergeAiringSchedulePlaceholders(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	primary := jikanRecord()
	primary.EpisodesCount = 0
	secondary := anilistRecord()
	secondary.AiringSchedule = []provider.AiringSlot{
		{Episode: 1, AiringAt: time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)},
		{Episode: 2, AiringAt: time.Date(2026, 1, 12, 16, 0, 0, 0, time.UTC)},
	}

	a, err := m.Merge(ctx, primary, secondary)
	require.NoError(t, err)

	ep2, err := store.FindEpisode(ctx, a.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, ep2)
	assert.Equal(t, "Episode 2", ep2.Title)
	require.NotNil(t, ep2.ReleaseDate)
	assert.Equal(t, time.Date(2026, 1, 12, 16, 0, 0, 0, time.UTC).Unix(), ep2.ReleaseDate.Unix())
}

func TestMergeCountPlaceholdersExactlyOnce(t *testing.T) {
	m, store := newTestMerger(t)
	ctx := context.Background()

	primary := jikanRecord()
	primary.EpisodesCount = 3

	a, err := m.Merge(ctx, primary, nil)
	require.NoError(t, err)

	count, err := store.CountEpisodes(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Second merge must not duplicate or extend placeholders.
	_, err = m.Merge(ctx, primary, nil)
	require.NoError(t, err)
	count, err = store.CountEpisodes(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for n := 1; n <= 3; n++ {
		ep, err := store.FindEpisode(ctx, a.ID, n)
		require.NoError(t, err)
		require.NotNil(t, ep)
		assert.Equal(t, fmt.Sprintf("Episode %d", n), ep.Title)
	}
}
