package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakudex/otakudex/internal/database"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/ratelimit"
	"github.com/otakudex/otakudex/internal/reconcile"
	"github.com/otakudex/otakudex/internal/schedule"
)

type fakeFetcher struct {
	name     string
	list     []provider.RawRecord
	byID     map[int64]*provider.RawRecord
	episodes map[int64][]provider.RawEpisode

	listErr error
	byIDErr map[int64]error

	byIDCalls int
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchTopList(ctx context.Context, page, limit int) ([]provider.RawRecord, error) {
	return f.list, f.listErr
}

func (f *fakeFetcher) FetchSeasonalList(ctx context.Context, year int, season media.Season) ([]provider.RawRecord, error) {
	return f.list, f.listErr
}

func (f *fakeFetcher) FetchByExternalID(ctx context.Context, malID int64) (*provider.RawRecord, error) {
	f.byIDCalls++
	if err, ok := f.byIDErr[malID]; ok {
		return nil, err
	}
	return f.byID[malID], nil
}

func (f *fakeFetcher) FetchEpisodes(ctx context.Context, malID int64) ([]provider.RawEpisode, error) {
	return f.episodes[malID], nil
}

func rawRecord(source string, malID int64, title string) provider.RawRecord {
	return provider.RawRecord{
		Source:        source,
		MALID:         malID,
		TitleOriginal: title,
		Status:        media.StatusOngoing,
		Format:        media.FormatTV,
		Score:         8,
		ScoreScale:    10,
	}
}

func newTestJobs(t *testing.T, primary, secondary *fakeFetcher) (*Service, *media.Store) {
	t.Helper()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	store := media.NewStore(db.Conn(), zerolog.Nop())
	merger := reconcile.NewMerger(store, nil, zerolog.Nop())
	sched := schedule.NewService(db.Conn(), store, zerolog.Nop())
	require.NoError(t, sched.EnsureSeeded(context.Background(), "standard"))

	return NewService(primary, primary, secondary, merger, sched, store, zerolog.Nop()), store
}

func TestRefreshTopList(t *testing.T) {
	primary := &fakeFetcher{name: "jikan", list: []provider.RawRecord{
		rawRecord("jikan", 1, "Cowboy Bebop"),
		rawRecord("jikan", 5114, "Fullmetal Alchemist: Brotherhood"),
	}}
	secondary := &fakeFetcher{name: "anilist", byID: map[int64]*provider.RawRecord{
		5114: {Source: "anilist", MALID: 5114, TitleEnglish: "Fullmetal Alchemist: Brotherhood",
			Status: media.StatusCompleted, Format: media.FormatTV},
	}}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	summary, err := svc.RefreshTopList(ctx, 1, 25)
	require.NoError(t, err)
	assert.Equal(t, "top list page 1: processed 2/2, failed 0", summary)

	a, err := store.FindByMALID(ctx, 5114)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Fullmetal Alchemist: Brotherhood", a.TitleEnglish, "secondary enrichment applied")
	assert.NotNil(t, a.LastMetadataUpdate, "list ingest books a metadata attempt")

	b, err := store.FindByMALID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestRefreshTopListStopsOnRateLimit(t *testing.T) {
	primary := &fakeFetcher{name: "jikan", list: []provider.RawRecord{
		rawRecord("jikan", 1, "First"),
		rawRecord("jikan", 2, "Second"),
		rawRecord("jikan", 3, "Third"),
	}}
	secondary := &fakeFetcher{name: "anilist", byIDErr: map[int64]error{
		2: fmt.Errorf("anilist responded 429: %w", ratelimit.ErrRateLimited),
	}}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	summary, err := svc.RefreshTopList(ctx, 1, 25)
	require.NoError(t, err, "a mid-batch rate limit is an anticipated outcome")
	assert.Equal(t, "top list page 1: processed 1/3, failed 0, stopped by rate limit", summary)

	third, err := store.FindByMALID(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, third, "entries after the rate limit are left for the next run")
}

func TestRefreshSeasonalDefaultsToCurrentSeason(t *testing.T) {
	primary := &fakeFetcher{name: "jikan", list: []provider.RawRecord{rawRecord("jikan", 7, "Seasonal Show")}}
	secondary := &fakeFetcher{name: "anilist", byID: map[int64]*provider.RawRecord{}}
	svc, _ := newTestJobs(t, primary, secondary)

	summary, err := svc.RefreshSeasonal(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Contains(t, summary, "processed 1/1")
	assert.NotContains(t, summary, "seasonal 0/")
}

func TestRefreshOneFull(t *testing.T) {
	rec := rawRecord("jikan", 20, "Naruto")
	primary := &fakeFetcher{
		name: "jikan",
		byID: map[int64]*provider.RawRecord{20: &rec},
		episodes: map[int64][]provider.RawEpisode{20: {
			{Number: 1, Title: "Enter: Naruto Uzumaki!"},
			{Number: 2, Title: "My Name is Konohamaru!"},
		}},
	}
	secondary := &fakeFetcher{name: "anilist"}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	summary, err := svc.RefreshOne(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, `refresh 20: updated "naruto"`, summary)

	a, err := store.FindByMALID(ctx, 20)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.NotNil(t, a.LastFullUpdate)
	assert.Equal(t, 0, a.ConsecutiveFailures)

	n, err := store.CountEpisodes(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRefreshOneNoPayload(t *testing.T) {
	primary := &fakeFetcher{name: "jikan"}
	secondary := &fakeFetcher{name: "anilist"}
	svc, _ := newTestJobs(t, primary, secondary)

	summary, err := svc.RefreshOne(context.Background(), 12345)
	require.NoError(t, err, "missing payloads are an anticipated outcome")
	assert.Equal(t, "refresh 12345: no provider payload", summary)
}

func TestRefreshOneBooksFailureForKnownRecord(t *testing.T) {
	rec := rawRecord("jikan", 30, "Known Show")
	primary := &fakeFetcher{name: "jikan", byID: map[int64]*provider.RawRecord{30: &rec}}
	secondary := &fakeFetcher{name: "anilist"}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	_, err := svc.RefreshOne(ctx, 30)
	require.NoError(t, err)

	// The provider goes dark for the next refresh.
	delete(primary.byID, 30)
	summary, err := svc.RefreshOne(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, "refresh 30: no provider payload", summary)

	a, err := store.FindByMALID(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ConsecutiveFailures, "known records book the failed attempt")

	logs, err := store.RecentUpdateLogs(ctx, a.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.False(t, logs[0].Success)
}

func TestRefreshBatchBreaksOnRateLimit(t *testing.T) {
	recA := rawRecord("jikan", 101, "Batch A")
	primary := &fakeFetcher{
		name:     "jikan",
		byID:     map[int64]*provider.RawRecord{101: &recA},
		episodes: map[int64][]provider.RawEpisode{},
		byIDErr: map[int64]error{
			102: fmt.Errorf("jikan responded 429: %w", ratelimit.ErrRateLimited),
			103: fmt.Errorf("jikan responded 429: %w", ratelimit.ErrRateLimited),
		},
	}
	secondary := &fakeFetcher{name: "anilist"}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	for i, malID := range []int64{101, 102, 103} {
		id := malID
		a := &media.Anime{MALID: &id, Slug: fmt.Sprintf("batch-%d", i), TitleOriginal: "b",
			Status: media.StatusCompleted, Format: media.FormatTV, UpdatePriority: 100 - i}
		require.NoError(t, store.Save(ctx, a))
	}

	summary, err := svc.RefreshBatch(ctx, media.UpdateMetadata)
	require.NoError(t, err)
	assert.Equal(t, "batch metadata: processed 1/3, failed 0, stopped by rate limit", summary)
	assert.Equal(t, 2, primary.byIDCalls, "loop stops at the first rate-limited record")
}

func TestRefreshBatchPropagatesUnexpectedErrors(t *testing.T) {
	primary := &fakeFetcher{name: "jikan", byIDErr: map[int64]error{
		201: errors.New("database is on fire"),
	}}
	secondary := &fakeFetcher{name: "anilist"}
	svc, store := newTestJobs(t, primary, secondary)
	ctx := context.Background()

	id := int64(201)
	a := &media.Anime{MALID: &id, Slug: "boom", TitleOriginal: "Boom",
		Status: media.StatusCompleted, Format: media.FormatTV}
	require.NoError(t, store.Save(ctx, a))

	_, err := svc.RefreshBatch(ctx, media.UpdateMetadata)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on fire")
}
