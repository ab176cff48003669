package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("media record not found")

// Store provides access to canonical records, genres, episodes,
// screenshots and the update audit log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new media store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "media-store").Logger(),
	}
}

const animeColumns = `id, mal_id, slug, title_original, title_english, title_japanese,
	title_ukrainian, synopsis, year, season, episodes_count, duration_minutes,
	rating, raw_score, raw_score_scale, status, format, poster_url, banner_url,
	trailer_id, update_priority, next_update_due, consecutive_failures,
	last_full_update, last_metadata_update, last_episodes_update,
	last_images_update, created_at, updated_at`

func scanAnime(row interface{ Scan(...any) error }) (*Anime, error) {
	var a Anime
	var malID sql.NullInt64
	var season, status, format string
	var nextDue, lastFull, lastMeta, lastEps, lastImgs sql.NullTime

	err := row.Scan(
		&a.ID, &malID, &a.Slug, &a.TitleOriginal, &a.TitleEnglish, &a.TitleJapanese,
		&a.TitleUkrainian, &a.Synopsis, &a.Year, &season, &a.EpisodesCount, &a.DurationMinutes,
		&a.Rating, &a.RawScore, &a.RawScoreScale, &status, &format, &a.PosterURL, &a.BannerURL,
		&a.TrailerID, &a.UpdatePriority, &nextDue, &a.ConsecutiveFailures,
		&lastFull, &lastMeta, &lastEps, &lastImgs, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if malID.Valid {
		a.MALID = &malID.Int64
	}
	a.Season = Season(season)
	a.Status = Status(status)
	a.Format = Format(format)
	if nextDue.Valid {
		a.NextUpdateDue = &nextDue.Time
	}
	if lastFull.Valid {
		a.LastFullUpdate = &lastFull.Time
	}
	if lastMeta.Valid {
		a.LastMetadataUpdate = &lastMeta.Time
	}
	if lastEps.Valid {
		a.LastEpisodesUpdate = &lastEps.Time
	}
	if lastImgs.Valid {
		a.LastImagesUpdate = &lastImgs.Time
	}

	return &a, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// GetByID returns a record by its internal id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Anime, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+animeColumns+` FROM anime WHERE id = ?`, id)
	a, err := scanAnime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// FindByMALID returns the record with the given external id, or nil
// when none exists yet.
func (s *Store) FindByMALID(ctx context.Context, malID int64) (*Anime, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+animeColumns+` FROM anime WHERE mal_id = ?`, malID)
	a, err := scanAnime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// GetBySlug returns a record by its slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Anime, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+animeColumns+` FROM anime WHERE slug = ?`, slug)
	a, err := scanAnime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// SlugExists reports whether another record already owns the slug.
func (s *Store) SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anime WHERE slug = ? AND id != ?`, slug, excludeID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Save inserts a new record or updates an existing one. On insert the
// record's ID and CreatedAt are populated.
func (s *Store) Save(ctx context.Context, a *Anime) error {
	now := time.Now().UTC()
	a.UpdatedAt = now

	if a.ID == 0 {
		a.CreatedAt = now
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO anime (mal_id, slug, title_original, title_english, title_japanese,
				title_ukrainian, synopsis, year, season, episodes_count, duration_minutes,
				rating, raw_score, raw_score_scale, status, format, poster_url, banner_url,
				trailer_id, update_priority, next_update_due, consecutive_failures,
				last_full_update, last_metadata_update, last_episodes_update,
				last_images_update, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullInt64(a.MALID), a.Slug, a.TitleOriginal, a.TitleEnglish, a.TitleJapanese,
			a.TitleUkrainian, a.Synopsis, a.Year, string(a.Season), a.EpisodesCount, a.DurationMinutes,
			a.Rating, a.RawScore, a.RawScoreScale, string(a.Status), string(a.Format), a.PosterURL, a.BannerURL,
			a.TrailerID, a.UpdatePriority, nullTime(a.NextUpdateDue), a.ConsecutiveFailures,
			nullTime(a.LastFullUpdate), nullTime(a.LastMetadataUpdate), nullTime(a.LastEpisodesUpdate),
			nullTime(a.LastImagesUpdate), a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert anime: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE anime SET mal_id = ?, slug = ?, title_original = ?, title_english = ?,
			title_japanese = ?, title_ukrainian = ?, synopsis = ?, year = ?, season = ?,
			episodes_count = ?, duration_minutes = ?, rating = ?, raw_score = ?,
			raw_score_scale = ?, status = ?, format = ?, poster_url = ?, banner_url = ?,
			trailer_id = ?, update_priority = ?, next_update_due = ?,
			consecutive_failures = ?, last_full_update = ?, last_metadata_update = ?,
			last_episodes_update = ?, last_images_update = ?, updated_at = ?
		WHERE id = ?`,
		nullInt64(a.MALID), a.Slug, a.TitleOriginal, a.TitleEnglish,
		a.TitleJapanese, a.TitleUkrainian, a.Synopsis, a.Year, string(a.Season),
		a.EpisodesCount, a.DurationMinutes, a.Rating, a.RawScore,
		a.RawScoreScale, string(a.Status), string(a.Format), a.PosterURL, a.BannerURL,
		a.TrailerID, a.UpdatePriority, nullTime(a.NextUpdateDue),
		a.ConsecutiveFailures, nullTime(a.LastFullUpdate), nullTime(a.LastMetadataUpdate),
		nullTime(a.LastEpisodesUpdate), nullTime(a.LastImagesUpdate), a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update anime: %w", err)
	}
	return nil
}

// ListAll returns every canonical record. Used by priority
// recalculation and reschedule passes.
func (s *Store) ListAll(ctx context.Context) ([]*Anime, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+animeColumns+` FROM anime ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anime
	for rows.Next() {
		a, err := scanAnime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of canonical records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anime`).Scan(&n)
	return n, err
}

// DueCandidatesFilter narrows candidate selection to one update kind.
type DueCandidatesFilter struct {
	Kind          UpdateKind
	Now           time.Time
	MetadataAge   time.Duration // metadata refresh staleness threshold
	EpisodesAge   time.Duration // episodes refresh staleness threshold
	FullAge       time.Duration // full refresh staleness threshold
	MinScreenshot int           // images refresh target
	Limit         int
}

// ListDueForUpdate selects due records for one update kind, ordered by
// ongoing-first, priority desc, screenshot count asc, newest first.
func (s *Store) ListDueForUpdate(ctx context.Context, f DueCandidatesFilter) ([]*Anime, error) {
	due := `(a.next_update_due IS NULL OR a.next_update_due <= ?)`
	args := []any{f.Now}

	var kindCond string
	switch f.Kind {
	case UpdateMetadata:
		kindCond = `(a.last_metadata_update IS NULL OR a.last_metadata_update < ?)`
		args = append(args, f.Now.Add(-f.MetadataAge))
	case UpdateEpisodes:
		kindCond = `(a.status = 'ongoing' AND (a.last_episodes_update IS NULL OR a.last_episodes_update < ?))`
		args = append(args, f.Now.Add(-f.EpisodesAge))
	case UpdateImages:
		kindCond = `(sc.n < ?)`
		args = append(args, f.MinScreenshot)
	default:
		kindCond = `(a.last_full_update IS NULL OR a.last_full_update < ?)`
		args = append(args, f.Now.Add(-f.FullAge))
	}

	args = append(args, f.Limit)

	query := fmt.Sprintf(`
		SELECT %s, sc.n
		FROM anime a
		JOIN (SELECT a2.id AS anime_id, COUNT(s.id) AS n
		      FROM anime a2 LEFT JOIN screenshots s ON s.anime_id = a2.id
		      GROUP BY a2.id) sc ON sc.anime_id = a.id
		WHERE %s AND %s
		ORDER BY (a.status = 'ongoing') DESC, a.update_priority DESC, sc.n ASC, a.created_at DESC
		LIMIT ?`, prefixColumns("a"), due, kindCond)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anime
	for rows.Next() {
		a, err := scanAnimeWithCount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// prefixColumns qualifies the anime column list with a table alias.
func prefixColumns(alias string) string {
	return alias + `.id, ` + alias + `.mal_id, ` + alias + `.slug, ` + alias + `.title_original, ` +
		alias + `.title_english, ` + alias + `.title_japanese, ` + alias + `.title_ukrainian, ` +
		alias + `.synopsis, ` + alias + `.year, ` + alias + `.season, ` + alias + `.episodes_count, ` +
		alias + `.duration_minutes, ` + alias + `.rating, ` + alias + `.raw_score, ` +
		alias + `.raw_score_scale, ` + alias + `.status, ` + alias + `.format, ` +
		alias + `.poster_url, ` + alias + `.banner_url, ` + alias + `.trailer_id, ` +
		alias + `.update_priority, ` + alias + `.next_update_due, ` + alias + `.consecutive_failures, ` +
		alias + `.last_full_update, ` + alias + `.last_metadata_update, ` +
		alias + `.last_episodes_update, ` + alias + `.last_images_update, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanAnimeWithCount(rows *sql.Rows) (*Anime, error) {
	var a Anime
	var malID sql.NullInt64
	var season, status, format string
	var nextDue, lastFull, lastMeta, lastEps, lastImgs sql.NullTime

	err := rows.Scan(
		&a.ID, &malID, &a.Slug, &a.TitleOriginal, &a.TitleEnglish, &a.TitleJapanese,
		&a.TitleUkrainian, &a.Synopsis, &a.Year, &season, &a.EpisodesCount, &a.DurationMinutes,
		&a.Rating, &a.RawScore, &a.RawScoreScale, &status, &format, &a.PosterURL, &a.BannerURL,
		&a.TrailerID, &a.UpdatePriority, &nextDue, &a.ConsecutiveFailures,
		&lastFull, &lastMeta, &lastEps, &lastImgs, &a.CreatedAt, &a.UpdatedAt,
		&a.ScreenshotCount,
	)
	if err != nil {
		return nil, err
	}

	if malID.Valid {
		a.MALID = &malID.Int64
	}
	a.Season = Season(season)
	a.Status = Status(status)
	a.Format = Format(format)
	if nextDue.Valid {
		a.NextUpdateDue = &nextDue.Time
	}
	if lastFull.Valid {
		a.LastFullUpdate = &lastFull.Time
	}
	if lastMeta.Valid {
		a.LastMetadataUpdate = &lastMeta.Time
	}
	if lastEps.Valid {
		a.LastEpisodesUpdate = &lastEps.Time
	}
	if lastImgs.Valid {
		a.LastImagesUpdate = &lastImgs.Time
	}

	return &a, nil
}

// CreateGenreIfAbsent returns the id of the named genre, creating it
// when missing. Names match case-sensitively, no fuzzy merge.
func (s *Store) CreateGenreIfAbsent(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO genres (name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM genres WHERE name = ?`, name).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AttachGenre links a genre to a record; attaching twice is a no-op.
func (s *Store) AttachGenre(ctx context.Context, animeID, genreID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO anime_genres (anime_id, genre_id) VALUES (?, ?)`, animeID, genreID)
	return err
}

// GenreNames returns the genre names attached to a record, sorted.
func (s *Store) GenreNames(ctx context.Context, animeID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name FROM genres g
		JOIN anime_genres ag ON ag.genre_id = g.id
		WHERE ag.anime_id = ?
		ORDER BY g.name`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountScreenshots returns the number of screenshots for a record.
func (s *Store) CountScreenshots(ctx context.Context, animeID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM screenshots WHERE anime_id = ?`, animeID).Scan(&n)
	return n, err
}

// ScreenshotURLs returns the set of screenshot URLs already stored for
// a record.
func (s *Store) ScreenshotURLs(ctx context.Context, animeID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_url FROM screenshots WHERE anime_id = ?`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls[u] = struct{}{}
	}
	return urls, rows.Err()
}

// AddScreenshot inserts a screenshot unless the URL already exists for
// the record. Returns whether a row was inserted.
func (s *Store) AddScreenshot(ctx context.Context, animeID int64, imageURL, description string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO screenshots (anime_id, image_url, description) VALUES (?, ?, ?)`,
		animeID, imageURL, description)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountEpisodes returns the number of episodes stored for a record.
func (s *Store) CountEpisodes(ctx context.Context, animeID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE anime_id = ?`, animeID).Scan(&n)
	return n, err
}

const episodeColumns = `id, anime_id, number, title, title_ukrainian, is_filler, is_recap,
	duration_minutes, release_date, video_url_1080p, video_url_720p, video_url_480p,
	thumbnail_url, score`

func scanEpisode(row interface{ Scan(...any) error }) (*Episode, error) {
	var e Episode
	var release sql.NullTime
	var score sql.NullFloat64

	err := row.Scan(
		&e.ID, &e.AnimeID, &e.Number, &e.Title, &e.TitleUkrainian, &e.IsFiller, &e.IsRecap,
		&e.DurationMin, &release, &e.VideoURL1080p, &e.VideoURL720p, &e.VideoURL480p,
		&e.ThumbnailURL, &score,
	)
	if err != nil {
		return nil, err
	}

	if release.Valid {
		e.ReleaseDate = &release.Time
	}
	if score.Valid {
		e.Score = &score.Float64
	}
	return &e, nil
}

// FindEpisode returns an episode by record id and number, or nil when
// it does not exist.
func (s *Store) FindEpisode(ctx context.Context, animeID int64, number int) (*Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE anime_id = ? AND number = ?`, animeID, number)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListEpisodes returns all episodes for a record ordered by number.
func (s *Store) ListEpisodes(ctx context.Context, animeID int64) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE anime_id = ? ORDER BY number`, animeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveEpisode inserts or updates an episode. On insert the ID is
// populated.
func (s *Store) SaveEpisode(ctx context.Context, e *Episode) error {
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO episodes (anime_id, number, title, title_ukrainian, is_filler, is_recap,
				duration_minutes, release_date, video_url_1080p, video_url_720p, video_url_480p,
				thumbnail_url, score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.AnimeID, e.Number, e.Title, e.TitleUkrainian, e.IsFiller, e.IsRecap,
			e.DurationMin, nullTime(e.ReleaseDate), e.VideoURL1080p, e.VideoURL720p, e.VideoURL480p,
			e.ThumbnailURL, nullFloat64(e.Score),
		)
		if err != nil {
			return fmt.Errorf("failed to insert episode: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET title = ?, title_ukrainian = ?, is_filler = ?, is_recap = ?,
			duration_minutes = ?, release_date = ?, video_url_1080p = ?, video_url_720p = ?,
			video_url_480p = ?, thumbnail_url = ?, score = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		e.Title, e.TitleUkrainian, e.IsFiller, e.IsRecap,
		e.DurationMin, nullTime(e.ReleaseDate), e.VideoURL1080p, e.VideoURL720p,
		e.VideoURL480p, e.ThumbnailURL, nullFloat64(e.Score),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update episode: %w", err)
	}
	return nil
}

// AppendUpdateLog records one update attempt. Entries are append-only.
func (s *Store) AppendUpdateLog(ctx context.Context, animeID int64, kind UpdateKind, success bool, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO update_logs (anime_id, update_kind, success, error_message) VALUES (?, ?, ?, ?)`,
		animeID, string(kind), success, errorMessage)
	return err
}

// RecentUpdateLogs returns the newest attempt entries for a record.
func (s *Store) RecentUpdateLogs(ctx context.Context, animeID int64, limit int) ([]*UpdateLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anime_id, update_kind, success, error_message, created_at
		FROM update_logs WHERE anime_id = ? ORDER BY id DESC LIMIT ?`, animeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UpdateLog
	for rows.Next() {
		var l UpdateLog
		var kind string
		if err := rows.Scan(&l.ID, &l.AnimeID, &kind, &l.Success, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Kind = UpdateKind(kind)
		out = append(out, &l)
	}
	return out, rows.Err()
}
