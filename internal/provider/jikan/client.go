// Package jikan implements the Jikan (MyAnimeList) v4 REST client.
package jikan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/config"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/ratelimit"
)

var (
	ErrMalformed = errors.New("jikan response missing data key")
	ErrAPIError  = errors.New("jikan API error")
)

// maxPageLimit is the largest page size Jikan accepts.
const maxPageLimit = 25

// Client is a Jikan v4 REST API client.
type Client struct {
	httpClient *http.Client
	config     config.JikanConfig
	pacer      provider.Pacer
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new Jikan client.
func NewClient(cfg config.JikanConfig, pacer provider.Pacer, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		config: cfg,
		pacer:  pacer,
		logger: logger.With().Str("component", "jikan").Logger(),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return provider.Jikan
}

// FetchTopList returns one page of the top-rated list. Exhausted
// retries yield an empty slice; only rate-limit and context errors
// propagate.
func (c *Client) FetchTopList(ctx context.Context, page, limit int) ([]provider.RawRecord, error) {
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))

	env, err := c.fetch(ctx, "/top/anime", params)
	if err != nil {
		return c.swallowList(err, "/top/anime")
	}
	return c.decodeList(env, "/top/anime")
}

// FetchSeasonalList returns the list for one airing season.
func (c *Client) FetchSeasonalList(ctx context.Context, year int, season media.Season) ([]provider.RawRecord, error) {
	endpoint := fmt.Sprintf("/seasons/%d/%s", year, season)
	env, err := c.fetch(ctx, endpoint, nil)
	if err != nil {
		return c.swallowList(err, endpoint)
	}
	return c.decodeList(env, endpoint)
}

// FetchByExternalID returns one record by MAL id, or nil when the
// record could not be fetched.
func (c *Client) FetchByExternalID(ctx context.Context, malID int64) (*provider.RawRecord, error) {
	endpoint := fmt.Sprintf("/anime/%d/full", malID)
	env, err := c.fetch(ctx, endpoint, nil)
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		c.logger.Warn().Err(err).Int64("malID", malID).Msg("Fetch by id gave up")
		return nil, nil
	}

	var a Anime
	if err := json.Unmarshal(env.Data, &a); err != nil {
		c.logger.Warn().Err(err).Int64("malID", malID).Msg("Failed to decode anime payload")
		return nil, nil
	}
	rec := c.toRawRecord(a)
	return &rec, nil
}

// FetchEpisodes returns the episode list for a record, following
// pagination up to the configured page cap.
func (c *Client) FetchEpisodes(ctx context.Context, malID int64) ([]provider.RawEpisode, error) {
	maxPages := c.config.MaxPages
	if maxPages <= 0 {
		maxPages = 3
	}

	var out []provider.RawEpisode
	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("/anime/%d/episodes", malID)
		params := url.Values{}
		params.Set("page", strconv.Itoa(page))

		env, err := c.fetch(ctx, endpoint, params)
		if err != nil {
			if isFatal(err) {
				return nil, err
			}
			c.logger.Warn().Err(err).Int64("malID", malID).Int("page", page).Msg("Episode page fetch gave up")
			break
		}

		var eps []Episode
		if err := json.Unmarshal(env.Data, &eps); err != nil {
			c.logger.Warn().Err(err).Int64("malID", malID).Msg("Failed to decode episode payload")
			break
		}
		for _, e := range eps {
			out = append(out, toRawEpisode(e))
		}

		if env.Pagination == nil || !env.Pagination.HasNextPage {
			break
		}
	}
	return out, nil
}

// fetch runs one paced, retried request. Malformed payloads (missing
// data key) count as retryable failures.
func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values) (*envelope, error) {
	retries := c.config.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := time.Duration(c.config.RetryDelay) * time.Second

	var env *envelope
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := c.pacer.Do(ctx, provider.Jikan, endpoint, params.Encode(), func(ctx context.Context) (int, error) {
			e, code, reqErr := c.doRequest(ctx, endpoint, params)
			if reqErr != nil {
				return code, reqErr
			}
			env = e
			return code, nil
		})
		if err == nil {
			return env, nil
		}
		if isFatal(err) {
			return nil, err
		}
		lastErr = err
		if attempt < retries {
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

// doRequest performs one HTTP GET and decodes the response envelope.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) (*envelope, int, error) {
	reqURL := c.config.BaseURL + endpoint
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Data == nil {
		return nil, resp.StatusCode, ErrMalformed
	}
	return &env, resp.StatusCode, nil
}

// isFatal reports whether an error must propagate instead of
// degrading to an empty result.
func isFatal(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) swallowList(err error, endpoint string) ([]provider.RawRecord, error) {
	if isFatal(err) {
		return nil, err
	}
	c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("List fetch gave up")
	return []provider.RawRecord{}, nil
}

func (c *Client) decodeList(env *envelope, endpoint string) ([]provider.RawRecord, error) {
	var items []Anime
	if err := json.Unmarshal(env.Data, &items); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to decode list payload")
		return []provider.RawRecord{}, nil
	}

	out := make([]provider.RawRecord, 0, len(items))
	for _, a := range items {
		out = append(out, c.toRawRecord(a))
	}
	c.logger.Debug().Str("endpoint", endpoint).Int("results", len(out)).Msg("List fetch completed")
	return out, nil
}

// toRawRecord maps a Jikan anime object into the shared raw shape.
func (c *Client) toRawRecord(a Anime) provider.RawRecord {
	rec := provider.RawRecord{
		Source:        provider.Jikan,
		MALID:         a.MALID,
		TitleOriginal: a.Title,
		TitleEnglish:  a.TitleEnglish,
		TitleJapanese: a.TitleJapanese,
		Synopsis:      a.Synopsis,
		Year:          a.Year,
		Season:        media.Season(a.Season),
		EpisodesCount: a.Episodes,
		DurationText:  a.Duration,
		Score:         a.Score,
		ScoreScale:    10,
		Status:        mapStatus(a.Status),
		Format:        mapFormat(a.Type),
		PosterLarge:   a.Images.JPG.LargeImageURL,
		TrailerURL:    a.Trailer.URL,
	}
	if rec.Year == 0 && len(a.Aired.From) >= 4 {
		rec.Year, _ = strconv.Atoi(a.Aired.From[:4])
	}
	// Older entries carry only the base jpg image.
	if rec.PosterLarge == "" {
		rec.PosterLarge = a.Images.JPG.ImageURL
	}
	if a.Trailer.Images.MaximumImageURL != "" {
		rec.TrailerThumbnail = a.Trailer.Images.MaximumImageURL
	} else {
		rec.TrailerThumbnail = a.Trailer.Images.LargeImageURL
	}

	for _, g := range a.Genres {
		rec.Genres = append(rec.Genres, g.Name)
	}
	for _, g := range a.Themes {
		rec.Genres = append(rec.Genres, g.Name)
	}
	for _, g := range a.Demographics {
		rec.Genres = append(rec.Genres, g.Name)
	}

	// Gallery candidates, largest first, jpg before webp.
	for _, u := range []string{
		a.Images.JPG.LargeImageURL, a.Images.Webp.LargeImageURL,
		a.Images.JPG.ImageURL, a.Images.Webp.ImageURL,
		a.Images.JPG.SmallImageURL, a.Images.Webp.SmallImageURL,
	} {
		if u != "" {
			rec.GalleryImages = append(rec.GalleryImages, u)
		}
	}

	return rec
}

func toRawEpisode(e Episode) provider.RawEpisode {
	ep := provider.RawEpisode{
		Number:       e.MALID,
		Title:        e.Title,
		Filler:       e.Filler,
		Recap:        e.Recap,
		DurationText: e.Duration,
		Score:        e.Score,
	}
	if e.Aired != "" {
		if t, err := time.Parse(time.RFC3339, e.Aired); err == nil {
			ep.ReleaseDate = &t
		}
	}
	return ep
}

func mapStatus(s string) media.Status {
	switch s {
	case "Currently Airing":
		return media.StatusOngoing
	case "Finished Airing":
		return media.StatusCompleted
	case "Not yet aired":
		return media.StatusAnnounced
	default:
		return media.StatusOngoing
	}
}

func mapFormat(t string) media.Format {
	switch t {
	case "TV":
		return media.FormatTV
	case "Movie":
		return media.FormatMovie
	case "OVA":
		return media.FormatOVA
	case "ONA":
		return media.FormatONA
	case "Special", "Music", "TV Special":
		return media.FormatSpecial
	default:
		return media.FormatTV
	}
}
