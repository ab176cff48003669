// Package anilist implements the Anilist GraphQL client.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/config"
	"github.com/otakudex/otakudex/internal/media"
	"github.com/otakudex/otakudex/internal/provider"
	"github.com/otakudex/otakudex/internal/ratelimit"
)

var (
	ErrMalformed = errors.New("anilist response missing expected payload")
	ErrAPIError  = errors.New("anilist API error")
)

// Client is an Anilist GraphQL API client. All operations go through
// the single POST endpoint with named query documents.
type Client struct {
	httpClient *http.Client
	config     config.AnilistConfig
	pacer      provider.Pacer
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new Anilist client.
func NewClient(cfg config.AnilistConfig, pacer provider.Pacer, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		config: cfg,
		pacer:  pacer,
		logger: logger.With().Str("component", "anilist").Logger(),
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
	return provider.Anilist
}

// FetchTopList returns one page of the most popular media. Exhausted
// retries yield an empty slice; only rate-limit and context errors
// propagate.
func (c *Client) FetchTopList(ctx context.Context, page, limit int) ([]provider.RawRecord, error) {
	resp, err := c.query(ctx, "Popular", queryPopular, map[string]any{
		"page":    page,
		"perPage": limit,
	})
	if err != nil {
		return c.swallowList(err, "Popular")
	}
	return c.pageMedia(resp, "Popular")
}

// FetchSeasonalList returns the media list for one airing season.
func (c *Client) FetchSeasonalList(ctx context.Context, year int, season media.Season) ([]provider.RawRecord, error) {
	resp, err := c.query(ctx, "Seasonal", querySeasonal, map[string]any{
		"season":     strings.ToUpper(string(season)),
		"seasonYear": year,
		"page":       1,
		"perPage":    50,
	})
	if err != nil {
		return c.swallowList(err, "Seasonal")
	}
	return c.pageMedia(resp, "Seasonal")
}

// FetchByExternalID returns one record by MAL id, or nil when the
// record could not be fetched.
func (c *Client) FetchByExternalID(ctx context.Context, malID int64) (*provider.RawRecord, error) {
	resp, err := c.query(ctx, "ByMALID", queryByMALID, map[string]any{"malId": malID})
	if err != nil {
		if isFatal(err) {
			return nil, err
		}
		c.logger.Warn().Err(err).Int64("malID", malID).Msg("Fetch by id gave up")
		return nil, nil
	}
	if resp.Data == nil || resp.Data.Media == nil {
		return nil, nil
	}
	rec := c.toRawRecord(*resp.Data.Media)
	return &rec, nil
}

// query runs one paced, retried GraphQL POST. Responses without the
// expected nested payload count as retryable failures.
func (c *Client) query(ctx context.Context, operation, document string, variables map[string]any) (*response, error) {
	retries := c.config.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := time.Duration(c.config.RetryDelay) * time.Second

	params, _ := json.Marshal(variables)

	var resp *response
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := c.pacer.Do(ctx, provider.Anilist, operation, string(params), func(ctx context.Context) (int, error) {
			r, code, reqErr := c.doRequest(ctx, document, variables)
			if reqErr != nil {
				return code, reqErr
			}
			resp = r
			return code, nil
		})
		if err == nil {
			return resp, nil
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

// doRequest performs one GraphQL POST and validates the envelope.
func (c *Client) doRequest(ctx context.Context, document string, variables map[string]any) (*response, int, error) {
	body, err := json.Marshal(map[string]any{
		"query":     document,
		"variables": variables,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(r.Errors) > 0 {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrAPIError, r.Errors[0].Message)
	}
	if r.Data == nil {
		return nil, resp.StatusCode, ErrMalformed
	}
	return &r, resp.StatusCode, nil
}

func isFatal(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) swallowList(err error, operation string) ([]provider.RawRecord, error) {
	if isFatal(err) {
		return nil, err
	}
	c.logger.Warn().Err(err).Str("operation", operation).Msg("List query gave up")
	return []provider.RawRecord{}, nil
}

func (c *Client) pageMedia(resp *response, operation string) ([]provider.RawRecord, error) {
	if resp.Data == nil || resp.Data.Page == nil {
		c.logger.Warn().Str("operation", operation).Msg("Response missing page payload")
		return []provider.RawRecord{}, nil
	}

	out := make([]provider.RawRecord, 0, len(resp.Data.Page.Media))
	for _, m := range resp.Data.Page.Media {
		out = append(out, c.toRawRecord(m))
	}
	c.logger.Debug().Str("operation", operation).Int("results", len(out)).Msg("List query completed")
	return out, nil
}

// toRawRecord maps an Anilist media object into the shared raw shape.
func (c *Client) toRawRecord(m Media) provider.RawRecord {
	rec := provider.RawRecord{
		Source:           provider.Anilist,
		MALID:            m.IDMal,
		TitleOriginal:    m.Title.Romaji,
		TitleEnglish:     m.Title.English,
		TitleJapanese:    m.Title.Native,
		Synopsis:         stripHTMLBreaks(m.Description),
		Year:             m.SeasonYear,
		Season:           media.Season(strings.ToLower(m.Season)),
		EpisodesCount:    m.Episodes,
		Score:            m.AverageScore,
		ScoreScale:       100,
		Status:           mapStatus(m.Status),
		Format:           mapFormat(m.Format),
		PosterLarge:      m.CoverImage.Large,
		PosterExtraLarge: m.CoverImage.ExtraLarge,
		BannerURL:        m.BannerImage,
		Genres:           append([]string{}, m.Genres...),
	}
	if m.Duration > 0 {
		rec.DurationText = fmt.Sprintf("%d min", m.Duration)
	}
	if m.Trailer != nil && strings.EqualFold(m.Trailer.Site, "youtube") {
		rec.TrailerURL = "https://www.youtube.com/watch?v=" + m.Trailer.ID
		rec.TrailerThumbnail = m.Trailer.Thumbnail
	}

	for _, t := range m.Tags {
		rec.Genres = append(rec.Genres, t.Name)
	}

	// Cover variants largest first, then the banner.
	for _, u := range []string{m.CoverImage.ExtraLarge, m.CoverImage.Large, m.CoverImage.Medium} {
		if u != "" {
			rec.CoverImages = append(rec.CoverImages, u)
		}
	}

	for _, se := range m.StreamingEpisodes {
		rec.StreamingEpisodes = append(rec.StreamingEpisodes, provider.StreamingEpisode{
			Title:     se.Title,
			Thumbnail: se.Thumbnail,
			URL:       se.URL,
		})
	}
	if m.AiringSchedule != nil {
		for _, n := range m.AiringSchedule.Nodes {
			if n.Episode <= 0 || n.AiringAt <= 0 {
				continue
			}
			rec.AiringSchedule = append(rec.AiringSchedule, provider.AiringSlot{
				Episode:  n.Episode,
				AiringAt: time.Unix(n.AiringAt, 0).UTC(),
			})
		}
	}

	return rec
}

// stripHTMLBreaks removes the line-break markup Anilist leaves in
// descriptions.
func stripHTMLBreaks(s string) string {
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "<i>", "", "</i>", "", "<b>", "", "</b>", "")
	return strings.TrimSpace(r.Replace(s))
}

func mapStatus(s string) media.Status {
	switch s {
	case "RELEASING", "HIATUS":
		return media.StatusOngoing
	case "FINISHED":
		return media.StatusCompleted
	case "NOT_YET_RELEASED":
		return media.StatusAnnounced
	case "CANCELLED":
		return media.StatusDropped
	default:
		return media.StatusOngoing
	}
}

func mapFormat(f string) media.Format {
	switch f {
	case "TV", "TV_SHORT":
		return media.FormatTV
	case "MOVIE":
		return media.FormatMovie
	case "OVA":
		return media.FormatOVA
	case "ONA":
		return media.FormatONA
	case "SPECIAL", "MUSIC":
		return media.FormatSpecial
	default:
		return media.FormatTV
	}
}
