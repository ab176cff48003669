// Package schedule decides which records are due for a refresh, in
// what order, and when to try again. A single active update strategy
// supplies the budgets, intervals and priority weights.
package schedule

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otakudex/otakudex/internal/media"
)

//go:embed strategies.yaml
var presetFS embed.FS

// ErrStrategyNotFound is returned when no strategy matches a name, or
// no strategy is active.
var ErrStrategyNotFound = errors.New("update strategy not found")

// Strategy is one named update policy. Exactly one strategy is active
// at a time.
type Strategy struct {
	ID                    int64  `yaml:"-" json:"id"`
	Name                  string `yaml:"name" json:"name"`
	Description           string `yaml:"description" json:"description"`
	IsActive              bool   `yaml:"-" json:"isActive"`
	RequestsPerMinute     int    `yaml:"requests_per_minute" json:"requestsPerMinute"`
	RequestsPerDay        int    `yaml:"requests_per_day" json:"requestsPerDay"`
	BatchSize             int    `yaml:"batch_size" json:"batchSize"`
	OngoingIntervalDays   int    `yaml:"ongoing_interval_days" json:"ongoingIntervalDays"`
	AnnouncedIntervalDays int    `yaml:"announced_interval_days" json:"announcedIntervalDays"`
	CompletedIntervalDays int    `yaml:"completed_interval_days" json:"completedIntervalDays"`
	DroppedIntervalDays   int    `yaml:"dropped_interval_days" json:"droppedIntervalDays"`
	WeightOngoing         int    `yaml:"weight_ongoing" json:"weightOngoing"`
	WeightPopular         int    `yaml:"weight_popular" json:"weightPopular"`
	WeightRecent          int    `yaml:"weight_recent" json:"weightRecent"`
	WeightOld             int    `yaml:"weight_old" json:"weightOld"`
}

// Interval returns the refresh interval for a record status.
func (s *Strategy) Interval(status media.Status) time.Duration {
	days := s.CompletedIntervalDays
	switch status {
	case media.StatusOngoing:
		days = s.OngoingIntervalDays
	case media.StatusAnnounced:
		days = s.AnnouncedIntervalDays
	case media.StatusDropped:
		days = s.DroppedIntervalDays
	}
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// PriorityFor scores a record with the strategy weights: airing shows
// first, then well-rated and recent ones; old back-catalogue entries
// keep a small baseline.
func (s *Strategy) PriorityFor(a *media.Anime, currentYear int) int {
	p := 0
	if a.Status == media.StatusOngoing {
		p += s.WeightOngoing
	}
	if a.Rating >= 7 {
		p += s.WeightPopular
	}
	switch {
	case a.Year >= currentYear-2:
		p += s.WeightRecent
	case a.Year > 0:
		p += s.WeightOld
	}
	return p
}

// loadPresets parses the embedded strategy presets.
func loadPresets() ([]Strategy, error) {
	raw, err := presetFS.ReadFile("strategies.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy presets: %w", err)
	}
	var doc struct {
		Strategies []Strategy `yaml:"strategies"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse strategy presets: %w", err)
	}
	return doc.Strategies, nil
}

const strategyColumns = `id, name, description, is_active, requests_per_minute, requests_per_day,
	batch_size, ongoing_interval_days, announced_interval_days, completed_interval_days,
	dropped_interval_days, weight_ongoing, weight_popular, weight_recent, weight_old`

func scanStrategy(row interface{ Scan(...any) error }) (*Strategy, error) {
	var s Strategy
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.IsActive, &s.RequestsPerMinute, &s.RequestsPerDay,
		&s.BatchSize, &s.OngoingIntervalDays, &s.AnnouncedIntervalDays, &s.CompletedIntervalDays,
		&s.DroppedIntervalDays, &s.WeightOngoing, &s.WeightPopular, &s.WeightRecent, &s.WeightOld,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func insertStrategy(ctx context.Context, db *sql.DB, s Strategy) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO update_strategies (name, description, is_active,
			requests_per_minute, requests_per_day, batch_size,
			ongoing_interval_days, announced_interval_days, completed_interval_days,
			dropped_interval_days, weight_ongoing, weight_popular, weight_recent, weight_old)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Description,
		s.RequestsPerMinute, s.RequestsPerDay, s.BatchSize,
		s.OngoingIntervalDays, s.AnnouncedIntervalDays, s.CompletedIntervalDays,
		s.DroppedIntervalDays, s.WeightOngoing, s.WeightPopular, s.WeightRecent, s.WeightOld,
	)
	return err
}
