package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatgate/internal/models"
)

// DefaultTopUsers caps the per-user section of a report.
const DefaultTopUsers = 10

// Store persists chat usage for compliance reporting.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore builds a usage store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Record appends one usage row. A zero timestamp is filled with the current time.
func (s *Store) Record(ctx context.Context, rec models.UsageRecord) error {
	if strings.TrimSpace(rec.Model) == "" {
		return errors.New("usage record requires a model")
	}
	if rec.UserEmail == "" {
		rec.UserEmail = "unknown"
	}
	if rec.UserName == "" {
		rec.UserName = "Unknown User"
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (user_email, user_name, model, prompt_length, response_length, processing_time, created_at, ip_address, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserEmail, rec.UserName, rec.Model, rec.PromptLength, rec.ResponseLength,
		rec.ProcessingTime, ts.UTC(), rec.IPAddress, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// Report aggregates usage newer than window, grouped by model, plus the busiest users.
func (s *Store) Report(ctx context.Context, window time.Duration, topUsers int) (*models.UsageReport, error) {
	if topUsers <= 0 {
		topUsers = DefaultTopUsers
	}
	since := s.now().Add(-window).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
			COUNT(*) AS total_queries,
			COUNT(DISTINCT user_email) AS unique_users,
			AVG(processing_time) AS avg_processing_time,
			SUM(prompt_length + response_length) AS total_tokens
		FROM usage_log
		WHERE created_at > ?
		GROUP BY model
		ORDER BY total_queries DESC, model ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query model usage: %w", err)
	}
	report := &models.UsageReport{
		UsageStats: []models.ModelUsage{},
		TopUsers:   []models.UserUsage{},
		Period:     formatPeriod(window),
	}
	for rows.Next() {
		var (
			m      models.ModelUsage
			avg    sql.NullFloat64
			tokens sql.NullInt64
		)
		if err := rows.Scan(&m.Model, &m.TotalQueries, &m.UniqueUsers, &avg, &tokens); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		m.AvgProcessingTime = avg.Float64
		m.TotalTokens = tokens.Int64
		report.UsageStats = append(report.UsageStats, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate model usage: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT user_email,
			COUNT(*) AS query_count,
			SUM(processing_time) AS total_time
		FROM usage_log
		WHERE created_at > ?
		GROUP BY user_email
		ORDER BY query_count DESC, user_email ASC
		LIMIT ?`, since, topUsers)
	if err != nil {
		return nil, fmt.Errorf("query top users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u     models.UserUsage
			total sql.NullFloat64
		)
		if err := rows.Scan(&u.UserEmail, &u.QueryCount, &total); err != nil {
			return nil, fmt.Errorf("scan top users: %w", err)
		}
		u.TotalTime = total.Float64
		report.TopUsers = append(report.TopUsers, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top users: %w", err)
	}
	return report, nil
}

func formatPeriod(window time.Duration) string {
	hours := int(window / time.Hour)
	if hours == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", hours)
}
