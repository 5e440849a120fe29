package models

import "time"

// UsageRecord is one row of the chat usage log.
type UsageRecord struct {
	ID             int64     `json:"id"`
	UserEmail      string    `json:"user_email"`
	UserName       string    `json:"user_name"`
	Model          string    `json:"model"`
	PromptLength   int       `json:"prompt_length"`
	ResponseLength int       `json:"response_length"`
	ProcessingTime float64   `json:"processing_time"`
	Timestamp      time.Time `json:"timestamp"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
}

type ModelUsage struct {
	Model             string  `json:"model"`
	TotalQueries      int64   `json:"total_queries"`
	UniqueUsers       int64   `json:"unique_users"`
	AvgProcessingTime float64 `json:"avg_processing_time"`
	// TotalTokens approximates volume as prompt plus response characters.
	TotalTokens int64 `json:"total_tokens"`
}

type UserUsage struct {
	UserEmail  string  `json:"user_email"`
	QueryCount int64   `json:"query_count"`
	TotalTime  float64 `json:"total_time"`
}

// UsageReport aggregates the usage log over a trailing window.
type UsageReport struct {
	UsageStats []ModelUsage `json:"usage_stats"`
	TopUsers   []UserUsage  `json:"top_users"`
	Period     string       `json:"period"`
}
