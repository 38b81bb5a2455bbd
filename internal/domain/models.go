package domain

import (
	"strings"
	"time"
)

type Match struct {
	ID         int64
	StartTime  *time.Time
	Duration   *int
	RadiantWin *bool
	GameMode   *int
	LobbyType  *int
	HasDetails bool
	Source     string // "opendota", "steam"
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MatchPlayer struct {
	MatchID    int64
	AccountID  int64
	HeroID     *int
	PlayerSlot *int
	IsRadiant  *bool
	Kills      *int
	Deaths     *int
	Assists    *int
	Won        *bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SyncResultKind string

const (
	SyncResultNone      SyncResultKind = ""
	SyncResultSucceeded SyncResultKind = "succeeded"
	SyncResultPartial   SyncResultKind = "partial"
	SyncResultFailed    SyncResultKind = "failed"
	SyncResultCancelled SyncResultKind = "cancelled"
)

type SyncStatus struct {
	AccountID         int64
	LastMatchID       int64 // watermark
	MatchesCount      int
	FullSyncCompleted bool
	SyncInProgress    bool
	LastSyncAt        *time.Time
	LastSyncResult    SyncResultKind
	LastError         string
	LastRunID         string
	NextSyncAt        *time.Time
	SyncFrequency     SyncFrequency
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type SyncFrequency string

const (
	FrequencyRealtime SyncFrequency = "realtime"
	FrequencyHourly   SyncFrequency = "hourly"
	FrequencyDaily    SyncFrequency = "daily"
	FrequencyWeekly   SyncFrequency = "weekly"
	FrequencyMonthly  SyncFrequency = "monthly"
	FrequencyNever    SyncFrequency = "never"
)

// LookupSyncFrequency reports whether s names a known tier.
func LookupSyncFrequency(s string) (SyncFrequency, bool) {
	switch f := SyncFrequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyRealtime, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyNever:
		return f, true
	case "real_time":
		return FrequencyRealtime, true
	default:
		return "", false
	}
}

// ParseSyncFrequency falls back to daily for unknown values.
func ParseSyncFrequency(s string) SyncFrequency {
	if f, ok := LookupSyncFrequency(s); ok {
		return f
	}
	return FrequencyDaily
}

// EnrichmentRecord is the raw provider payload kept for an enriched match.
type EnrichmentRecord struct {
	MatchID   int64
	RawData   []byte
	Source    string
	UpdatedAt time.Time
}
