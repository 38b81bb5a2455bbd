package constants

import "time"

const (
	ExternalAPITimeout = 10 * time.Second
	DatabaseTimeout    = 5 * time.Second
	RequestTimeout     = 30 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	ShutdownTimeout  = 15 * time.Second
	MaxShutdownGrace = 10 * time.Second
	// the HTTP drain, the sync grace and the enrichment grace run one after another
	StopTimeout = ShutdownTimeout + 2*MaxShutdownGrace + 5*time.Second
)

const (
	RateWindowPeriod = 60 * time.Second
	StatsLogInterval = 5 * time.Minute
)

// SteamAnonymousAccountID is reported by the Steam API for players hiding their profile.
const SteamAnonymousAccountID int64 = 4294967295

// Player slots at or above this value belong to the dire side.
const DireSlotOffset = 128
