package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/domain"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const SourceOpenDota = "opendota"

type OpenDotaClient struct {
	baseURL     string
	apiKey      string
	http        *httpClient
	logger      zerolog.Logger
	rateLimitMu sync.RWMutex
	rateLimit   OpenDotaRateLimit
}

// OpenDotaRateLimit mirrors the quota headers of the last response.
type OpenDotaRateLimit struct {
	RemainingMinute int
	RemainingDay    int
	UpdatedAt       time.Time
}

func NewOpenDotaClient(cfg *config.Config, logger zerolog.Logger) *OpenDotaClient {
	return &OpenDotaClient{
		baseURL: strings.TrimRight(cfg.OpenDotaBaseURL, "/"),
		apiKey:  cfg.OpenDotaAPIKey,
		http:    newHTTPClient(cfg.SourceRequestsPerMinute),
		logger:  logger.With().Str("source", SourceOpenDota).Logger(),
		rateLimit: OpenDotaRateLimit{
			RemainingMinute: -1,
			RemainingDay:    -1,
		},
	}
}

func (c *OpenDotaClient) Name() string {
	return SourceOpenDota
}

func (c *OpenDotaClient) GetRateLimitInfo() OpenDotaRateLimit {
	c.rateLimitMu.RLock()
	defer c.rateLimitMu.RUnlock()
	return c.rateLimit
}

func (c *OpenDotaClient) updateRateLimit(resp *fasthttp.Response) {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	if v := string(resp.Header.Peek("X-Rate-Limit-Remaining-Minute")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rateLimit.RemainingMinute = n
		}
	}
	if v := string(resp.Header.Peek("X-Rate-Limit-Remaining-Day")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rateLimit.RemainingDay = n
		}
	}
	c.rateLimit.UpdatedAt = time.Now()

	if c.rateLimit.RemainingMinute == 0 {
		c.logger.Warn().Int("remaining_day", c.rateLimit.RemainingDay).Msg("per-minute quota exhausted")
	}
}

func (c *OpenDotaClient) FetchRecentMatches(ctx context.Context, accountID, beforeMatchID int64, pageSize int) ([]domain.RawMatch, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if beforeMatchID > 0 {
		q.Set("less_than_match_id", strconv.FormatInt(beforeMatchID, 10))
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	endpoint := fmt.Sprintf("%s/players/%d/matches?%s", c.baseURL, accountID, q.Encode())

	items, _, err := doRequest[[]json.RawMessage](ctx, c.http, endpoint, c.updateRateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent matches of %d: %w", accountID, err)
	}

	matches := make([]domain.RawMatch, 0, len(*items))
	for _, item := range *items {
		var m openDotaPlayerMatch
		if err := json.Unmarshal(item, &m); err != nil {
			return nil, fmt.Errorf("failed to decode match entry: %w", err)
		}
		matches = append(matches, m.toRaw(accountID, item))
	}

	c.logger.Debug().
		Int64("account_id", accountID).
		Int64("before_match_id", beforeMatchID).
		Int("count", len(matches)).
		Msg("fetched recent matches")
	return matches, nil
}

func (c *OpenDotaClient) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	endpoint := fmt.Sprintf("%s/matches/%d", c.baseURL, matchID)
	if c.apiKey != "" {
		endpoint += "?api_key=" + url.QueryEscape(c.apiKey)
	}

	detail, raw, err := doRequest[openDotaMatch](ctx, c.http, endpoint, c.updateRateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match %d: %w", matchID, err)
	}
	if detail.MatchID == 0 {
		return nil, fmt.Errorf("failed to fetch match %d: %w", matchID, ErrNotFound)
	}

	m := detail.toRaw(raw)
	return &m, nil
}

// openDotaPlayerMatch is one entry of /players/{id}/matches; stats are the requested player's.
type openDotaPlayerMatch struct {
	MatchID    int64  `json:"match_id"`
	PlayerSlot *int   `json:"player_slot"`
	RadiantWin *bool  `json:"radiant_win"`
	Duration   *int   `json:"duration"`
	GameMode   *int   `json:"game_mode"`
	LobbyType  *int   `json:"lobby_type"`
	HeroID     *int   `json:"hero_id"`
	StartTime  *int64 `json:"start_time"`
	Kills      *int   `json:"kills"`
	Deaths     *int   `json:"deaths"`
	Assists    *int   `json:"assists"`
}

func (m openDotaPlayerMatch) toRaw(accountID int64, payload []byte) domain.RawMatch {
	return domain.RawMatch{
		MatchID:    m.MatchID,
		StartTime:  m.StartTime,
		Duration:   m.Duration,
		RadiantWin: m.RadiantWin,
		GameMode:   m.GameMode,
		LobbyType:  m.LobbyType,
		Players: []domain.RawPlayer{{
			AccountID:  &accountID,
			HeroID:     m.HeroID,
			PlayerSlot: m.PlayerSlot,
			Kills:      m.Kills,
			Deaths:     m.Deaths,
			Assists:    m.Assists,
		}},
		Source:  SourceOpenDota,
		Payload: append([]byte(nil), payload...),
	}
}

type openDotaMatch struct {
	MatchID    int64                 `json:"match_id"`
	StartTime  *int64                `json:"start_time"`
	Duration   *int                  `json:"duration"`
	RadiantWin *bool                 `json:"radiant_win"`
	GameMode   *int                  `json:"game_mode"`
	LobbyType  *int                  `json:"lobby_type"`
	Players    []openDotaMatchPlayer `json:"players"`
}

type openDotaMatchPlayer struct {
	AccountID  *int64 `json:"account_id"`
	PlayerSlot *int   `json:"player_slot"`
	HeroID     *int   `json:"hero_id"`
	IsRadiant  *bool  `json:"isRadiant"`
	Kills      *int   `json:"kills"`
	Deaths     *int   `json:"deaths"`
	Assists    *int   `json:"assists"`
}

func (m *openDotaMatch) toRaw(payload []byte) domain.RawMatch {
	players := make([]domain.RawPlayer, len(m.Players))
	for i, p := range m.Players {
		players[i] = domain.RawPlayer{
			AccountID:  p.AccountID,
			HeroID:     p.HeroID,
			PlayerSlot: p.PlayerSlot,
			IsRadiant:  p.IsRadiant,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
		}
	}
	return domain.RawMatch{
		MatchID:    m.MatchID,
		StartTime:  m.StartTime,
		Duration:   m.Duration,
		RadiantWin: m.RadiantWin,
		GameMode:   m.GameMode,
		LobbyType:  m.LobbyType,
		Players:    players,
		Source:     SourceOpenDota,
		Payload:    payload,
	}
}
