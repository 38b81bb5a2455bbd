package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"match-sync/internal/config"
	"match-sync/internal/constants"
	"match-sync/internal/domain"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const SourceSteam = "steam"

const steamStatusOK = 1

// SteamClient reads the IDOTA2Match_570 interface of the Steam Web API.
type SteamClient struct {
	baseURL string
	apiKey  string
	http    *httpClient
	logger  zerolog.Logger
}

func NewSteamClient(cfg *config.Config, logger zerolog.Logger) *SteamClient {
	return &SteamClient{
		baseURL: strings.TrimRight(cfg.SteamBaseURL, "/"),
		apiKey:  cfg.SteamAPIKey,
		http:    newHTTPClient(cfg.SourceRequestsPerMinute),
		logger:  logger.With().Str("source", SourceSteam).Logger(),
	}
}

func (c *SteamClient) Name() string {
	return SourceSteam
}

func (c *SteamClient) FetchRecentMatches(ctx context.Context, accountID, beforeMatchID int64, pageSize int) ([]domain.RawMatch, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("account_id", strconv.FormatInt(accountID, 10))
	q.Set("matches_requested", strconv.Itoa(pageSize))
	if beforeMatchID > 0 {
		q.Set("start_at_match_id", strconv.FormatInt(beforeMatchID-1, 10))
	}
	endpoint := fmt.Sprintf("%s/IDOTA2Match_570/GetMatchHistory/V001/?%s", c.baseURL, q.Encode())

	resp, _, err := doRequest[steamHistoryResponse](ctx, c.http, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match history of %d: %w", accountID, err)
	}
	if resp.Result.Status != steamStatusOK {
		return nil, fmt.Errorf("failed to fetch match history of %d: %w: result status %d: %s",
			accountID, ErrUnexpectedStatus, resp.Result.Status, resp.Result.StatusDetail)
	}

	matches := make([]domain.RawMatch, 0, len(resp.Result.Matches))
	for _, item := range resp.Result.Matches {
		var m steamHistoryMatch
		if err := json.Unmarshal(item, &m); err != nil {
			return nil, fmt.Errorf("failed to decode match entry: %w", err)
		}
		matches = append(matches, domain.RawMatch{
			MatchID:   m.MatchID,
			StartTime: m.StartTime,
			LobbyType: m.LobbyType,
			Players:   steamPlayers(m.Players),
			Source:    SourceSteam,
			Payload:   append([]byte(nil), item...),
		})
	}

	c.logger.Debug().
		Int64("account_id", accountID).
		Int64("before_match_id", beforeMatchID).
		Int("count", len(matches)).
		Msg("fetched match history")
	return matches, nil
}

func (c *SteamClient) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("match_id", strconv.FormatInt(matchID, 10))
	endpoint := fmt.Sprintf("%s/IDOTA2Match_570/GetMatchDetails/V001/?%s", c.baseURL, q.Encode())

	resp, raw, err := doRequest[steamDetailResponse](ctx, c.http, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch match %d: %w", matchID, err)
	}
	if resp.Result.Error != "" {
		err := errors.New(resp.Result.Error)
		if strings.Contains(strings.ToLower(resp.Result.Error), "not found") {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch match %d: %w", matchID, err)
	}

	r := resp.Result
	return &domain.RawMatch{
		MatchID:    r.MatchID,
		StartTime:  r.StartTime,
		Duration:   r.Duration,
		RadiantWin: r.RadiantWin,
		GameMode:   r.GameMode,
		LobbyType:  r.LobbyType,
		Players:    steamPlayers(r.Players),
		Source:     SourceSteam,
		Payload:    raw,
	}, nil
}

func steamPlayers(in []steamPlayer) []domain.RawPlayer {
	players := make([]domain.RawPlayer, len(in))
	for i, p := range in {
		players[i] = domain.RawPlayer{
			HeroID:     p.HeroID,
			PlayerSlot: p.PlayerSlot,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
		}
		if p.AccountID != nil && *p.AccountID != constants.SteamAnonymousAccountID {
			players[i].AccountID = p.AccountID
		}
	}
	return players
}

type steamHistoryResponse struct {
	Result struct {
		Status       int               `json:"status"`
		StatusDetail string            `json:"statusDetail"`
		Matches      []json.RawMessage `json:"matches"`
	} `json:"result"`
}

type steamHistoryMatch struct {
	MatchID   int64         `json:"match_id"`
	StartTime *int64        `json:"start_time"`
	LobbyType *int          `json:"lobby_type"`
	Players   []steamPlayer `json:"players"`
}

type steamDetailResponse struct {
	Result struct {
		Error      string        `json:"error"`
		MatchID    int64         `json:"match_id"`
		StartTime  *int64        `json:"start_time"`
		Duration   *int          `json:"duration"`
		RadiantWin *bool         `json:"radiant_win"`
		GameMode   *int          `json:"game_mode"`
		LobbyType  *int          `json:"lobby_type"`
		Players    []steamPlayer `json:"players"`
	} `json:"result"`
}

type steamPlayer struct {
	AccountID  *int64 `json:"account_id"`
	PlayerSlot *int   `json:"player_slot"`
	HeroID     *int   `json:"hero_id"`
	Kills      *int   `json:"kills"`
	Deaths     *int   `json:"deaths"`
	Assists    *int   `json:"assists"`
}
