package repository

import (
	"context"
	"database/sql"
	"time"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the statements shared by the SQLite and Postgres stores. Placeholders are
// numbered in order of first appearance so both drivers bind them positionally.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// ts normalizes timestamps so that stored values compare lexically in SQLite.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

const upsertMatch = `
INSERT INTO matches (id, start_time, duration, radiant_win, game_mode, lobby_type, has_details, source, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    start_time  = COALESCE(NULLIF(matches.start_time, 0), excluded.start_time),
    duration    = COALESCE(NULLIF(matches.duration, 0), excluded.duration),
    radiant_win = COALESCE(matches.radiant_win, excluded.radiant_win),
    game_mode   = COALESCE(matches.game_mode, excluded.game_mode),
    lobby_type  = COALESCE(matches.lobby_type, excluded.lobby_type),
    has_details = matches.has_details OR excluded.has_details,
    updated_at  = excluded.updated_at`

type UpsertMatchParams struct {
	ID         int64
	StartTime  *int64
	Duration   *int
	RadiantWin *bool
	GameMode   *int
	LobbyType  *int
	HasDetails bool
	Source     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (q *Queries) UpsertMatch(ctx context.Context, arg UpsertMatchParams) error {
	_, err := q.db.ExecContext(ctx, upsertMatch,
		arg.ID,
		arg.StartTime,
		arg.Duration,
		arg.RadiantWin,
		arg.GameMode,
		arg.LobbyType,
		arg.HasDetails,
		arg.Source,
		ts(arg.CreatedAt),
		ts(arg.UpdatedAt),
	)
	return err
}

const upsertMatchPlayer = `
INSERT INTO match_players (match_id, account_id, hero_id, player_slot, is_radiant, kills, deaths, assists, won, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (match_id, account_id) DO UPDATE SET
    hero_id     = COALESCE(excluded.hero_id, match_players.hero_id),
    player_slot = COALESCE(excluded.player_slot, match_players.player_slot),
    is_radiant  = COALESCE(excluded.is_radiant, match_players.is_radiant),
    kills       = COALESCE(excluded.kills, match_players.kills),
    deaths      = COALESCE(excluded.deaths, match_players.deaths),
    assists     = COALESCE(excluded.assists, match_players.assists),
    won         = COALESCE(excluded.won, match_players.won),
    updated_at  = excluded.updated_at`

type UpsertMatchPlayerParams struct {
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

func (q *Queries) UpsertMatchPlayer(ctx context.Context, arg UpsertMatchPlayerParams) error {
	_, err := q.db.ExecContext(ctx, upsertMatchPlayer,
		arg.MatchID,
		arg.AccountID,
		arg.HeroID,
		arg.PlayerSlot,
		arg.IsRadiant,
		arg.Kills,
		arg.Deaths,
		arg.Assists,
		arg.Won,
		ts(arg.CreatedAt),
		ts(arg.UpdatedAt),
	)
	return err
}

const updateMatchDetails = `
UPDATE matches SET
    start_time  = COALESCE(NULLIF(start_time, 0), $1),
    duration    = COALESCE(NULLIF(duration, 0), $2),
    radiant_win = COALESCE(radiant_win, $3),
    game_mode   = COALESCE(game_mode, $4),
    lobby_type  = COALESCE(lobby_type, $5),
    has_details = TRUE,
    updated_at  = $6
WHERE id = $7`

type UpdateMatchDetailsParams struct {
	ID         int64
	StartTime  *int64
	Duration   *int
	RadiantWin *bool
	GameMode   *int
	LobbyType  *int
	UpdatedAt  time.Time
}

// UpdateMatchDetails fills absent match fields and returns the number of rows matched.
func (q *Queries) UpdateMatchDetails(ctx context.Context, arg UpdateMatchDetailsParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateMatchDetails,
		arg.StartTime,
		arg.Duration,
		arg.RadiantWin,
		arg.GameMode,
		arg.LobbyType,
		ts(arg.UpdatedAt),
		arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const updateMatchPlayerDetails = `
UPDATE match_players SET
    hero_id     = COALESCE($1, hero_id),
    player_slot = COALESCE($2, player_slot),
    is_radiant  = COALESCE($3, is_radiant),
    kills       = COALESCE($4, kills),
    deaths      = COALESCE($5, deaths),
    assists     = COALESCE($6, assists),
    won         = COALESCE($7, won),
    updated_at  = $8
WHERE match_id = $9 AND account_id = $10`

type UpdateMatchPlayerDetailsParams struct {
	MatchID    int64
	AccountID  int64
	HeroID     *int
	PlayerSlot *int
	IsRadiant  *bool
	Kills      *int
	Deaths     *int
	Assists    *int
	Won        *bool
	UpdatedAt  time.Time
}

func (q *Queries) UpdateMatchPlayerDetails(ctx context.Context, arg UpdateMatchPlayerDetailsParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateMatchPlayerDetails,
		arg.HeroID,
		arg.PlayerSlot,
		arg.IsRadiant,
		arg.Kills,
		arg.Deaths,
		arg.Assists,
		arg.Won,
		ts(arg.UpdatedAt),
		arg.MatchID,
		arg.AccountID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const upsertMatchDetail = `
INSERT INTO match_details (match_id, raw_data, source, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (match_id) DO UPDATE SET
    raw_data   = excluded.raw_data,
    source     = excluded.source,
    updated_at = excluded.updated_at`

type UpsertMatchDetailParams struct {
	MatchID   int64
	RawData   string
	Source    string
	UpdatedAt time.Time
}

func (q *Queries) UpsertMatchDetail(ctx context.Context, arg UpsertMatchDetailParams) error {
	_, err := q.db.ExecContext(ctx, upsertMatchDetail, arg.MatchID, arg.RawData, arg.Source, ts(arg.UpdatedAt))
	return err
}

const getMatch = `
SELECT id, start_time, duration, radiant_win, game_mode, lobby_type, has_details, source, created_at, updated_at
FROM matches
WHERE id = $1`

type MatchRow struct {
	ID         int64
	StartTime  *int64
	Duration   *int
	RadiantWin *bool
	GameMode   *int
	LobbyType  *int
	HasDetails bool
	Source     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (q *Queries) GetMatch(ctx context.Context, id int64) (MatchRow, error) {
	row := q.db.QueryRowContext(ctx, getMatch, id)
	var i MatchRow
	err := row.Scan(
		&i.ID,
		&i.StartTime,
		&i.Duration,
		&i.RadiantWin,
		&i.GameMode,
		&i.LobbyType,
		&i.HasDetails,
		&i.Source,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getMatchPlayers = `
SELECT match_id, account_id, hero_id, player_slot, is_radiant, kills, deaths, assists, won, created_at, updated_at
FROM match_players
WHERE match_id = $1
ORDER BY account_id`

type MatchPlayerRow struct {
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

func (q *Queries) GetMatchPlayers(ctx context.Context, matchID int64) ([]MatchPlayerRow, error) {
	rows, err := q.db.QueryContext(ctx, getMatchPlayers, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []MatchPlayerRow
	for rows.Next() {
		var i MatchPlayerRow
		if err := rows.Scan(
			&i.MatchID,
			&i.AccountID,
			&i.HeroID,
			&i.PlayerSlot,
			&i.IsRadiant,
			&i.Kills,
			&i.Deaths,
			&i.Assists,
			&i.Won,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const getMatchDetail = `
SELECT match_id, raw_data, source, updated_at
FROM match_details
WHERE match_id = $1`

type MatchDetailRow struct {
	MatchID   int64
	RawData   string
	Source    string
	UpdatedAt time.Time
}

func (q *Queries) GetMatchDetail(ctx context.Context, matchID int64) (MatchDetailRow, error) {
	var i MatchDetailRow
	err := q.db.QueryRowContext(ctx, getMatchDetail, matchID).Scan(&i.MatchID, &i.RawData, &i.Source, &i.UpdatedAt)
	return i, err
}

const listMatchesMissingDetails = `
SELECT m.id
FROM matches m
LEFT JOIN match_details d ON d.match_id = m.id
WHERE m.has_details = FALSE AND d.match_id IS NULL
ORDER BY COALESCE(m.start_time, 0) DESC, m.id DESC
LIMIT $1`

func (q *Queries) ListMatchesMissingDetails(ctx context.Context, limit int) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, listMatchesMissingDetails, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const countAccountMatches = `SELECT COUNT(*) FROM match_players WHERE account_id = $1`

func (q *Queries) CountAccountMatches(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countAccountMatches, accountID).Scan(&n)
	return n, err
}
