package domain

import "match-sync/internal/constants"

// RawPlayer is one roster entry as reported by a data source. Nil fields were absent.
type RawPlayer struct {
	AccountID  *int64 // nil for anonymous players
	HeroID     *int
	PlayerSlot *int
	IsRadiant  *bool
	Kills      *int
	Deaths     *int
	Assists    *int
}

// RawMatch is a provider record normalized across sources. Nil fields were absent.
type RawMatch struct {
	MatchID    int64
	StartTime  *int64 // unix seconds
	Duration   *int
	RadiantWin *bool
	GameMode   *int
	LobbyType  *int
	Players    []RawPlayer // nil when the source omitted the roster
	Source     string
	Payload    []byte
}

// MissingFields lists the required fields absent from the record.
func (m *RawMatch) MissingFields() []string {
	var missing []string
	if m.StartTime == nil || *m.StartTime == 0 {
		missing = append(missing, "start_time")
	}
	if m.Duration == nil || *m.Duration == 0 {
		missing = append(missing, "duration")
	}
	if m.RadiantWin == nil {
		missing = append(missing, "radiant_win")
	}
	if m.GameMode == nil {
		missing = append(missing, "game_mode")
	}
	if len(m.Players) == 0 {
		missing = append(missing, "players")
	}
	return missing
}

// FindPlayer returns the roster entry of accountID, if present.
func (m *RawMatch) FindPlayer(accountID int64) (RawPlayer, bool) {
	for _, p := range m.Players {
		if p.AccountID != nil && *p.AccountID == accountID {
			return p, true
		}
	}
	return RawPlayer{}, false
}

// Radiant reports the player's side, preferring the explicit flag over the slot.
func (p RawPlayer) Radiant() *bool {
	if p.IsRadiant != nil {
		return p.IsRadiant
	}
	if p.PlayerSlot != nil {
		r := *p.PlayerSlot < constants.DireSlotOffset
		return &r
	}
	return nil
}

// Won derives the result of the player from the side and the winner flag.
func (p RawPlayer) Won(radiantWin *bool) *bool {
	side := p.Radiant()
	if side == nil || radiantWin == nil {
		return nil
	}
	won := *side == *radiantWin
	return &won
}
