package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestRawMatchMissingFields(t *testing.T) {
	complete := RawMatch{
		MatchID:    1,
		StartTime:  ptr(int64(1700000000)),
		Duration:   ptr(2400),
		RadiantWin: ptr(true),
		GameMode:   ptr(22),
		Players:    []RawPlayer{{AccountID: ptr(int64(7))}},
	}
	assert.Empty(t, complete.MissingFields())

	partial := complete
	partial.Duration = nil
	partial.Players = nil
	assert.Equal(t, []string{"duration", "players"}, partial.MissingFields())

	zeroed := complete
	zeroed.StartTime = ptr(int64(0))
	assert.Equal(t, []string{"start_time"}, zeroed.MissingFields())
}

func TestRawPlayerSideAndResult(t *testing.T) {
	radiant := RawPlayer{PlayerSlot: ptr(3)}
	dire := RawPlayer{PlayerSlot: ptr(131)}
	explicit := RawPlayer{PlayerSlot: ptr(131), IsRadiant: ptr(true)}

	assert.True(t, *radiant.Radiant())
	assert.False(t, *dire.Radiant())
	assert.True(t, *explicit.Radiant())

	assert.True(t, *radiant.Won(ptr(true)))
	assert.True(t, *dire.Won(ptr(false)))
	assert.Nil(t, radiant.Won(nil))
	assert.Nil(t, RawPlayer{}.Won(ptr(true)))
}

func TestParseSyncFrequency(t *testing.T) {
	assert.Equal(t, FrequencyWeekly, ParseSyncFrequency("WEEKLY"))
	assert.Equal(t, FrequencyRealtime, ParseSyncFrequency("real_time"))
	assert.Equal(t, FrequencyNever, ParseSyncFrequency(" never "))
	assert.Equal(t, FrequencyDaily, ParseSyncFrequency("fortnightly"))

	_, ok := LookupSyncFrequency("fortnightly")
	assert.False(t, ok)
	_, ok = LookupSyncFrequency("")
	assert.False(t, ok)
	f, ok := LookupSyncFrequency(" Monthly")
	assert.True(t, ok)
	assert.Equal(t, FrequencyMonthly, f)
}
