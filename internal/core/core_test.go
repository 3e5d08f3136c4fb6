package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVCIDString(t *testing.T) {
	tests := []struct {
		vcid VCID
		want string
	}{
		{0, "0"},
		{1, "1"},
		{63, "63"},
		{UnknownVCID, "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.vcid.String())
	}
}

func TestVCIDValid(t *testing.T) {
	assert.True(t, VCID(0).Valid())
	assert.True(t, VCID(63).Valid())
	assert.False(t, VCID(64).Valid())
	assert.False(t, UnknownVCID.Valid(), "UnknownVCID must never be a wire value")
}

func TestAlarmState(t *testing.T) {
	t.Run("Ordering", func(t *testing.T) {
		assert.Less(t, int(AlarmGreen), int(AlarmBlue))
		assert.Less(t, int(AlarmBlue), int(AlarmYellow))
		assert.Less(t, int(AlarmYellow), int(AlarmRed))
	})

	t.Run("Names", func(t *testing.T) {
		tests := []struct {
			state   AlarmState
			name    string
			meaning string
		}{
			{AlarmGreen, "GREEN", "GO"},
			{AlarmBlue, "BLUE", "NOTIFY"},
			{AlarmYellow, "YELLOW", "CAUTION"},
			{AlarmRed, "RED", "PANIC"},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.meaning, tt.state.Meaning())
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		assert.Equal(t, "AlarmState(9)", AlarmState(9).String())
	})
}

func TestSentinelErrors(t *testing.T) {
	wrapped := fmt.Errorf("frame 12: %w", ErrMalformedFrame)
	assert.ErrorIs(t, wrapped, ErrMalformedFrame)
	assert.NotErrorIs(t, wrapped, ErrFrameTooShort)
	assert.EqualError(t, ErrPipelineStopped, "skylink: pipeline stopped")
}
