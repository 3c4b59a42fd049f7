package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeSettings() Settings {
	return Settings{
		Avatar:      Avatar{ID: "anna", ImageURL: "https://cdn.example.com/anna.png"},
		Voice:       Voice{Provider: "elevenlabs", ID: "voice-1"},
		Backgrounds: []Background{{ID: "office", URL: "https://cdn.example.com/office.jpg"}},
		Script:      "Welcome to the quarterly update.",
		Quality:     QualityHD,
	}
}

func TestSettingsScanRoundTrip(t *testing.T) {
	s := completeSettings()
	s.Subtitles = true

	data, err := s.Value()
	require.NoError(t, err)

	var got Settings
	require.NoError(t, got.Scan(data))
	assert.Equal(t, s, got)
}

func TestSettingsScanRejectsUnknownType(t *testing.T) {
	var s Settings
	assert.Error(t, s.Scan("not bytes"))
}

func TestSettingsCloneDoesNotShareBackgrounds(t *testing.T) {
	s := completeSettings()
	c := s.Clone()
	c.Backgrounds[0].URL = "https://cdn.example.com/beach.jpg"

	assert.Equal(t, "https://cdn.example.com/office.jpg", s.Backgrounds[0].URL)
}

func TestMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   []string
	}{
		{"complete", func(*Settings) {}, nil},
		{"no avatar", func(s *Settings) { s.Avatar = Avatar{} }, []string{"avatar"}},
		{"no voice", func(s *Settings) { s.Voice.ID = " " }, []string{"voice"}},
		{"no backgrounds", func(s *Settings) { s.Backgrounds = nil }, []string{"backgrounds"}},
		{"empty background", func(s *Settings) { s.Backgrounds = append(s.Backgrounds, Background{ID: "x"}) }, []string{"backgrounds"}},
		{"no text", func(s *Settings) { s.Script = "" }, []string{"text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := completeSettings()
			tt.mutate(&s)
			assert.Equal(t, tt.want, s.MissingFields())
		})
	}
}

func TestIncompleteFieldsRequiresQuality(t *testing.T) {
	s := completeSettings()
	s.Quality = ""
	assert.Equal(t, []string{"quality"}, s.IncompleteFields())
}

func TestQualityOrdering(t *testing.T) {
	assert.Less(t, QualitySD.Rank(), QualityHD.Rank())
	assert.Less(t, QualityHD.Rank(), QualityFullHD.Rank())
	assert.Less(t, QualityFullHD.Rank(), Quality4K.Rank())

	assert.Equal(t, QualityHD, ClampQuality(Quality4K, QualityHD))
	assert.Equal(t, QualitySD, ClampQuality(QualitySD, QualityHD))

	q, err := ParseQuality(" 4K ")
	require.NoError(t, err)
	assert.Equal(t, Quality4K, q)

	_, err = ParseQuality("8k")
	assert.Error(t, err)
}

func TestStringListNilEncodesEmptyArray(t *testing.T) {
	var l StringList
	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), v)

	var got StringList
	require.NoError(t, got.Scan([]byte(`["a","b"]`)))
	assert.Equal(t, StringList{"a", "b"}, got)
}

func TestUsageRemaining(t *testing.T) {
	u := Usage{Entitlements: Entitlements{MonthlyLimit: 1}, Used: 1}
	assert.Equal(t, 0, u.Remaining())

	u = Usage{Entitlements: Entitlements{MonthlyLimit: Unlimited}, Used: 500}
	assert.Equal(t, Unlimited, u.Remaining())
}

func TestJobStatusJSON(t *testing.T) {
	url := "https://cdn.example.com/out.mp4"
	data, err := json.Marshal(JobStatusView{Status: JobStatusCompleted, Progress: 100, ResultURL: &url})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"completed"`)
	assert.NotContains(t, string(data), "error_message")
}

func TestErrorsWrap(t *testing.T) {
	err := fmt.Errorf("create job: %w", NewMissingFieldsError([]string{"voice"}))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"voice"}, ve.Fields)
	assert.EqualError(t, err, "create job: missing required fields: voice")

	var qe *QuotaExceededError
	err = fmt.Errorf("wrap: %w", &QuotaExceededError{Plan: PlanFree, Limit: 1, Used: 1})
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1, qe.Limit)
}
