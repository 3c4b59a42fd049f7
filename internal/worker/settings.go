package worker

import (
	"strings"

	"github.com/bobarin/avatarcast/internal/models"
)

const defaultFormat = "16:9"

var validFormats = map[string]bool{"16:9": true, "9:16": true, "1:1": true}

// SettingsFromRequest builds a settings snapshot from a create or edit
// request, applying defaults. Entitlement clamping happens later.
func SettingsFromRequest(req models.CreateJobRequest) (models.Settings, error) {
	s := models.Settings{
		Avatar:      req.Avatar,
		Voice:       req.Voice,
		Backgrounds: append([]models.Background(nil), req.Backgrounds...),
		Script:      strings.TrimSpace(req.Text),
		Quality:     models.DefaultQuality,
		Format:      defaultFormat,
	}
	s.Voice.Provider = strings.ToLower(strings.TrimSpace(s.Voice.Provider))

	if missing := s.MissingFields(); len(missing) > 0 {
		return models.Settings{}, models.NewMissingFieldsError(missing)
	}

	if req.Quality != nil && strings.TrimSpace(*req.Quality) != "" {
		q, err := models.ParseQuality(*req.Quality)
		if err != nil {
			return models.Settings{}, &models.ValidationError{Fields: []string{"quality"}, Message: "quality must be one of sd, hd, fullhd, 4k"}
		}
		s.Quality = q
	}
	if req.Format != nil && *req.Format != "" {
		if !validFormats[*req.Format] {
			return models.Settings{}, &models.ValidationError{Fields: []string{"format"}, Message: "format must be one of 16:9, 9:16, 1:1"}
		}
		s.Format = *req.Format
	}
	if req.DurationSeconds != nil {
		if *req.DurationSeconds < 0 || *req.DurationSeconds > 600 {
			return models.Settings{}, &models.ValidationError{Fields: []string{"duration_seconds"}, Message: "duration_seconds must be between 0 and 600"}
		}
		s.DurationSeconds = *req.DurationSeconds
	}
	if req.Subtitles != nil {
		s.Subtitles = *req.Subtitles
	}
	return s, nil
}
