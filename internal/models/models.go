package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions happen for the job
// (other than an explicit edit re-drive).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type Quality string

const (
	QualitySD     Quality = "sd"
	QualityHD     Quality = "hd"
	QualityFullHD Quality = "fullhd"
	Quality4K     Quality = "4k"

	DefaultQuality = QualityHD
)

var qualityRank = map[Quality]int{
	QualitySD:     1,
	QualityHD:     2,
	QualityFullHD: 3,
	Quality4K:     4,
}

// Rank orders qualities from lowest to highest. Unknown qualities rank 0.
func (q Quality) Rank() int {
	return qualityRank[q]
}

func (q Quality) Valid() bool {
	return q.Rank() > 0
}

// ClampQuality returns q, or max when q is above it.
func ClampQuality(q, max Quality) Quality {
	if q.Rank() > max.Rank() {
		return max
	}
	return q
}

// ParseQuality normalizes user input ("4K", " HD ") into a Quality.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	if !q.Valid() {
		return "", fmt.Errorf("unknown quality %q", s)
	}
	return q, nil
}

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

type ExportMode string

const (
	ExportModeDownload ExportMode = "download"
	ExportModeSocial   ExportMode = "social"
)

// Provider attribution values stored on completed jobs.
const (
	ProviderTalkingHead   = "talking_head"
	ProviderRenderBackend = "render_backend"
	ProviderVeo           = "veo"
	ProviderPlaceholder   = "placeholder"
)

// Generation settings

type Avatar struct {
	ID       string `json:"id"`
	ImageURL string `json:"image_url"`
}

type Voice struct {
	Provider string `json:"provider"`          // "elevenlabs", "cartesia", "openai"
	ID       string `json:"id"`                // provider-specific voice id
	Style    string `json:"style,omitempty"`   // free-form delivery hint, e.g. "calm and warm"
	Language string `json:"language,omitempty"` // ISO 639-1
}

type Background struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Color string `json:"color,omitempty"` // hex color for solid backgrounds
}

// Settings is the snapshot of a generation request taken when the job is
// created. Stored as JSONB.
type Settings struct {
	Avatar          Avatar       `json:"avatar"`
	Voice           Voice        `json:"voice"`
	Backgrounds     []Background `json:"backgrounds"`
	Script          string       `json:"script"`
	Quality         Quality      `json:"quality"`
	Format          string       `json:"format,omitempty"` // aspect ratio: "16:9", "9:16", "1:1"
	DurationSeconds int          `json:"duration_seconds,omitempty"`
	Subtitles       bool         `json:"subtitles"`
}

// Clone returns a deep copy; snapshots are never shared between jobs.
func (s Settings) Clone() Settings {
	c := s
	if s.Backgrounds != nil {
		c.Backgrounds = make([]Background, len(s.Backgrounds))
		copy(c.Backgrounds, s.Backgrounds)
	}
	return c
}

// MissingFields lists required fields that are absent.
func (s Settings) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(s.Avatar.ImageURL) == "" {
		missing = append(missing, "avatar")
	}
	if strings.TrimSpace(s.Voice.ID) == "" {
		missing = append(missing, "voice")
	}
	usable := 0
	for _, bg := range s.Backgrounds {
		if strings.TrimSpace(bg.URL) != "" || strings.TrimSpace(bg.Color) != "" {
			usable++
		}
	}
	if usable == 0 || usable != len(s.Backgrounds) {
		missing = append(missing, "backgrounds")
	}
	if strings.TrimSpace(s.Script) == "" {
		missing = append(missing, "text")
	}
	return missing
}

// IncompleteFields is MissingFields plus the fields a stored snapshot must
// always carry (quality is defaulted at creation, so a stored snapshot
// without one predates the current schema).
func (s Settings) IncompleteFields() []string {
	missing := s.MissingFields()
	if !s.Quality.Valid() {
		missing = append(missing, "quality")
	}
	return missing
}

func (s Settings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Settings) Scan(value interface{}) error {
	if value == nil {
		*s = Settings{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("settings: unsupported scan type %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// StringList is a JSONB-encoded list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("string list: unsupported scan type %T", value)
	}
	return json.Unmarshal(bytes, (*[]string)(l))
}

// Models

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Plan      *string   `json:"plan,omitempty"` // "free", "pro", "enterprise"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Job struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	Settings       Settings   `json:"settings"`
	ResultURL      *string    `json:"result_url,omitempty"`
	VariantURLs    StringList `json:"variant_urls,omitempty"`
	Provider       *string    `json:"provider,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	EditCount      int        `json:"edit_count"`
	DuplicatedFrom *uuid.UUID `json:"duplicated_from,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Result is the terminal output of a successful generation.
type Result struct {
	URLs        []string // one per successfully rendered background variant
	Provider    string
	Placeholder bool
}

// Entitlements are the feature gates granted by a subscription tier.
type Entitlements struct {
	Plan                Plan    `json:"plan"`
	MonthlyLimit        int     `json:"monthly_limit"` // Unlimited (-1) means no cap
	MaxQuality          Quality `json:"max_quality"`
	SubtitlesAllowed    bool    `json:"subtitles_allowed"`
	AllowedEdits        int     `json:"allowed_edits"`
	WatermarkFreeExport bool    `json:"watermark_free_export"`
}

const Unlimited = -1

func (e Entitlements) IsUnlimited() bool {
	return e.MonthlyLimit == Unlimited
}

// Usage is an owner's quota position for the current billing month.
type Usage struct {
	Entitlements
	Used        int       `json:"videos_used_this_month"`
	PeriodStart time.Time `json:"period_start"`
}

// Remaining returns the number of jobs the owner may still create this month,
// or Unlimited.
func (u Usage) Remaining() int {
	if u.IsUnlimited() {
		return Unlimited
	}
	if r := u.MonthlyLimit - u.Used; r > 0 {
		return r
	}
	return 0
}

// DTOs for API requests and responses

type CreateJobRequest struct {
	Avatar          Avatar       `json:"avatar"`
	Voice           Voice        `json:"voice"`
	Backgrounds     []Background `json:"backgrounds"`
	Text            string       `json:"text"`
	Quality         *string      `json:"quality,omitempty"`          // Default: "hd"
	Format          *string      `json:"format,omitempty"`           // Default: "16:9"
	DurationSeconds *int         `json:"duration_seconds,omitempty"` // Optional target length
	Subtitles       *bool        `json:"subtitles,omitempty"`        // Default: false
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type EditJobRequest = CreateJobRequest

type ExportJobRequest struct {
	Mode ExportMode `json:"mode"`
}

type ExportResult struct {
	JobID       uuid.UUID  `json:"job_id"`
	Mode        ExportMode `json:"mode"`
	URL         string     `json:"url"`
	Watermarked bool       `json:"watermarked"`
}

// JobStatusView is the polling response.
type JobStatusView struct {
	ID           uuid.UUID `json:"id"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	ResultURL    *string   `json:"result_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Provider     *string   `json:"provider,omitempty"`
}

type ListJobsResponse struct {
	Jobs   []Job `json:"jobs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
