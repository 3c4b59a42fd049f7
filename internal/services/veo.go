package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo render backend
// Uses the Google Gen AI SDK to render a presenter clip from the avatar image
// and the script. Alternative secondary backend (RENDER_BACKEND=veo); the
// returned bytes are uploaded to storage by the caller.
// ---------------------------------------------------------------------------

const (
	ProviderVeo = "veo"

	defaultVeoModel = "veo-3.1-generate-preview"
	maxImageBytes   = 20 << 20
)

type VeoService struct {
	apiKey string
	model  string
	poll   PollPolicy
	log    zerolog.Logger
}

// NewVeoService creates a Veo service.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(apiKey, model string, poll PollPolicy, log zerolog.Logger) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
		poll:   poll,
		log:    log.With().Str("provider", ProviderVeo).Logger(),
	}
}

// VeoRequest is one presenter clip.
type VeoRequest struct {
	AvatarImageURL  string
	BackgroundHint  string // background URL or color, described in the prompt
	Script          string
	VoiceStyle      string
	Resolution      string // "720p", "1080p", "4k"
	AspectRatio     string
	DurationSeconds int
}

// buildVeoPrompt describes the presenter clip for Veo.
func buildVeoPrompt(req VeoRequest) string {
	style := req.VoiceStyle
	if style == "" {
		style = "clear, friendly and professional"
	}
	background := "a clean, softly lit studio backdrop"
	if req.BackgroundHint != "" {
		background = "this background: " + req.BackgroundHint
	}
	return fmt.Sprintf(`The person in the input image is a presenter speaking directly to camera in front of %s.
Delivery: %s. Natural lip sync, subtle head movement and blinking, steady framing.
Keep the presenter's appearance identical to the input image.

The presenter says: "%s"`, background, style, req.Script)
}

// Render generates the clip and returns its MP4 bytes.
func (s *VeoService) Render(ctx context.Context, req VeoRequest, onPoll PollFunc) ([]byte, error) {
	if s.apiKey == "" {
		return nil, terminal(ProviderVeo, ErrNotConfigured)
	}

	imageData, mimeType, err := fetchImage(ctx, req.AvatarImageURL)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, terminal(ProviderVeo, fmt.Errorf("create genai client: %w", err))
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      veoAspectRatio(req.AspectRatio),
		Resolution:       req.Resolution,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		if d > 8 {
			d = 8
		}
		config.DurationSeconds = &d
	}

	prompt := buildVeoPrompt(req)
	s.log.Debug().Str("model", s.model).Int("prompt_len", len(prompt)).Int("image_bytes", len(imageData)).Msg("starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, prompt, &genai.Image{ImageBytes: imageData, MIMEType: mimeType}, config)
	if err != nil {
		return nil, veoError("start video generation", err)
	}

	policy := s.poll
	if policy.Attempts < 1 {
		policy = DefaultPollPolicy
	}
	var lastErr error
	for attempt := 1; !operation.Done; attempt++ {
		if attempt > policy.Attempts {
			if lastErr != nil {
				return nil, terminal(ProviderVeo, fmt.Errorf("operation %s not finished after %d polls, last error: %v", operation.Name, policy.Attempts, lastErr))
			}
			return nil, terminal(ProviderVeo, fmt.Errorf("operation %s not finished after %d polls", operation.Name, policy.Attempts))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: polling cancelled: %w", ProviderVeo, ctx.Err())
		case <-time.After(policy.Interval):
		}

		next, err := client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			perr := veoError(fmt.Sprintf("poll operation (attempt %d)", attempt), err)
			if ctx.Err() != nil || !perr.Transient {
				return nil, perr
			}
			s.log.Warn().Err(perr).Int("attempt", attempt).Msg("operation poll failed, polling again")
			lastErr = perr
			continue
		}
		operation = next
		if onPoll != nil {
			onPoll(attempt, policy.Attempts)
		}
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, terminal(ProviderVeo, fmt.Errorf("operation failed: %s", errJSON))
	}
	if operation.Response == nil {
		return nil, terminal(ProviderVeo, fmt.Errorf("no response in completed operation %s", operation.Name))
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, terminal(ProviderVeo, fmt.Errorf("blocked by safety filters: %s", reasons))
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, terminal(ProviderVeo, fmt.Errorf("no video in response"))
	}

	downloadURI := genai.NewDownloadURIFromVideo(operation.Response.GeneratedVideos[0].Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, veoError("download video", err)
	}
	if len(videoBytes) == 0 {
		return nil, terminal(ProviderVeo, fmt.Errorf("downloaded video is empty"))
	}

	s.log.Debug().Int("bytes", len(videoBytes)).Msg("video generated")
	return videoBytes, nil
}

// veoAspectRatio maps the job format to one Veo accepts.
func veoAspectRatio(format string) string {
	if format == "9:16" {
		return "9:16"
	}
	return "16:9"
}

// veoError classifies a Gen AI SDK failure. API errors carry the HTTP status,
// so 429 and 503 stay retryable.
func veoError(op string, err error) *ProviderError {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if errors.As(err, &ptr) && ptr != nil {
			apiErr = *ptr
		}
	}
	if apiErr.Code != 0 {
		return &ProviderError{
			Provider:   ProviderVeo,
			StatusCode: apiErr.Code,
			Transient:  isRetryableStatus(apiErr.Code),
			Err:        fmt.Errorf("%s: %s %s", op, apiErr.Status, truncate(apiErr.Message, 300)),
		}
	}
	return requestError(ProviderVeo, fmt.Errorf("%s: %w", op, err))
}

// fetchImage downloads the avatar image used as the first frame.
func fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", terminal(ProviderVeo, fmt.Errorf("avatar image url is required"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", terminal(ProviderVeo, fmt.Errorf("create image request: %w", err))
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", requestError(ProviderVeo, fmt.Errorf("download avatar image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", statusError(ProviderVeo, resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", requestError(ProviderVeo, fmt.Errorf("read avatar image: %w", err))
	}
	if len(data) > maxImageBytes {
		return nil, "", terminal(ProviderVeo, fmt.Errorf("avatar image exceeds %d bytes", maxImageBytes))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
