package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// TTSService: common interface for text-to-speech providers
// ElevenLabs, Cartesia and OpenAI implement this interface; the voice
// descriptor's provider field selects one through the TTSRegistry.
// ---------------------------------------------------------------------------

// TTSRequest is one speech synthesis call.
type TTSRequest struct {
	Text     string
	VoiceID  string // provider-specific; empty uses the service default
	Style    string // human-readable delivery hint, e.g. "calm and warm"
	Language string
}

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "mp3", "wav", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	Name() string
	GenerateSpeech(ctx context.Context, req TTSRequest) (*TTSResponse, error)
}

// TTSRegistry resolves a voice provider name to a configured service.
type TTSRegistry struct {
	services        map[string]TTSService
	defaultProvider string
}

func NewTTSRegistry() *TTSRegistry {
	return &TTSRegistry{services: make(map[string]TTSService)}
}

// Register adds svc under its name. The first registered service becomes the
// default for voices that do not name a provider.
func (r *TTSRegistry) Register(svc TTSService) {
	name := strings.ToLower(svc.Name())
	r.services[name] = svc
	if r.defaultProvider == "" {
		r.defaultProvider = name
	}
}

// Resolve returns the service for provider. An unknown or unconfigured
// provider is a terminal error.
func (r *TTSRegistry) Resolve(provider string) (TTSService, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = r.defaultProvider
	}
	if svc, ok := r.services[name]; ok {
		return svc, nil
	}
	if name == "" {
		name = "tts"
	}
	return nil, terminal(name, fmt.Errorf("voice provider %q: %w", provider, ErrNotConfigured))
}

// Providers lists registered provider names.
func (r *TTSRegistry) Providers() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// estimateAudioDuration estimates duration based on text length and speed
// Average speaking rate is ~140 words per minute at normal speed (narration pace, not conversational)
func estimateAudioDuration(text string, speed float64) int {
	if speed <= 0 {
		speed = 1.0
	}
	words := len(bytes.Fields([]byte(text)))
	baseWPM := 140.0

	// Lower speed = fewer WPM = longer duration
	actualWPM := baseWPM * speed

	minutes := float64(words) / actualWPM
	return int(minutes * 60 * 1000)
}
