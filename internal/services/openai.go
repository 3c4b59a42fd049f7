package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const ProviderOpenAI = "openai"

// OpenAIService synthesizes speech with OpenAI's audio API.
type OpenAIService struct {
	client       *openai.Client
	configured   bool
	defaultVoice openai.SpeechVoice
	log          zerolog.Logger
}

var _ TTSService = (*OpenAIService)(nil)

func NewOpenAIService(apiKey, defaultVoice string, log zerolog.Logger) *OpenAIService {
	return NewOpenAIServiceWithConfig(openai.DefaultConfig(apiKey), apiKey != "", defaultVoice, log)
}

// NewOpenAIServiceWithConfig builds the service from an explicit client
// config (custom base URL or HTTP client).
func NewOpenAIServiceWithConfig(cfg openai.ClientConfig, configured bool, defaultVoice string, log zerolog.Logger) *OpenAIService {
	if defaultVoice == "" {
		defaultVoice = string(openai.VoiceAlloy)
	}
	return &OpenAIService{
		client:       openai.NewClientWithConfig(cfg),
		configured:   configured,
		defaultVoice: openai.SpeechVoice(defaultVoice),
		log:          log.With().Str("provider", ProviderOpenAI).Logger(),
	}
}

func (s *OpenAIService) Name() string { return ProviderOpenAI }

// GenerateSpeech converts text to MP3 audio.
func (s *OpenAIService) GenerateSpeech(ctx context.Context, req TTSRequest) (*TTSResponse, error) {
	if !s.configured {
		return nil, terminal(ProviderOpenAI, ErrNotConfigured)
	}

	voice := s.defaultVoice
	if req.VoiceID != "" {
		voice = openai.SpeechVoice(strings.ToLower(req.VoiceID))
	}
	speed := 1.0
	if parseEmotionFromStyle(req.Style) == "calm" {
		speed = 0.9
	}

	s.log.Debug().Str("voice_id", string(voice)).Int("text_len", len(req.Text)).Msg("generating speech")

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          speed,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, requestError(ProviderOpenAI, fmt.Errorf("read audio: %w", err))
	}
	if len(audioData) == 0 {
		return nil, terminal(ProviderOpenAI, fmt.Errorf("empty audio response"))
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(req.Text, speed),
		Format:     "mp3",
	}, nil
}

func classifyOpenAIError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Transient:  isRetryableStatus(apiErr.HTTPStatusCode),
			Err:        errors.New(apiErr.Message),
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Provider:   ProviderOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Transient:  isRetryableStatus(reqErr.HTTPStatusCode),
			Err:        reqErr.Err,
		}
	}
	return requestError(ProviderOpenAI, err)
}
