package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/services"
	"github.com/bobarin/avatarcast/internal/storage"
)

// Collaborator interfaces, satisfied by the services and storage packages.
type (
	VoiceRegistry interface {
		Resolve(provider string) (services.TTSService, error)
	}

	TalkingHeadRenderer interface {
		Render(ctx context.Context, req services.TalkRequest, onPoll services.PollFunc) (string, error)
	}

	BackendRenderer interface {
		Render(ctx context.Context, req services.RenderRequest, onPoll services.PollFunc) (string, error)
	}

	ClipGenerator interface {
		Render(ctx context.Context, req services.VeoRequest, onPoll services.PollFunc) ([]byte, error)
	}

	Uploader interface {
		UploadPublic(ctx context.Context, objectPath string, data []byte, contentType string) (string, error)
	}
)

// Options shared by the rendering providers.
type Options struct {
	Retry               RetryPolicy
	MaxParallelVariants int
}

// ---------------------------------------------------------------------------
// Primary: speech synthesis, then a talking-head render per background.
// ---------------------------------------------------------------------------

type TalkingHeadProvider struct {
	voices   VoiceRegistry
	heads    TalkingHeadRenderer
	uploader Uploader
	opts     Options
	log      zerolog.Logger
}

func NewTalkingHeadProvider(voices VoiceRegistry, heads TalkingHeadRenderer, uploader Uploader, opts Options, log zerolog.Logger) *TalkingHeadProvider {
	return &TalkingHeadProvider{voices: voices, heads: heads, uploader: uploader, opts: opts, log: log}
}

func (p *TalkingHeadProvider) Name() string { return models.ProviderTalkingHead }

func (p *TalkingHeadProvider) Attempt(ctx context.Context, req Request, report Reporter) (*models.Result, error) {
	s := req.Settings
	log := p.log.With().Str("job_id", req.JobID.String()).Str("provider", p.Name()).Logger()

	tts, err := p.voices.Resolve(s.Voice.Provider)
	if err != nil {
		return nil, err
	}

	var speech *services.TTSResponse
	err = p.opts.Retry.Do(ctx, log.With().Str("stage", "tts").Str("tts", tts.Name()).Logger(), func(attempt int) error {
		var err error
		speech, err = tts.GenerateSpeech(ctx, services.TTSRequest{
			Text:     s.Script,
			VoiceID:  s.Voice.ID,
			Style:    s.Voice.Style,
			Language: s.Voice.Language,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	report(0.2)

	audioURL, err := p.uploader.UploadPublic(ctx, storage.JobAssetPath(req.JobID, "voice."+speech.Format), speech.AudioData, "audio/mpeg")
	if err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}
	report(0.3)

	vp := newVariantProgress(len(s.Backgrounds), 0.3, 1, report)
	urls, failed, err := renderVariants(ctx, len(s.Backgrounds), p.opts.MaxParallelVariants, func(ctx context.Context, i int) (string, error) {
		bg := s.Backgrounds[i]
		vlog := log.With().Int("variant", i).Logger()

		var url string
		err := p.opts.Retry.Do(ctx, vlog, func(attempt int) error {
			vlog.Debug().Int("attempt", attempt).Msg("rendering talking head")
			var err error
			url, err = p.heads.Render(ctx, services.TalkRequest{
				ImageURL:        s.Avatar.ImageURL,
				AudioURL:        audioURL,
				BackgroundURL:   bg.URL,
				BackgroundColor: bg.Color,
				Resolution:      talkingHeadResolution(s.Quality),
				AspectRatio:     s.Format,
				Subtitles:       s.Subtitles,
				Script:          s.Script,
			}, func(n, max int) { vp.set(i, float64(n)/float64(max)) })
			return err
		})
		if err == nil {
			vp.set(i, 1)
		}
		return url, err
	})
	if err != nil {
		return nil, err
	}
	logPartial(log, failed, len(urls))

	return &models.Result{URLs: urls, Provider: p.Name()}, nil
}

// ---------------------------------------------------------------------------
// Secondary: generic render backend taking the full structured request.
// ---------------------------------------------------------------------------

type BackendProvider struct {
	backend BackendRenderer
	opts    Options
	log     zerolog.Logger
}

func NewBackendProvider(backend BackendRenderer, opts Options, log zerolog.Logger) *BackendProvider {
	return &BackendProvider{backend: backend, opts: opts, log: log}
}

func (p *BackendProvider) Name() string { return models.ProviderRenderBackend }

func (p *BackendProvider) Attempt(ctx context.Context, req Request, report Reporter) (*models.Result, error) {
	s := req.Settings
	log := p.log.With().Str("job_id", req.JobID.String()).Str("provider", p.Name()).Logger()

	vp := newVariantProgress(len(s.Backgrounds), 0, 1, report)
	urls, failed, err := renderVariants(ctx, len(s.Backgrounds), p.opts.MaxParallelVariants, func(ctx context.Context, i int) (string, error) {
		bg := s.Backgrounds[i]
		vlog := log.With().Int("variant", i).Logger()

		var url string
		err := p.opts.Retry.Do(ctx, vlog, func(attempt int) error {
			vlog.Debug().Int("attempt", attempt).Msg("rendering via backend")
			var err error
			url, err = p.backend.Render(ctx, services.RenderRequest{
				AvatarID:        s.Avatar.ID,
				AvatarImageURL:  s.Avatar.ImageURL,
				VoiceProvider:   s.Voice.Provider,
				VoiceID:         s.Voice.ID,
				VoiceStyle:      s.Voice.Style,
				Language:        s.Voice.Language,
				BackgroundURL:   bg.URL,
				BackgroundColor: bg.Color,
				Text:            s.Script,
				Quality:         string(s.Quality),
				AspectRatio:     s.Format,
				DurationSeconds: s.DurationSeconds,
				Subtitles:       s.Subtitles,
			}, func(n, max int) { vp.set(i, float64(n)/float64(max)) })
			return err
		})
		if err == nil {
			vp.set(i, 1)
		}
		return url, err
	})
	if err != nil {
		return nil, err
	}
	logPartial(log, failed, len(urls))

	return &models.Result{URLs: urls, Provider: p.Name()}, nil
}

// ---------------------------------------------------------------------------
// Secondary (alternative): Veo clip per background, uploaded to storage.
// ---------------------------------------------------------------------------

type VeoProvider struct {
	veo      ClipGenerator
	uploader Uploader
	opts     Options
	log      zerolog.Logger
}

func NewVeoProvider(veo ClipGenerator, uploader Uploader, opts Options, log zerolog.Logger) *VeoProvider {
	return &VeoProvider{veo: veo, uploader: uploader, opts: opts, log: log}
}

func (p *VeoProvider) Name() string { return models.ProviderVeo }

func (p *VeoProvider) Attempt(ctx context.Context, req Request, report Reporter) (*models.Result, error) {
	s := req.Settings
	log := p.log.With().Str("job_id", req.JobID.String()).Str("provider", p.Name()).Logger()

	vp := newVariantProgress(len(s.Backgrounds), 0, 1, report)
	urls, failed, err := renderVariants(ctx, len(s.Backgrounds), p.opts.MaxParallelVariants, func(ctx context.Context, i int) (string, error) {
		bg := s.Backgrounds[i]
		vlog := log.With().Int("variant", i).Logger()

		hint := bg.URL
		if hint == "" {
			hint = "a solid " + bg.Color + " backdrop"
		}

		var clip []byte
		err := p.opts.Retry.Do(ctx, vlog, func(attempt int) error {
			vlog.Debug().Int("attempt", attempt).Msg("rendering via veo")
			var err error
			clip, err = p.veo.Render(ctx, services.VeoRequest{
				AvatarImageURL:  s.Avatar.ImageURL,
				BackgroundHint:  hint,
				Script:          s.Script,
				VoiceStyle:      s.Voice.Style,
				Resolution:      veoResolution(s.Quality),
				AspectRatio:     s.Format,
				DurationSeconds: s.DurationSeconds,
			}, func(n, max int) { vp.set(i, 0.9*float64(n)/float64(max)) })
			return err
		})
		if err != nil {
			return "", err
		}

		url, err := p.uploader.UploadPublic(ctx, storage.JobAssetPath(req.JobID, fmt.Sprintf("veo-%d.mp4", i)), clip, "video/mp4")
		if err != nil {
			return "", fmt.Errorf("upload clip: %w", err)
		}
		vp.set(i, 1)
		return url, nil
	})
	if err != nil {
		return nil, err
	}
	logPartial(log, failed, len(urls))

	return &models.Result{URLs: urls, Provider: p.Name()}, nil
}

// ---------------------------------------------------------------------------
// Terminal fallback: a fixed placeholder video. Never a genuine render.
// ---------------------------------------------------------------------------

type PlaceholderProvider struct {
	url string
	log zerolog.Logger
}

func NewPlaceholderProvider(url string, log zerolog.Logger) *PlaceholderProvider {
	return &PlaceholderProvider{url: url, log: log}
}

func (p *PlaceholderProvider) Name() string { return models.ProviderPlaceholder }

func (p *PlaceholderProvider) Attempt(ctx context.Context, req Request, report Reporter) (*models.Result, error) {
	if p.url == "" {
		return nil, errors.New("no placeholder video configured")
	}
	p.log.Warn().
		Str("job_id", req.JobID.String()).
		Str("provider", p.Name()).
		Bool("placeholder", true).
		Msg("serving placeholder video instead of a genuine render")
	report(1)
	return &models.Result{URLs: []string{p.url}, Provider: p.Name(), Placeholder: true}, nil
}

func logPartial(log zerolog.Logger, failed []error, succeeded int) {
	if len(failed) == 0 {
		return
	}
	log.Warn().
		Int("succeeded", succeeded).
		Int("failed", len(failed)).
		Err(errors.Join(failed...)).
		Msg("partial success, some variants failed")
}

func talkingHeadResolution(q models.Quality) string {
	switch q {
	case models.QualitySD:
		return "480p"
	case models.QualityFullHD:
		return "1080p"
	case models.Quality4K:
		return "2160p"
	default:
		return "720p"
	}
}

func veoResolution(q models.Quality) string {
	switch q {
	case models.QualityFullHD:
		return "1080p"
	case models.Quality4K:
		return "4k"
	default:
		return "720p"
	}
}
