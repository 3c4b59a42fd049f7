package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/services"
)

var noWait = RetryPolicy{
	Attempts:  3,
	BaseDelay: time.Second,
	Sleep:     func(context.Context, time.Duration) error { return nil },
}

type fakeTTS struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) GenerateSpeech(ctx context.Context, req services.TTSRequest) (*services.TTSResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &services.TTSResponse{AudioData: []byte("mp3"), Format: "mp3"}, nil
}

type fakeVoices struct{ tts services.TTSService }

func (f fakeVoices) Resolve(string) (services.TTSService, error) { return f.tts, nil }

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeUploader) UploadPublic(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, objectPath)
	return "https://storage.example.com/" + objectPath, nil
}

type fakeHeads struct {
	mu       sync.Mutex
	attempts map[string]int
	// failFor returns an error for a given background and attempt, or nil.
	failFor func(bg string, attempt int) error
}

func (f *fakeHeads) Render(ctx context.Context, req services.TalkRequest, onPoll services.PollFunc) (string, error) {
	bg := req.BackgroundURL + req.BackgroundColor
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[bg]++
	attempt := f.attempts[bg]
	f.mu.Unlock()

	onPoll(1, 2)
	if f.failFor != nil {
		if err := f.failFor(bg, attempt); err != nil {
			return "", err
		}
	}
	onPoll(2, 2)
	return "https://render.example.com/" + strings.TrimPrefix(bg, "#") + ".mp4", nil
}

func TestTalkingHeadProviderRendersEveryBackground(t *testing.T) {
	tts := &fakeTTS{}
	up := &fakeUploader{}
	heads := &fakeHeads{}
	p := NewTalkingHeadProvider(fakeVoices{tts}, heads, up, Options{Retry: noWait, MaxParallelVariants: 2}, zerolog.Nop())

	req := testRequest()
	var fractions []float64
	var mu sync.Mutex
	res, err := p.Attempt(context.Background(), req, func(f float64) {
		mu.Lock()
		fractions = append(fractions, f)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProviderTalkingHead, res.Provider)
	assert.Len(t, res.URLs, 2)
	assert.EqualValues(t, 1, tts.calls.Load(), "speech is synthesized once for all variants")
	require.Len(t, up.paths, 1)
	assert.Equal(t, "jobs/"+req.JobID.String()+"/voice.mp3", up.paths[0])
	assert.Contains(t, fractions, 1.0)
}

func TestTalkingHeadProviderRetriesTransientVariantErrors(t *testing.T) {
	heads := &fakeHeads{failFor: func(bg string, attempt int) error {
		if attempt == 1 {
			return &services.ProviderError{Provider: "talking_head", StatusCode: 503, Transient: true, Err: errors.New("busy")}
		}
		return nil
	}}
	p := NewTalkingHeadProvider(fakeVoices{&fakeTTS{}}, heads, &fakeUploader{}, Options{Retry: noWait, MaxParallelVariants: 1}, zerolog.Nop())

	res, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.NoError(t, err)
	assert.Len(t, res.URLs, 2)
	for _, n := range heads.attempts {
		assert.Equal(t, 2, n)
	}
}

func TestTalkingHeadProviderPartialSuccess(t *testing.T) {
	heads := &fakeHeads{failFor: func(bg string, attempt int) error {
		if bg == "#223344" {
			return &services.ProviderError{Provider: "talking_head", StatusCode: 422, Err: errors.New("unsupported backdrop")}
		}
		return nil
	}}
	p := NewTalkingHeadProvider(fakeVoices{&fakeTTS{}}, heads, &fakeUploader{}, Options{Retry: noWait, MaxParallelVariants: 2}, zerolog.Nop())

	res, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://render.example.com/https://cdn.example.com/b1.jpg.mp4"}, res.URLs)
	assert.Equal(t, 1, heads.attempts["#223344"], "terminal errors are not retried")
}

func TestTalkingHeadProviderFailsWithoutStorage(t *testing.T) {
	heads := &fakeHeads{}
	p := NewTalkingHeadProvider(fakeVoices{&fakeTTS{}}, heads, &fakeUploader{err: errors.New("storage not configured")}, Options{Retry: noWait}, zerolog.Nop())

	_, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.Error(t, err)
	assert.Empty(t, heads.attempts)
}

func TestTalkingHeadProviderTTSExhaustsRetries(t *testing.T) {
	tts := &fakeTTS{err: &services.ProviderError{Provider: "fake", StatusCode: 429, Transient: true, Err: errors.New("rate limited")}}
	p := NewTalkingHeadProvider(fakeVoices{tts}, &fakeHeads{}, &fakeUploader{}, Options{Retry: noWait}, zerolog.Nop())

	_, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.Error(t, err)
	assert.EqualValues(t, 3, tts.calls.Load())
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []services.RenderRequest
}

func (f *fakeBackend) Render(ctx context.Context, req services.RenderRequest, onPoll services.PollFunc) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	onPoll(1, 1)
	return "https://backend.example.com/out.mp4", nil
}

func TestBackendProviderSendsStructuredRequest(t *testing.T) {
	backend := &fakeBackend{}
	p := NewBackendProvider(backend, Options{Retry: noWait, MaxParallelVariants: 1}, zerolog.Nop())

	req := testRequest()
	req.Settings.Quality = models.QualityFullHD
	res, err := p.Attempt(context.Background(), req, func(float64) {})
	require.NoError(t, err)

	assert.Equal(t, models.ProviderRenderBackend, res.Provider)
	require.Len(t, backend.requests, 2)
	assert.Equal(t, "fullhd", backend.requests[0].Quality)
	assert.Equal(t, "Hello there", backend.requests[0].Text)
	assert.Equal(t, "v1", backend.requests[0].VoiceID)
}

type fakeClips struct{}

func (fakeClips) Render(ctx context.Context, req services.VeoRequest, onPoll services.PollFunc) ([]byte, error) {
	return []byte("mp4"), nil
}

func TestVeoProviderUploadsClips(t *testing.T) {
	up := &fakeUploader{}
	p := NewVeoProvider(fakeClips{}, up, Options{Retry: noWait, MaxParallelVariants: 2}, zerolog.Nop())

	res, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderVeo, res.Provider)
	assert.Len(t, res.URLs, 2)
	assert.Len(t, up.paths, 2)
}

func TestPlaceholderProvider(t *testing.T) {
	p := NewPlaceholderProvider("https://example.com/placeholder.mp4", zerolog.Nop())
	res, err := p.Attempt(context.Background(), testRequest(), func(float64) {})
	require.NoError(t, err)
	assert.True(t, res.Placeholder)
	assert.Equal(t, models.ProviderPlaceholder, res.Provider)

	_, err = NewPlaceholderProvider("", zerolog.Nop()).Attempt(context.Background(), testRequest(), func(float64) {})
	assert.Error(t, err)
}
