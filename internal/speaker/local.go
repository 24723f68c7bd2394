package speaker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// AudioSink plays decoded WAV data. *speech.Player implements it.
type AudioSink interface {
	Play(wav []byte) error
	SetGain(percent int)
	Stop()
}

// maxClipBytes bounds what the local driver downloads before playing.
const maxClipBytes = 50 << 20

// Local plays audio through the host sound card instead of a Xiaomi device.
// Useful for trying the pipeline without an account. The speaker-native TTS
// path does not exist here.
type Local struct {
	sink AudioSink
	http *http.Client
	log  *logger.Logger
}

var _ domain.Player = (*Local)(nil)

// NewLocal creates a local driver playing into sink.
func NewLocal(sink AudioSink, log *logger.Logger) *Local {
	return &Local{
		sink: sink,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// PlayURL downloads the clip and plays it. Returns once playback ends.
func (l *Local) PlayURL(ctx context.Context, url string) bool {
	data, err := l.fetch(ctx, url)
	if err != nil {
		l.log.Error("local: fetching %s: %v", url, err)
		return false
	}
	l.log.Info("local: playing %s (%d bytes)", url, len(data))
	if err := l.sink.Play(data); err != nil {
		l.log.Error("local: playback failed: %v", err)
		return false
	}
	return true
}

func (l *Local) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
}

// PlayTTS always fails: there is no built-in voice on the host.
func (l *Local) PlayTTS(_ context.Context, text string) bool {
	l.log.Error("local: built-in TTS %v, dropping %q", domain.ErrNotSupported, text)
	return false
}

// SetVolume sets the software gain.
func (l *Local) SetVolume(_ context.Context, level int) bool {
	if level < 0 || level > 100 {
		l.log.Error("%v: %d", domain.ErrInvalidVolume, level)
		return false
	}
	l.sink.SetGain(level)
	l.log.Info("local: volume set to %d", level)
	return true
}

// Close stops any playback in progress.
func (l *Local) Close() error {
	l.sink.Stop()
	return nil
}
