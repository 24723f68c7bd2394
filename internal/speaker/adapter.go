package speaker

import (
	"context"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Adapter plays audio on the resolved Xiaomi device. Every vendor error is
// logged and reported as false.
type Adapter struct {
	client   domain.VendorClient
	resolver *Resolver
	log      *logger.Logger
}

var _ domain.Player = (*Adapter)(nil)

// NewAdapter creates an adapter that resolves its device through resolver.
func NewAdapter(client domain.VendorClient, resolver *Resolver, log *logger.Logger) *Adapter {
	return &Adapter{client: client, resolver: resolver, log: log}
}

func (a *Adapter) device(ctx context.Context) (string, bool) {
	s, err := a.resolver.Resolve(ctx)
	if err != nil {
		a.log.Error("no speaker session: %v", err)
		return "", false
	}
	return s.Device.ID, true
}

// PlayURL makes the speaker stream url. An explicit failure object in the
// response counts as failure; empty and unrecognized responses do not.
func (a *Adapter) PlayURL(ctx context.Context, url string) bool {
	id, ok := a.device(ctx)
	if !ok {
		return false
	}

	a.log.Info("playing audio from URL: %s", url)
	raw, err := a.client.PlayByURL(ctx, id, url)
	if err != nil {
		a.log.Error("failed to play audio: %v", err)
		return false
	}

	switch res := Classify(raw); res {
	case StructuredFailure:
		a.log.Error("speaker rejected playback: %s", raw)
		return false
	case Unrecognized:
		a.log.Warn("unexpected play_by_url response, assuming success: %s", raw)
	default:
		a.log.Debug("play_by_url result (%s): %s", res, raw)
	}
	return true
}

// PlayTTS makes the speaker read text with its built-in voice.
func (a *Adapter) PlayTTS(ctx context.Context, text string) bool {
	id, ok := a.device(ctx)
	if !ok {
		return false
	}

	a.log.Info("playing TTS: %s", text)
	raw, err := a.client.TextToSpeech(ctx, id, text)
	if err != nil {
		a.log.Error("failed to play TTS: %v", err)
		return false
	}
	a.log.Debug("TTS playback initiated: %s", raw)
	return true
}

// SetVolume sets the speaker volume. Levels outside 0..100 are rejected
// before the device is contacted.
func (a *Adapter) SetVolume(ctx context.Context, level int) bool {
	if level < 0 || level > 100 {
		a.log.Error("%v: %d", domain.ErrInvalidVolume, level)
		return false
	}
	id, ok := a.device(ctx)
	if !ok {
		return false
	}

	a.log.Info("setting volume to %d", level)
	raw, err := a.client.SetVolume(ctx, id, level)
	if err != nil {
		a.log.Error("failed to set volume: %v", err)
		return false
	}
	a.log.Debug("volume set: %s", raw)
	return true
}

// Close is a no-op; the vendor client holds no connection.
func (a *Adapter) Close() error { return nil }
