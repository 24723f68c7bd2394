package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Player plays WAV data through the host sound card via oto. The audio
// context is created on first use with the format of the first clip,
// because oto allows one context per process.
type Player struct {
	log *logger.Logger

	mu     sync.Mutex
	ctx    *oto.Context
	format WAVFormat
	gain   float64     // 0..1
	active *oto.Player // currently playing, nil when idle
}

// NewPlayer creates a player at full volume. No audio device is touched
// until the first Play.
func NewPlayer(log *logger.Logger) *Player {
	return &Player{log: log, gain: 1}
}

// SetGain sets the software volume as a percentage.
func (p *Player) SetGain(percent int) {
	p.mu.Lock()
	p.gain = float64(percent) / 100
	p.mu.Unlock()
}

// Play plays WAV audio data synchronously. Blocks until playback finishes
// or Stop is called.
func (p *Player) Play(wavData []byte) error {
	format, pcm, err := ParseWAV(wavData)
	if err != nil {
		return err
	}
	if format.BitsPerSample != BitDepth {
		return fmt.Errorf("unsupported sample width %d", format.BitsPerSample)
	}

	otoCtx, gain, err := p.context(format)
	if err != nil {
		return err
	}
	if gain < 1 {
		pcm = scalePCM(pcm, gain)
	}

	player := otoCtx.NewPlayer(bytes.NewReader(pcm))

	p.mu.Lock()
	p.active = player
	p.mu.Unlock()

	player.Play()
	p.log.Debug("audio player: playing %d bytes of PCM", len(pcm))

	// Wait for playback to complete or be interrupted.
	for player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()

	return player.Close()
}

// Stop interrupts the currently playing audio, if any. Safe to call
// concurrently and when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	if active != nil {
		active.Pause()
		p.log.Debug("audio player: interrupted")
	}
}

func (p *Player) context(format WAVFormat) (*oto.Context, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		if format.SampleRate != p.format.SampleRate || format.Channels != p.format.Channels {
			return nil, 0, fmt.Errorf("clip format %d Hz/%d ch differs from device format %d Hz/%d ch",
				format.SampleRate, format.Channels, p.format.SampleRate, p.format.Channels)
		}
		return p.ctx, p.gain, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("opening audio device: %w", err)
	}
	<-ready

	p.ctx = ctx
	p.format = format
	p.log.Debug("audio player initialized (rate=%d, channels=%d)", format.SampleRate, format.Channels)
	return ctx, p.gain, nil
}

// scalePCM multiplies signed 16-bit LE samples by gain.
func scalePCM(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm)-len(pcm)%2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(float64(s)*gain)))
	}
	return out
}
