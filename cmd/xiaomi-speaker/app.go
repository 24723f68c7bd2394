package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
	"github.com/palemoky/xiaomi-speaker/internal/notify"
	"github.com/palemoky/xiaomi-speaker/internal/speaker"
	"github.com/palemoky/xiaomi-speaker/internal/speech"
	"github.com/palemoky/xiaomi-speaker/internal/xiaomi"
)

// app holds the wired pipeline shared by serve and the one-shot commands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	cache      *speech.Cache
	synth      *speech.Synthesizer
	resolver   *speaker.Resolver // nil with the local driver
	player     domain.Player
	dispatcher *notify.Dispatcher
}

func newCache(cfg *config.Config, log *logger.Logger) (*speech.Cache, error) {
	return speech.NewCache(cfg.AudioCacheDir, cfg.CacheMaxBytes(), log.With("cache"))
}

func newVoiceStore(cfg *config.Config, log *logger.Logger) *speech.VoiceStore {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return speech.NewVoiceStore(cfg.ModelsDir(home), log.With("voices"),
		speech.WithSearchRoots(filepath.Join(cfg.AudioCacheDir, "voices")),
	)
}

// newVendor returns the Xiaomi cloud client and a resolver for MI_DID.
func newVendor(cfg *config.Config, log *logger.Logger) (*xiaomi.MiNA, *speaker.Resolver, error) {
	mina, err := xiaomi.FromConfig(cfg, log.With("xiaomi"))
	if err != nil {
		return nil, nil, err
	}
	resolver := speaker.NewResolver(mina, cfg.MiDID, cfg.MiDIDKind, log.With("resolver"))
	return mina, resolver, nil
}

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	cache, err := newCache(cfg, log)
	if err != nil {
		return nil, err
	}

	engine := speech.NewPiperEngine(cfg.PiperBin, log.With("piper"),
		speech.WithSpeaker(cfg.PiperSpeaker),
		speech.WithLengthScale(cfg.PiperLengthScale),
	)
	synth := speech.NewSynthesizer(cache, newVoiceStore(cfg, log), engine, speech.SynthesizerConfig{
		Voices: map[string]string{
			language.Chinese: cfg.VoiceFor(language.Chinese),
			language.English: cfg.VoiceFor(language.English),
		},
		Speaker:     cfg.PiperSpeaker,
		LengthScale: cfg.PiperLengthScale,
	}, log.With("synth"))

	a := &app{cfg: cfg, log: log, cache: cache, synth: synth}

	switch cfg.SpeakerDriver {
	case config.DriverLocal:
		a.player = speaker.NewLocal(speech.NewPlayer(log.With("audio")), log.With("local"))
		log.Info("using local playback driver")
	default:
		mina, resolver, err := newVendor(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("xiaomi client: %w", err)
		}
		a.resolver = resolver
		a.player = speaker.NewAdapter(mina, resolver, log.With("speaker"))
	}

	a.dispatcher = notify.New(synth, a.player, cfg.StaticURL(), log.With("notify"),
		notify.WithInterval(cfg.NotificationInterval),
		notify.WithTemplates(notify.Templates{
			Failure: cfg.TemplateFailure,
			Success: cfg.TemplateSuccess,
		}),
		notify.WithClosers(synth),
	)
	return a, nil
}

// linger keeps the process, and with it the audio server, alive while the
// speaker may still be fetching the last clip. The local driver plays
// synchronously and needs no grace.
func (a *app) linger(ctx context.Context) {
	if a.cfg.SpeakerDriver == config.DriverLocal {
		return
	}
	a.dispatcher.Linger(ctx, a.cfg.PlaybackGrace())
}
