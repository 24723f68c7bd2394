package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// VoiceSource yields a loadable voice model by name. *VoiceStore is the
// production implementation.
type VoiceSource interface {
	Ensure(ctx context.Context, name string) (VoiceModel, error)
}

// SynthesizerConfig holds the voice selection and the parameters that are
// part of every cache key.
type SynthesizerConfig struct {
	Voices      map[string]string // language code -> voice name
	Speaker     int
	LengthScale float64
}

// Synthesizer renders text into cached WAV files. Voices are loaded on first
// use of their language and kept for the life of the process.
type Synthesizer struct {
	cache  *Cache
	store  VoiceSource
	engine Engine
	cfg    SynthesizerConfig
	log    *logger.Logger

	mu     sync.Mutex
	voices map[string]*lazyVoice
	closed bool
}

var _ domain.Synthesizer = (*Synthesizer)(nil)

var errClosed = errors.New("synthesizer closed")

// NewSynthesizer wires the cache, the voice source and the engine together.
func NewSynthesizer(cache *Cache, store VoiceSource, engine Engine, cfg SynthesizerConfig, log *logger.Logger) *Synthesizer {
	if cfg.LengthScale == 0 {
		cfg.LengthScale = 1.0
	}
	return &Synthesizer{
		cache:  cache,
		store:  store,
		engine: engine,
		cfg:    cfg,
		log:    log,
		voices: make(map[string]*lazyVoice),
	}
}

// HasVoice reports whether a voice is configured for lang.
func (s *Synthesizer) HasVoice(lang string) bool {
	return s.cfg.Voices[lang] != ""
}

// Synthesize returns the path of a cached WAV file speaking text. A cache
// hit returns without touching the voice.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	lang := language.Detect(text)
	name := s.cfg.Voices[lang]
	if name == "" {
		return "", fmt.Errorf("%w: no voice for language %q", domain.ErrModelNotConfigured, lang)
	}

	key := Key(text, lang, name, s.cfg.Speaker, s.cfg.LengthScale)
	path, hit, err := s.cache.GetOrCreate(ctx, key, func(ctx context.Context, tmp string) error {
		v, err := s.voice(ctx, lang, name)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := v.Synthesize(ctx, text, tmp); err != nil {
			return err
		}
		synthesisDuration.WithLabelValues(lang).Observe(time.Since(start).Seconds())
		return ValidateWAVFile(tmp)
	})
	if err != nil {
		return "", err
	}

	if hit {
		s.log.Debug("using cached audio for %q", text)
	} else {
		s.log.Info("synthesized %s audio with %s: %s", lang, name, path)
	}
	return path, nil
}

func (s *Synthesizer) voice(ctx context.Context, lang, name string) (Voice, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	lv, ok := s.voices[lang]
	if !ok {
		lv = &lazyVoice{}
		s.voices[lang] = lv
	}
	s.mu.Unlock()

	return lv.get(ctx, func(ctx context.Context) (Voice, error) {
		model, err := s.store.Ensure(ctx, name)
		if err != nil {
			return nil, err
		}
		return s.engine.Load(ctx, model)
	}, s.log)
}

// Close releases every loaded voice. Voices still loading are released
// when they arrive, and later synthesis of uncached text fails.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for lang, lv := range s.voices {
		if err := lv.close(); err != nil {
			s.log.Warn("closing %s voice: %v", lang, err)
		}
	}
	s.voices = make(map[string]*lazyVoice)
	return nil
}

// lazyVoice initializes a voice at most once at a time. Callers arriving
// while an init is in flight wait for it and share its outcome. A failed
// init is forgotten, so the next caller tries again. A voice that reports
// itself dead is dropped and reloaded.
type lazyVoice struct {
	mu      sync.Mutex
	voice   Voice
	pending *attempt
	closed  bool
}

type attempt struct {
	done  chan struct{}
	voice Voice
	err   error
}

func (l *lazyVoice) get(ctx context.Context, init func(context.Context) (Voice, error), log *logger.Logger) (Voice, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errClosed
	}
	if l.voice != nil {
		if a, ok := l.voice.(aliver); !ok || a.Alive() {
			v := l.voice
			l.mu.Unlock()
			return v, nil
		}
		log.Warn("voice process died, reloading")
		l.voice.Close()
		l.voice = nil
	}

	if at := l.pending; at != nil {
		l.mu.Unlock()
		select {
		case <-at.done:
			return at.voice, at.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	at := &attempt{done: make(chan struct{})}
	l.pending = at
	l.mu.Unlock()

	at.voice, at.err = init(ctx)

	l.mu.Lock()
	l.pending = nil
	switch {
	case at.err != nil:
	case l.closed:
		// Closed while loading: nobody else will release this process.
		at.voice.Close()
		at.voice, at.err = nil, errClosed
	default:
		l.voice = at.voice
	}
	l.mu.Unlock()
	close(at.done)

	return at.voice, at.err
}

func (l *lazyVoice) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.voice == nil {
		return nil
	}
	err := l.voice.Close()
	l.voice = nil
	return err
}
