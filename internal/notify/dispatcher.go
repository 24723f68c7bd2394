// Package notify formats CI notifications and delivers them to the speaker
// one at a time.
package notify

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/language"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Delivery routes.
const (
	RouteSynthesis  = "synthesis"
	RouteBuiltinTTS = "builtin_tts"
)

// loopBackoff is the pause after the consumer loop itself panics.
const loopBackoff = time.Second

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithInterval sets the pause between two deliveries. <= 0 disables it.
func WithInterval(d time.Duration) Option {
	return func(n *Dispatcher) {
		n.interval = d
	}
}

// WithTemplates overrides the message templates. Empty fields keep their
// defaults.
func WithTemplates(t Templates) Option {
	return func(n *Dispatcher) {
		if t.Failure != "" {
			n.templates.Failure = t.Failure
		}
		if t.Success != "" {
			n.templates.Success = t.Success
		}
		if t.Generic != "" {
			n.templates.Generic = t.Generic
		}
	}
}

// WithClosers registers resources released at the end of Shutdown, after
// the player. Typically the synthesizer.
func WithClosers(c ...io.Closer) Option {
	return func(n *Dispatcher) {
		n.closers = append(n.closers, c...)
	}
}

type message struct {
	Text     string
	Source   domain.SourceKind
	QueuedAt time.Time
}

// Dispatcher is the notification pipeline: format, route, then play. Sends
// are queued and a single consumer delivers them strictly in order, never
// two at a time.
type Dispatcher struct {
	synth     domain.Synthesizer
	player    domain.Player
	baseURL   string
	templates Templates
	interval  time.Duration
	closers   []io.Closer
	log       *logger.Logger

	mu       sync.Mutex
	queue    []message
	notify   chan struct{}
	closed   bool
	inFlight sync.WaitGroup // queued or being delivered
	cancel   context.CancelFunc
	done     chan struct{} // closed when the consumer exits

	lastURLPlay atomic.Int64 // unix nanos of the last successful PlayURL
}

var _ domain.Notifier = (*Dispatcher)(nil)

// New creates a dispatcher. baseURL is where the static server exposes the
// speech cache.
func New(synth domain.Synthesizer, player domain.Player, baseURL string, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		synth:   synth,
		player:  player,
		baseURL: strings.TrimRight(baseURL, "/"),
		templates: Templates{
			Failure: config.DefaultTemplateFailure,
			Success: config.DefaultTemplateSuccess,
			Generic: GenericTemplate,
		},
		notify: make(chan struct{}, 1),
		log:    log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Format renders the message for a CI event.
func (d *Dispatcher) Format(ev domain.NotificationEvent) string {
	return d.templates.Format(ev)
}

// SendGitHub formats ev and queues it. Returns true once queued.
func (d *Dispatcher) SendGitHub(_ context.Context, ev domain.NotificationEvent) bool {
	text := d.Format(ev)
	d.log.Info("queueing notification: %s", text)
	return d.enqueue(text, ev.Kind)
}

// SendCustom queues a free-form message. Returns true once queued.
func (d *Dispatcher) SendCustom(_ context.Context, text string) bool {
	d.log.Info("queueing custom notification: %s", text)
	return d.enqueue(text, domain.SourceCustom)
}

func (d *Dispatcher) enqueue(text string, src domain.SourceKind) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("dispatcher shutting down, dropping: %s", text)
		return false
	}
	d.inFlight.Add(1)
	d.queue = append(d.queue, message{Text: text, Source: src, QueuedAt: time.Now()})
	qLen := len(d.queue)
	d.mu.Unlock()

	enqueued.WithLabelValues(string(src)).Inc()
	queueDepth.Set(float64(qLen))
	d.log.Debug("notification queued (queue size: %d)", qLen)

	select {
	case d.notify <- struct{}{}:
	default: // already signaled
	}
	return true
}

// QueueLen returns the number of notifications waiting for delivery.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the consumer goroutine. Non-blocking.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for !d.runLoop(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(loopBackoff):
			}
		}
	}()
	d.log.Info("notification queue worker started")
}

// runLoop consumes until ctx ends and reports true. A panic escaping the
// loop is logged and reported as false so the caller backs off and resumes.
func (d *Dispatcher) runLoop(ctx context.Context) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("queue worker error: %v", r)
			stopped = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("notification queue worker stopped")
			return true
		case <-d.notify:
			d.drain(ctx)
		}
	}
}

// drain delivers queued messages in FIFO order until the queue is empty or
// the consumer is cancelled.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := d.dequeue()
		if !ok {
			return
		}

		// An in-flight delivery finishes even if the consumer is cancelled.
		d.deliverQueued(context.WithoutCancel(ctx), msg)

		if d.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.interval):
			}
		}
	}
}

func (d *Dispatcher) dequeue() (message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return message{}, false
	}
	msg := d.queue[0]
	d.queue[0] = message{}
	d.queue = d.queue[1:]
	queueDepth.Set(float64(len(d.queue)))
	return msg, true
}

// dropQueued discards whatever the stopped consumer left behind.
func (d *Dispatcher) dropQueued() int {
	d.mu.Lock()
	n := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	for i := 0; i < n; i++ {
		d.inFlight.Done()
	}
	queueDepth.Set(0)
	return n
}

// deliverQueued isolates one message: a panic is logged, not propagated.
func (d *Dispatcher) deliverQueued(ctx context.Context, msg message) {
	defer d.inFlight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("error processing notification: %v", r)
			delivered.WithLabelValues("unknown", "panic").Inc()
		}
	}()

	d.log.Debug("delivering %s notification (waited %s)", msg.Source, time.Since(msg.QueuedAt).Round(time.Millisecond))
	d.Deliver(ctx, msg.Text)
}

// Deliver routes and plays text synchronously. Chinese text without a
// Chinese voice goes to the speaker's built-in TTS; everything else is
// synthesized into the cache and played by URL.
func (d *Dispatcher) Deliver(ctx context.Context, text string) bool {
	route := d.route(text)
	var ok bool
	switch route {
	case RouteBuiltinTTS:
		d.log.Info("using speaker's built-in TTS for Chinese")
		ok = d.player.PlayTTS(ctx, text)
	default:
		path, err := d.synth.Synthesize(ctx, text)
		if err != nil {
			d.log.Error("synthesis failed: %v", err)
			break
		}
		ok = d.player.PlayURL(ctx, d.AudioURL(path))
		if ok {
			d.lastURLPlay.Store(time.Now().UnixNano())
		}
	}

	result := "ok"
	if !ok {
		result = "failed"
		d.log.Warn("notification not delivered: %s", text)
	}
	delivered.WithLabelValues(route, result).Inc()
	return ok
}

func (d *Dispatcher) route(text string) string {
	if language.IsChinese(text) && !d.synth.HasVoice(language.Chinese) {
		return RouteBuiltinTTS
	}
	return RouteSynthesis
}

// Linger blocks until at least grace has passed since the last successful
// URL playback, or ctx ends. The speaker fetches the clip after accepting
// the command, so the audio server must outlive the call by that long.
func (d *Dispatcher) Linger(ctx context.Context, grace time.Duration) {
	last := d.lastURLPlay.Load()
	if last == 0 || grace <= 0 {
		return
	}
	wait := time.Until(time.Unix(0, last).Add(grace))
	if wait <= 0 {
		return
	}
	d.log.Info("keeping audio available for %s", wait.Round(time.Millisecond))
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// AudioURL maps a cached file to the URL the speaker fetches it from.
func (d *Dispatcher) AudioURL(path string) string {
	return fmt.Sprintf("%s/%s", d.baseURL, filepath.Base(path))
}

// Shutdown waits for queued notifications to be delivered (bounded by ctx),
// stops the consumer, then releases the player and the closers. Sends
// after Shutdown begins are rejected.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	pending := len(d.queue)
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if pending > 0 {
		d.log.Info("waiting for %d queued notifications to complete...", pending)
	}

	drained := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("draining notification queue: %w (%d left)", ctx.Err(), d.QueueLen())
		d.log.Warn("%v", err)
	}

	if cancel != nil {
		cancel()
		<-done
	}
	if dropped := d.dropQueued(); dropped > 0 {
		d.log.Warn("dropped %d undelivered notifications", dropped)
	}

	if cerr := d.player.Close(); cerr != nil {
		d.log.Warn("closing player: %v", cerr)
	}
	for _, c := range d.closers {
		if cerr := c.Close(); cerr != nil {
			d.log.Warn("closing %T: %v", c, cerr)
		}
	}
	d.log.Info("notification service cleanup complete")
	return err
}
