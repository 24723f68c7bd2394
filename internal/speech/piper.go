package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Engine loads voice models. Loading is expensive and done once per voice.
type Engine interface {
	Load(ctx context.Context, model VoiceModel) (Voice, error)
}

// Voice renders text into a WAV file at outPath.
type Voice interface {
	Synthesize(ctx context.Context, text, outPath string) error
	Close() error
}

// aliver is implemented by voices that can die, such as a crashed process.
type aliver interface {
	Alive() bool
}

// PiperOption configures the PiperEngine.
type PiperOption func(*PiperEngine)

// WithSpeaker selects the speaker of multi-speaker models.
func WithSpeaker(id int) PiperOption {
	return func(e *PiperEngine) {
		e.speaker = id
	}
}

// WithLengthScale sets the speech rate (1.0 normal, <1 faster, >1 slower).
func WithLengthScale(scale float64) PiperOption {
	return func(e *PiperEngine) {
		e.lengthScale = scale
	}
}

// PiperEngine runs the piper CLI. Each loaded voice is a long-lived piper
// process in --json-input mode: one JSON request per stdin line, one output
// path per stdout line.
type PiperEngine struct {
	bin         string
	speaker     int
	lengthScale float64
	log         *logger.Logger
}

// NewPiperEngine creates an engine that runs the given piper binary.
func NewPiperEngine(bin string, log *logger.Logger, opts ...PiperOption) *PiperEngine {
	e := &PiperEngine{
		bin:         bin,
		lengthScale: 1.0,
		log:         log,
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, err := exec.LookPath(e.bin); err != nil {
		log.Warn("piper binary %q not found in PATH: %v", e.bin, err)
	}
	return e
}

// Load starts a piper process for the model. The process is not bound to
// ctx; it lives until Close.
func (e *PiperEngine) Load(ctx context.Context, model VoiceModel) (Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	speaker := e.speaker
	if model.Meta.NumSpeakers > 0 && speaker >= model.Meta.NumSpeakers {
		e.log.Warn("speaker %d out of range for %s (%d speakers), using 0", speaker, model.Name, model.Meta.NumSpeakers)
		speaker = 0
	}

	cmd := exec.Command(e.bin,
		"--model", model.ModelPath,
		"--config", model.ConfigPath,
		"--json-input",
		"--length_scale", strconv.FormatFloat(e.lengthScale, 'f', -1, 64),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSynthesisFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSynthesisFailed, err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", domain.ErrSynthesisFailed, e.bin, err)
	}

	v := &piperVoice{
		name:    model.Name,
		speaker: speaker,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		done:    make(chan struct{}),
		log:     e.log,
	}
	go v.wait()

	e.log.Info("piper voice loaded: %s (pid %d, rate %d Hz)", model.Name, cmd.Process.Pid, model.Meta.Audio.SampleRate)
	return v, nil
}

type piperRequest struct {
	Text       string `json:"text"`
	SpeakerID  int    `json:"speaker_id"`
	OutputFile string `json:"output_file"`
}

type piperVoice struct {
	name    string
	speaker int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  *tailBuffer
	done    chan struct{} // closed when the process exits
	log     *logger.Logger

	mu sync.Mutex // one request in flight per process
}

func (v *piperVoice) wait() {
	err := v.cmd.Wait()
	close(v.done)
	if err != nil {
		v.log.Warn("piper %s exited: %v: %s", v.name, err, v.stderr.String())
	}
}

func (v *piperVoice) Alive() bool {
	select {
	case <-v.done:
		return false
	default:
		return true
	}
}

func (v *piperVoice) Synthesize(ctx context.Context, text, outPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.Alive() {
		return fmt.Errorf("%w: piper %s is not running", domain.ErrSynthesisFailed, v.name)
	}

	line, err := json.Marshal(piperRequest{
		Text:       strings.ReplaceAll(text, "\n", " "),
		SpeakerID:  v.speaker,
		OutputFile: outPath,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSynthesisFailed, err)
	}
	if _, err := v.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: writing to piper: %w", domain.ErrSynthesisFailed, err)
	}

	type reply struct {
		path string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		s, err := v.stdout.ReadString('\n')
		ch <- reply{strings.TrimSpace(s), err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%w: reading from piper: %w: %s", domain.ErrSynthesisFailed, r.err, v.stderr.String())
		}
		v.log.Debug("piper %s wrote %s", v.name, r.path)
	case <-ctx.Done():
		// The process is now out of step with its protocol; kill it so the
		// synthesizer reloads the voice on next use.
		v.cmd.Process.Kill()
		return ctx.Err()
	}
	return nil
}

func (v *piperVoice) Close() error {
	v.stdin.Close()
	<-v.done
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
