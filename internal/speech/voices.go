package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// VoiceStoreOption configures the VoiceStore.
type VoiceStoreOption func(*VoiceStore)

// WithRepository sets the base URL voices are downloaded from.
func WithRepository(baseURL string) VoiceStoreOption {
	return func(s *VoiceStore) {
		s.repo = strings.TrimRight(baseURL, "/")
	}
}

// WithSearchRoots adds directories that are searched after the models dir.
// Downloads always land in the models dir.
func WithSearchRoots(dirs ...string) VoiceStoreOption {
	return func(s *VoiceStore) {
		s.extraRoots = append(s.extraRoots, dirs...)
	}
}

// WithDownloadClient sets the HTTP client used for downloads.
func WithDownloadClient(c *http.Client) VoiceStoreOption {
	return func(s *VoiceStore) {
		s.httpClient = c
	}
}

// VoicePath is a voice name split into the segments of its repository path.
// "zh_CN-huayan-medium" is lang "zh", locale "zh_CN", speaker "huayan",
// quality "medium".
type VoicePath struct {
	Name    string
	Lang    string
	Locale  string
	Speaker string
	Quality string
}

// Dir is the directory of the voice relative to a repository or models root.
func (p VoicePath) Dir() string {
	return filepath.Join(p.Lang, p.Locale, p.Speaker, p.Quality)
}

// ParseVoiceName splits a Piper voice name of the form
// <locale>-<speaker>-<quality>.
func ParseVoiceName(name string) (VoicePath, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return VoicePath{}, fmt.Errorf("voice name %q is not <locale>-<speaker>-<quality>", name)
	}
	locale := parts[0]
	lang, _, ok := strings.Cut(locale, "_")
	if !ok || lang == "" {
		return VoicePath{}, fmt.Errorf("voice name %q has no <lang>_<REGION> locale", name)
	}
	return VoicePath{
		Name:    name,
		Lang:    lang,
		Locale:  locale,
		Speaker: parts[1],
		Quality: parts[2],
	}, nil
}

// VoiceMeta is the subset of the .onnx.json sidecar the service reads.
type VoiceMeta struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	NumSpeakers int `json:"num_speakers"`
	Language    struct {
		Code string `json:"code"`
	} `json:"language"`
}

// VoiceModel locates the two artifacts of a voice on disk.
type VoiceModel struct {
	Name       string
	ModelPath  string
	ConfigPath string
	Meta       VoiceMeta
}

// VoiceStore finds Piper voices on disk and fetches missing ones from the
// voice repository.
type VoiceStore struct {
	modelsDir  string
	extraRoots []string
	repo       string
	httpClient *http.Client
	log        *logger.Logger
}

// NewVoiceStore creates a store rooted at modelsDir.
func NewVoiceStore(modelsDir string, log *logger.Logger, opts ...VoiceStoreOption) *VoiceStore {
	s := &VoiceStore{
		modelsDir: modelsDir,
		repo:      DefaultVoiceRepository,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		log: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find searches every root for <name>.onnx with its sidecar next to it.
func (s *VoiceStore) Find(name string) (VoiceModel, bool) {
	target := name + ".onnx"
	for _, root := range append([]string{s.modelsDir}, s.extraRoots...) {
		var found string
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && d.Name() == target && nonEmpty(path+".json") {
				found = path
				return fs.SkipAll
			}
			return nil
		})
		if found != "" {
			s.log.Debug("voice %s found at %s", name, found)
			return VoiceModel{Name: name, ModelPath: found, ConfigPath: found + ".json"}, true
		}
	}
	return VoiceModel{}, false
}

// Ensure returns a loadable voice, downloading it if no root has it.
func (s *VoiceStore) Ensure(ctx context.Context, name string) (VoiceModel, error) {
	m, ok := s.Find(name)
	if !ok {
		s.log.Info("voice model not found locally, downloading: %s", name)
		var err error
		if m, err = s.Download(ctx, name); err != nil {
			return VoiceModel{}, err
		}
	}
	meta, err := readMeta(m.ConfigPath)
	if err != nil {
		return VoiceModel{}, fmt.Errorf("reading voice config %s: %w", m.ConfigPath, err)
	}
	m.Meta = meta
	return m, nil
}

// Download fetches the model and its sidecar into the models dir. Artifacts
// already present are skipped. Each file is written under a .part name and
// renamed only once complete.
func (s *VoiceStore) Download(ctx context.Context, name string) (VoiceModel, error) {
	vp, err := ParseVoiceName(name)
	if err != nil {
		return VoiceModel{}, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	dir := filepath.Join(s.modelsDir, vp.Dir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return VoiceModel{}, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}

	for _, file := range []string{name + ".onnx", name + ".onnx.json"} {
		dest := filepath.Join(dir, file)
		if nonEmpty(dest) {
			s.log.Debug("voice artifact already present: %s", dest)
			continue
		}
		url := s.repo + "/" + filepath.ToSlash(vp.Dir()) + "/" + file
		s.log.Info("downloading %s", url)
		if err := s.fetch(ctx, url, dest); err != nil {
			return VoiceModel{}, fmt.Errorf("%w: %s: %w", domain.ErrDownloadFailed, file, err)
		}
	}

	model := filepath.Join(dir, name+".onnx")
	s.log.Info("voice model downloaded: %s", model)
	return VoiceModel{Name: name, ModelPath: model, ConfigPath: model + ".json"}, nil
}

func (s *VoiceStore) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("empty response body")
	}
	if err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	s.log.Debug("downloaded %s (%d bytes)", dest, n)
	return nil
}

func readMeta(path string) (VoiceMeta, error) {
	var meta VoiceMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	if meta.Audio.SampleRate == 0 {
		meta.Audio.SampleRate = DefaultSampleRate
	}
	return meta, nil
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
