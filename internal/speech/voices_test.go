package speech

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

func TestParseVoiceName(t *testing.T) {
	tests := []struct {
		name    string
		want    VoicePath
		wantErr bool
	}{
		{
			name: "zh_CN-huayan-medium",
			want: VoicePath{Name: "zh_CN-huayan-medium", Lang: "zh", Locale: "zh_CN", Speaker: "huayan", Quality: "medium"},
		},
		{
			name: "en_US-lessac-medium",
			want: VoicePath{Name: "en_US-lessac-medium", Lang: "en", Locale: "en_US", Speaker: "lessac", Quality: "medium"},
		},
		{name: "huayan-medium", wantErr: true},
		{name: "zh-huayan-medium", wantErr: true},
		{name: "zh_CN--medium", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVoiceName(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

const sidecar = `{"audio":{"sample_rate":16000},"num_speakers":1,"language":{"code":"en_US"}}`

// voiceServer serves a repository layout and counts requests per file.
func voiceServer(t *testing.T, failModel bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/en/en_US/lessac/medium/en_US-lessac-medium.onnx" &&
			r.URL.Path != "/en/en_US/lessac/medium/en_US-lessac-medium.onnx.json" {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".json") {
			w.Write([]byte(sidecar))
			return
		}
		if failModel {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("onnx-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDownloadAndEnsure(t *testing.T) {
	srv, hits := voiceServer(t, false)
	dir := t.TempDir()
	store := NewVoiceStore(dir, logger.Nop(), WithRepository(srv.URL+"/"))

	m, err := store.Ensure(context.Background(), "en_US-lessac-medium")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	wantModel := filepath.Join(dir, "en", "en_US", "lessac", "medium", "en_US-lessac-medium.onnx")
	if m.ModelPath != wantModel || m.ConfigPath != wantModel+".json" {
		t.Fatalf("unexpected paths: %+v", m)
	}
	if m.Meta.Audio.SampleRate != 16000 || m.Meta.NumSpeakers != 1 || m.Meta.Language.Code != "en_US" {
		t.Fatalf("unexpected meta: %+v", m.Meta)
	}

	// A second Ensure finds the voice on disk.
	before := hits.Load()
	if _, err := store.Ensure(context.Background(), "en_US-lessac-medium"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != before {
		t.Fatal("voice present on disk was downloaded again")
	}
}

func TestDownloadSkipsPresentArtifacts(t *testing.T) {
	srv, hits := voiceServer(t, false)
	dir := t.TempDir()
	vdir := filepath.Join(dir, "en", "en_US", "lessac", "medium")
	os.MkdirAll(vdir, 0o755)
	os.WriteFile(filepath.Join(vdir, "en_US-lessac-medium.onnx"), []byte("local"), 0o644)

	store := NewVoiceStore(dir, logger.Nop(), WithRepository(srv.URL))
	if _, err := store.Download(context.Background(), "en_US-lessac-medium"); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("made %d requests, want 1 (sidecar only)", n)
	}
	data, _ := os.ReadFile(filepath.Join(vdir, "en_US-lessac-medium.onnx"))
	if string(data) != "local" {
		t.Fatal("existing model overwritten")
	}
}

func TestDownloadFailureLeavesNoPartialFiles(t *testing.T) {
	srv, _ := voiceServer(t, true)
	dir := t.TempDir()
	store := NewVoiceStore(dir, logger.Nop(), WithRepository(srv.URL))

	_, err := store.Download(context.Background(), "en_US-lessac-medium")
	if !errors.Is(err, domain.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}

	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			t.Errorf("unexpected file left behind: %s", path)
		}
		return nil
	})
	if _, ok := store.Find("en_US-lessac-medium"); ok {
		t.Fatal("failed download is findable")
	}
}

func TestDownloadRejectsBadName(t *testing.T) {
	store := NewVoiceStore(t.TempDir(), logger.Nop())
	if _, err := store.Download(context.Background(), "nonsense"); !errors.Is(err, domain.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
}

func TestFindSearchesExtraRootsAndNeedsSidecar(t *testing.T) {
	primary := t.TempDir()
	extra := t.TempDir()

	nested := filepath.Join(extra, "voices", "zh")
	os.MkdirAll(nested, 0o755)
	model := filepath.Join(nested, "zh_CN-huayan-medium.onnx")
	os.WriteFile(model, []byte("onnx"), 0o644)

	store := NewVoiceStore(primary, logger.Nop(), WithSearchRoots(extra, filepath.Join(primary, "missing")))
	if _, ok := store.Find("zh_CN-huayan-medium"); ok {
		t.Fatal("model without sidecar reported as found")
	}

	os.WriteFile(model+".json", []byte(sidecar), 0o644)
	m, ok := store.Find("zh_CN-huayan-medium")
	if !ok {
		t.Fatal("model in extra root not found")
	}
	if m.ModelPath != model {
		t.Fatalf("ModelPath = %s, want %s", m.ModelPath, model)
	}
}
