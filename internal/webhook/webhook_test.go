package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
	custom []string
	reject bool
}

func (f *fakeNotifier) SendGitHub(_ context.Context, ev domain.NotificationEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return !f.reject
}

func (f *fakeNotifier) SendCustom(_ context.Context, msg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custom = append(f.custom, msg)
	return !f.reject
}

const workflowRunSuccess = `{
  "action": "completed",
  "workflow_run": {
    "name": "CI",
    "conclusion": "success",
    "html_url": "https://github.com/user/repo/actions/runs/1",
    "repository": {"full_name": "user/repo"}
  }
}`

func doGitHub(t *testing.T, s *Server, event, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestGitHubWorkflowRunSuccess(t *testing.T) {
	n := &fakeNotifier{}
	s := New(n, logger.Nop())

	rec, out := doGitHub(t, s, EventWorkflowRun, workflowRunSuccess, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", out["status"])
	assert.Equal(t, true, out["notification_sent"])
	assert.Equal(t, "CI", out["workflow"])
	assert.Equal(t, "success", out["conclusion"])

	require.Len(t, n.events, 1)
	assert.Equal(t, domain.NotificationEvent{
		Kind:       domain.SourceWorkflowRun,
		Repo:       "user/repo",
		Subject:    "CI",
		Conclusion: "success",
		URL:        "https://github.com/user/repo/actions/runs/1",
	}, n.events[0])
}

func TestGitHubJobAndCheckUseTopLevelRepository(t *testing.T) {
	tests := []struct {
		event string
		body  string
		key   string
		kind  domain.SourceKind
	}{
		{EventWorkflowJob, `{"action":"completed","repository":{"full_name":"org/svc"},"workflow_job":{"name":"build","conclusion":"failure"}}`, "job", domain.SourceWorkflowJob},
		{EventCheckRun, `{"action":"completed","repository":{"full_name":"org/svc"},"check_run":{"name":"lint","conclusion":"failure"}}`, "check", domain.SourceCheckRun},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			n := &fakeNotifier{reject: true}
			s := New(n, logger.Nop())

			_, out := doGitHub(t, s, tt.event, tt.body, nil)
			assert.Equal(t, "processed", out["status"])
			assert.Equal(t, false, out["notification_sent"])
			assert.Contains(t, out, tt.key)
			require.Len(t, n.events, 1)
			assert.Equal(t, "org/svc", n.events[0].Repo)
			assert.Equal(t, tt.kind, n.events[0].Kind)
			assert.Equal(t, "failure", n.events[0].Conclusion)
		})
	}
}

func TestGitHubDefaults(t *testing.T) {
	n := &fakeNotifier{}
	s := New(n, logger.Nop())

	_, out := doGitHub(t, s, EventWorkflowRun, `{"action":"completed","workflow_run":{"conclusion":null}}`, nil)
	assert.Equal(t, "Unknown", out["workflow"])
	assert.Equal(t, "unknown", out["conclusion"])
	require.Len(t, n.events, 1)
	assert.Equal(t, "Unknown", n.events[0].Repo)
	assert.Empty(t, n.events[0].URL)
}

func TestGitHubIgnored(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
		want  map[string]any
	}{
		{"unsupported event", "push", `{}`, map[string]any{"status": "ignored", "event": "push"}},
		{"missing event", "", `{}`, map[string]any{"status": "ignored", "event": nil}},
		{"in progress", EventWorkflowRun, `{"action":"in_progress"}`, map[string]any{"status": "ignored", "action": "in_progress"}},
		{"no action", EventCheckRun, `{}`, map[string]any{"status": "ignored", "action": nil}},
		{"ping", EventPing, `{"zen":"Keep it simple"}`, map[string]any{"status": "pong"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNotifier{}
			s := New(n, logger.Nop())
			rec, out := doGitHub(t, s, tt.event, tt.body, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, out)
			assert.Empty(t, n.events)
		})
	}
}

func TestGitHubInvalidJSON(t *testing.T) {
	for _, body := range []string{`{not json`, `[1,2,3]`, `"text"`} {
		n := &fakeNotifier{}
		s := New(n, logger.Nop())
		rec, out := doGitHub(t, s, EventWorkflowRun, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Invalid JSON payload", out["detail"])
		assert.Empty(t, n.events)
	}
}

func TestGitHubSignature(t *testing.T) {
	const secret = "s3cret"
	payload := []byte(workflowRunSuccess)
	valid := Sign(payload, secret)

	mutated := []byte(valid)
	last := len(mutated) - 1
	if mutated[last] == '0' {
		mutated[last] = '1'
	} else {
		mutated[last] = '0'
	}

	tests := []struct {
		name   string
		header string
		body   []byte
		ok     bool
	}{
		{"valid", valid, payload, true},
		{"missing", "", payload, false},
		{"wrong prefix", strings.Replace(valid, "sha256=", "sha1=", 1), payload, false},
		{"mutated signature", string(mutated), payload, false},
		{"mutated body", valid, append(bytes.Clone(payload[:len(payload)-1]), ' '), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, VerifySignature(tt.body, tt.header, secret))

			n := &fakeNotifier{}
			s := New(n, logger.Nop(), WithGitHubSecret(secret))
			header := map[string]string{}
			if tt.header != "" {
				header["X-Hub-Signature-256"] = tt.header
			}
			rec, out := doGitHub(t, s, EventWorkflowRun, string(tt.body), header)
			if tt.ok {
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.Len(t, n.events, 1)
				return
			}
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Invalid signature", out["detail"])
			assert.Empty(t, n.events)
		})
	}
}

func doCustom(t *testing.T, s *Server, body string, key *string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/custom", strings.NewReader(body))
	if key != nil {
		req.Header.Set("X-API-Key", *key)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func strPtr(s string) *string { return &s }

func TestCustomAuth(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		key    *string
		status int
		detail string
	}{
		{"no secret configured", "", nil, http.StatusOK, ""},
		{"valid key", "k", strPtr("k"), http.StatusOK, ""},
		{"missing key", "k", nil, http.StatusUnauthorized, "Missing X-API-Key header"},
		{"wrong key", "k", strPtr("x"), http.StatusForbidden, "Invalid API key"},
		{"empty key", "k", strPtr(""), http.StatusForbidden, "Invalid API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNotifier{}
			s := New(n, logger.Nop(), WithAPISecret(tt.secret))
			rec, out := doCustom(t, s, `{"message":"部署完成"}`, tt.key)
			require.Equal(t, tt.status, rec.Code)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, out["detail"])
				assert.Empty(t, n.custom)
				return
			}
			assert.Equal(t, map[string]any{"status": "processed", "notification_sent": true, "message": "部署完成"}, out)
			assert.Equal(t, []string{"部署完成"}, n.custom)
		})
	}
}

func TestCustomBadRequests(t *testing.T) {
	for _, body := range []string{`nope`, `{}`, `{"message":""}`, `{"message":"   "}`, `{"message":null}`} {
		n := &fakeNotifier{}
		s := New(n, logger.Nop())
		rec, _ := doCustom(t, s, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Empty(t, n.custom)
	}
}

func TestServiceEndpoints(t *testing.T) {
	s := New(&fakeNotifier{}, logger.Nop(), WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{
		"service": "Xiaomi Speaker Notification Service",
		"version": "1.2.3",
		"endpoints": {"health": "/health", "github_webhook": "/webhook/github", "custom_notification": "/webhook/custom"}
	}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRateLimit(t *testing.T) {
	n := &fakeNotifier{}
	s := New(n, logger.Nop(), WithRateLimit(1))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/custom", strings.NewReader(`{"message":"hi"}`)))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)

	// Health checks are not limited.
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOversizedBodyRejected(t *testing.T) {
	n := &fakeNotifier{}
	s := New(n, logger.Nop())
	huge := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`

	rec, out := doGitHub(t, s, "workflow_run", huge, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large", out["detail"])

	rec, out = doCustom(t, s, huge, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Payload too large", out["detail"])

	assert.Empty(t, n.events)
	assert.Empty(t, n.custom)
}
