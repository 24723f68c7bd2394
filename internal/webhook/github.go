package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
)

// GitHub events that produce notifications.
const (
	EventWorkflowRun = "workflow_run"
	EventWorkflowJob = "workflow_job"
	EventCheckRun    = "check_run"
	EventPing        = "ping"
)

const (
	actionCompleted = "completed"

	unknownName       = "Unknown"
	unknownConclusion = "unknown"
	unknownRepo       = "Unknown"
)

type repository struct {
	FullName string `json:"full_name"`
}

// runInfo is the part shared by workflow_run, workflow_job and check_run
// objects.
type runInfo struct {
	Name       string      `json:"name"`
	Conclusion string      `json:"conclusion"`
	HTMLURL    string      `json:"html_url"`
	Repository *repository `json:"repository"`
}

type githubPayload struct {
	Action      *string     `json:"action"`
	Repository  *repository `json:"repository"`
	WorkflowRun *runInfo    `json:"workflow_run"`
	WorkflowJob *runInfo    `json:"workflow_job"`
	CheckRun    *runInfo    `json:"check_run"`
}

// subjectKeys names the response field carrying the subject per event.
var subjectKeys = map[string]string{
	EventWorkflowRun: "workflow",
	EventWorkflowJob: "job",
	EventCheckRun:    "check",
}

var errNotObject = errors.New("payload is not a JSON object")

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if s.githubSecret != "" && !VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), s.githubSecret) {
		s.log.Warn("invalid webhook signature")
		webhookEvents.WithLabelValues("unknown", "unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	payload, err := decodePayload(body)
	if err != nil {
		s.log.Warn("invalid JSON payload: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	s.log.Info("received GitHub webhook: %s", event)

	if event == EventPing {
		webhookEvents.WithLabelValues(event, "pong").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	key, supported := subjectKeys[event]
	if !supported {
		webhookEvents.WithLabelValues("other", "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "event": nullable(event)})
		return
	}

	if payload.Action == nil || *payload.Action != actionCompleted {
		webhookEvents.WithLabelValues(event, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "action": payload.Action})
		return
	}

	ev := extractEvent(event, payload)
	s.log.Info("%s %s completed with %s (%s)", event, ev.Subject, ev.Conclusion, ev.Repo)

	sent := s.notifier.SendGitHub(r.Context(), ev)
	webhookEvents.WithLabelValues(event, "processed").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "processed",
		"notification_sent": sent,
		key:                 ev.Subject,
		"conclusion":        ev.Conclusion,
	})
}

func decodePayload(body []byte) (*githubPayload, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errNotObject
	}
	var p githubPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// extractEvent builds the notification for a completed event. The repository
// of a workflow_run lives inside the run object; jobs and checks use the
// top-level one.
func extractEvent(event string, p *githubPayload) domain.NotificationEvent {
	var (
		info *runInfo
		repo *repository
		kind domain.SourceKind
	)
	switch event {
	case EventWorkflowRun:
		info, kind = p.WorkflowRun, domain.SourceWorkflowRun
		if info != nil {
			repo = info.Repository
		}
	case EventWorkflowJob:
		info, repo, kind = p.WorkflowJob, p.Repository, domain.SourceWorkflowJob
	case EventCheckRun:
		info, repo, kind = p.CheckRun, p.Repository, domain.SourceCheckRun
	}
	if info == nil {
		info = &runInfo{}
	}

	ev := domain.NotificationEvent{
		Kind:       kind,
		Repo:       unknownRepo,
		Subject:    orDefault(info.Name, unknownName),
		Conclusion: orDefault(info.Conclusion, unknownConclusion),
		URL:        info.HTMLURL,
	}
	if repo != nil {
		ev.Repo = orDefault(repo.FullName, unknownRepo)
	}
	return ev
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
