package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type customRequest struct {
	Message *string `json:"message"`
}

func (s *Server) handleCustom(w http.ResponseWriter, r *http.Request) {
	values := r.Header.Values("X-API-Key")
	key := ""
	if len(values) > 0 {
		key = values[0]
	}
	if err := checkAPIKey(key, len(values) > 0, s.apiSecret); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, errMissingKey) {
			status = http.StatusUnauthorized
		}
		s.log.Warn("custom notification rejected: %v", err)
		writeError(w, status, err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req customRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Message == nil || strings.TrimSpace(*req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Missing 'message' field")
		return
	}

	msg := *req.Message
	s.log.Info("received custom notification: %s", msg)
	sent := s.notifier.SendCustom(r.Context(), msg)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "processed",
		"notification_sent": sent,
		"message":           msg,
	})
}
