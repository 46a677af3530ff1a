package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sshbox/sshbox/internal/broker"
	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/metrics"
	"github.com/sshbox/sshbox/internal/provisioner"
	"github.com/sshbox/sshbox/internal/token"
)

// Wired from main at startup.
var (
	Broker  *broker.Broker
	Metrics *metrics.Collector
)

type sessionRequest struct {
	Token     string `json:"token"`
	PublicKey string `json:"pubkey"`
	Profile   string `json:"profile"`
	TTL       int    `json:"ttl"`
}

type sessionListEntry struct {
	SessionID string `json:"session_id"`
	Profile   string `json:"profile"`
	Backend   string `json:"backend"`
	Status    string `json:"status"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	User      string `json:"user,omitempty"`
	TTL       int    `json:"ttl"`
	TimeLeft  int    `json:"time_left"`
	CreatedAt string `json:"created_at"`
}

// RequestSession redeems an invite token and provisions a box.
func RequestSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Metrics.IncRequest("request", false)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" || req.PublicKey == "" {
		Metrics.IncRequest("request", false)
		writeError(w, http.StatusBadRequest, "token and pubkey are required")
		return
	}

	info, err := Broker.Request(r.Context(), broker.RequestParams{
		Token:     req.Token,
		PublicKey: req.PublicKey,
		Profile:   req.Profile,
		TTL:       req.TTL,
	})
	if err != nil {
		Metrics.IncRequest("request", false)
		writeError(w, requestErrStatus(err), err.Error())
		return
	}

	Metrics.IncRequest("request", true)
	writeJSON(w, http.StatusOK, info)
}

func requestErrStatus(err error) int {
	switch {
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, broker.ErrUnknownProfile),
		errors.Is(err, broker.ErrProfileMismatch),
		errors.Is(err, database.ErrInviteUsed):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrInvalidPublicKey),
		errors.Is(err, provisioner.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, provisioner.ErrBackendUnavailable),
		errors.Is(err, provisioner.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ListSessions returns sessions, optionally filtered by ?status=.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := database.ListSessions(r.URL.Query().Get("status"))
	if err != nil {
		Metrics.IncRequest("sessions", false)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	now := time.Now()
	out := make([]sessionListEntry, 0, len(sessions))
	for _, s := range sessions {
		e := sessionListEntry{
			SessionID: s.SessionID,
			Profile:   s.Profile,
			Backend:   s.Backend,
			Status:    s.Status,
			TTL:       s.TTLSeconds,
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if s.Status == database.StatusActive {
			e.Host = s.SSHHost
			e.Port = s.SSHPort
			e.User = s.SSHUser
			if s.StartedAt != nil {
				left := int(s.StartedAt.Add(time.Duration(s.TTLSeconds) * time.Second).Sub(now).Seconds())
				if left < 0 {
					left = 0
				}
				e.TimeLeft = left
			}
		}
		out = append(out, e)
	}

	Metrics.IncRequest("sessions", true)
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

type destroyRequest struct {
	SessionID string `json:"session_id"`
}

// DestroySession terminates a session on explicit request.
func DestroySession(w http.ResponseWriter, r *http.Request) {
	var req destroyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		Metrics.IncRequest("destroy", false)
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := Broker.Terminate(r.Context(), req.SessionID, "api"); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			Metrics.IncRequest("destroy", false)
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		Metrics.IncRequest("destroy", false)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	Metrics.IncRequest("destroy", true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "session_id": req.SessionID})
}

// GetMetrics serves the in-memory counters snapshot.
func GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Metrics.Snapshot())
}
