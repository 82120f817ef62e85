package arbiter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aegis-control/plane/pkg/apierror"
)

// Handler implements the §6 wire protocol for locks as a plain
// http.Handler, path-routed the way a small control-plane service
// routes without a framework.
type Handler struct {
	node  *Node
	guard *LoopGuard
}

// NewHandler returns an http.Handler bound to node.
func NewHandler(node *Node) *Handler { return &Handler{node: node} }

// WithLoopGuard attaches a LoopGuard that every acquire request carrying
// a correlation path is checked against before it reaches the lock
// table, rejecting requests that would extend a looping or
// over-budget agent-to-agent chain.
func (h *Handler) WithLoopGuard(g *LoopGuard) *Handler {
	h.guard = g
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/locks/")
	if path == "" || path == r.URL.Path {
		apierror.Write(w, r, apierror.KindBadRequest, "missing resource path")
		return
	}

	segments := strings.Split(path, "/")
	resource := segments[0]
	if resource == "" {
		apierror.Write(w, r, apierror.KindBadRequest, "missing resource name")
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		h.query(w, r, resource)
	case len(segments) == 2 && r.Method == http.MethodPost && segments[1] == "acquire":
		h.acquire(w, r, resource)
	case len(segments) == 2 && r.Method == http.MethodPost && segments[1] == "release":
		h.release(w, r, resource)
	case len(segments) == 2 && r.Method == http.MethodPost && segments[1] == "heartbeat":
		h.heartbeat(w, r, resource)
	default:
		apierror.Write(w, r, apierror.KindBadRequest, "unknown lock route")
	}
}

type acquireRequest struct {
	Agent         string   `json:"agent"`
	Priority      int      `json:"priority"`
	TTLMs         int64    `json:"ttlMs"`
	CorrelationID string   `json:"correlationId,omitempty"`
	AgentPath     []string `json:"agentPath,omitempty"`
	Cost          float64  `json:"cost,omitempty"`
}

type agentRequest struct {
	Agent string `json:"agent"`
}

func (h *Handler) acquire(w http.ResponseWriter, r *http.Request, resource string) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, "invalid JSON body")
		return
	}
	if req.Agent == "" {
		apierror.Write(w, r, apierror.KindBadRequest, "agent is required")
		return
	}

	if h.guard != nil && len(req.AgentPath) > 0 {
		msg := NewTrackedMessage(resource, req.CorrelationID, req.AgentPath[0])
		msg.AgentPath = req.AgentPath
		msg.HopCount = uint8(len(req.AgentPath) - 1)
		msg.AccumulatedCost = req.Cost
		if err := h.guard.Check(msg); err != nil {
			apierror.Write(w, r, apierror.KindBadRequest, err.Error())
			return
		}
	}

	_, err := h.node.Acquire(resource, req.Agent, req.Priority, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		writeLockError(w, r, err)
		return
	}

	state := h.node.Query(resource)
	writeJSON(w, http.StatusOK, lockStateResponse(state))
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request, resource string) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, "invalid JSON body")
		return
	}

	_, err := h.node.Release(resource, req.Agent)
	if err != nil && !errors.Is(err, ErrNotHolder) {
		// Release is idempotent per §6; a not-holder release is not an
		// error here and gets the same 200 "released" reply, since no
		// state was corrupted.
		writeLockError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, resource string) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, "invalid JSON body")
		return
	}

	_, err := h.node.Heartbeat(resource, req.Agent, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		writeLockError(w, r, err)
		return
	}
	state := h.node.Query(resource)
	writeJSON(w, http.StatusOK, lockStateResponse(state))
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request, resource string) {
	state := h.node.Query(resource)
	writeJSON(w, http.StatusOK, lockStateResponse(state))
}

func lockStateResponse(state *LockState) map[string]any {
	if state == nil {
		return map[string]any{"holder": nil}
	}
	return map[string]any{
		"holder":    state.Holder,
		"priority":  state.Priority,
		"expiresAt": state.ExpiresAt,
	}
}

func writeLockError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrHeld):
		apierror.Write(w, r, apierror.KindHeld, err.Error())
	case errors.Is(err, ErrLost):
		apierror.Write(w, r, apierror.KindLost, err.Error())
	case errors.Is(err, ErrNotHolder):
		apierror.Write(w, r, apierror.KindHeld, err.Error())
	case errors.Is(err, ErrRedirect):
		apierror.Write(w, r, apierror.KindRedirect, err.Error())
	case errors.Is(err, ErrUnavailable):
		apierror.Write(w, r, apierror.KindUnavailable, err.Error())
	default:
		apierror.WriteInternal(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
