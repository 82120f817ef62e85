package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aegis-control/plane/pkg/apierror"
	"github.com/aegis-control/plane/pkg/audit"
	"github.com/aegis-control/plane/pkg/gate"
	"github.com/aegis-control/plane/pkg/ratelimit"
)

// Server binds the Verification Engine, admission control, and an
// optional lock-protocol handler to the §6 HTTP wire protocol.
type Server struct {
	engine      *gate.Engine
	workers     *WorkerPool
	limiter     ratelimit.Store
	limitPolicy ratelimit.Policy
	lockHandler http.Handler // optional; serves /locks/*, nil if this node has no arbiter
}

// NewServer constructs a Server. lockHandler may be nil if this ingress
// node does not front an arbiter.Node.
func NewServer(engine *gate.Engine, workers *WorkerPool, limiter ratelimit.Store, limitPolicy ratelimit.Policy, lockHandler http.Handler) *Server {
	return &Server{engine: engine, workers: workers, limiter: limiter, limitPolicy: limitPolicy, lockHandler: lockHandler}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/verify" && r.Method == http.MethodPost:
		s.verify(w, r)
	case r.URL.Path == "/policies" && r.Method == http.MethodPost:
		s.installPolicy(w, r)
	case r.URL.Path == "/policies" && r.Method == http.MethodGet:
		s.listPolicies(w, r)
	case strings.HasPrefix(r.URL.Path, "/policies/") && r.Method == http.MethodDelete:
		s.unregisterPolicy(w, r)
	case strings.HasPrefix(r.URL.Path, "/locks/"):
		if s.lockHandler == nil {
			apierror.Write(w, r, apierror.KindUnavailable, "no lock coordinator configured on this node")
			return
		}
		s.lockHandler.ServeHTTP(w, r)
	default:
		apierror.Write(w, r, apierror.KindBadRequest, "unknown route")
	}
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, "invalid JSON body") // §4.5 step 1: no side effects
		return
	}
	if req.AgentID == "" || req.Action == "" {
		apierror.Write(w, r, apierror.KindBadRequest, "agentId and action are required")
		return
	}

	if err := ratelimit.EvaluateAdmission(r.Context(), s.limiter, req.AgentID, s.limitPolicy); err != nil {
		var rateLimited *ratelimit.ErrRateLimited
		if errors.As(err, &rateLimited) {
			apierror.Write(w, r, apierror.KindOverloaded, err.Error())
			return
		}
		apierror.Write(w, r, apierror.KindOverloaded, "admission control unavailable")
		return
	}

	var result gate.Result
	submitErr := s.workers.Submit(req.routeKey(), func() error {
		res, err := s.engine.Verify(r.Context(), req.toGateRequest())
		result = res
		return err
	})

	if errors.Is(submitErr, ErrOverloaded) || errors.Is(submitErr, audit.ErrQueueFull) {
		apierror.Write(w, r, apierror.KindOverloaded, submitErr.Error())
		return
	}
	if submitErr != nil {
		apierror.Write(w, r, apierror.KindUnavailable, submitErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, toVerifyResponse(result))
}

func (s *Server) installPolicy(w http.ResponseWriter, r *http.Request) {
	var dto policyDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.RegisterPolicy(dto.toPolicy()); err != nil {
		apierror.Write(w, r, apierror.KindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.engine.ListPolicies()
	dtos := make([]policyDTO, 0, len(policies))
	for _, p := range policies {
		dtos = append(dtos, fromPolicy(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) unregisterPolicy(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/policies/")
	if id == "" {
		apierror.Write(w, r, apierror.KindBadRequest, "missing policy id")
		return
	}
	s.engine.UnregisterPolicy(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
