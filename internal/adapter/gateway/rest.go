package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"relaycore/internal/domain"
)

const maxBodyBytes = 1 << 20

// RegisterRESTHandlers mounts the REST API on s. Health and metrics stay
// public so probes and scrapers need no token.
func RegisterRESTHandlers(s *Server, b Backend, auth Authenticator, metrics http.Handler) {
	authed := func(h http.HandlerFunc) http.Handler { return authMiddleware(auth, h) }

	s.RegisterHTTPRoute("POST /api/v1/requests", authed(func(w http.ResponseWriter, r *http.Request) {
		var req domain.Request
		if !readJSON(w, r, &req) {
			return
		}
		resp, err := b.ProcessRequest(r.Context(), req)
		if err != nil {
			writeJSON(w, statusFor(err), domain.NewFailure(req.ID, err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	s.RegisterHTTPRoute("POST /api/v1/batch", authed(func(w http.ResponseWriter, r *http.Request) {
		var body BatchPayload
		if !readJSON(w, r, &body) {
			return
		}
		res, err := b.ProcessBatch(r.Context(), body.Requests)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}))

	s.RegisterHTTPRoute("GET /api/v1/stats", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.GetStatistics())
	}))

	s.RegisterHTTPRoute("GET /api/v1/pool", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, b.GetAgentPoolStatus())
	}))

	s.RegisterHTTPRoute("GET /api/v1/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hs := b.GetHealthStatus()
		status := http.StatusOK
		if hs.Status == domain.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, hs)
	}))

	if metrics != nil {
		s.RegisterHTTPRoute("GET /metrics", metrics)
	}
}

// authMiddleware accepts the token from a "token" query parameter or a
// bearer Authorization header.
func authMiddleware(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(requestToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps an orchestrator error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRPCInvalidPayload),
		errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCallTimeout),
		errors.Is(err, domain.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrAgentExecution):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrShutdown),
		errors.Is(err, domain.ErrNoAgents):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.Join(domain.ErrRPCInvalidPayload, err))
		return false
	}
	return true
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
