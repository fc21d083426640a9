package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/sectorwars/internal/aisecurity"
	"github.com/example/sectorwars/internal/assets"
	"github.com/example/sectorwars/internal/dialogue"
	"github.com/example/sectorwars/internal/market"
	"github.com/example/sectorwars/internal/metrics"
	"github.com/example/sectorwars/internal/nexus"
	"github.com/example/sectorwars/internal/ratelimit"
	"github.com/example/sectorwars/internal/region"
	"github.com/example/sectorwars/internal/store"
	"github.com/example/sectorwars/internal/travel"
	"github.com/example/sectorwars/internal/warpgate"
)

var (
	errBadRequest   = errors.New("bad request")
	errForbidden    = errors.New("forbidden")
	errNotFound     = errors.New("not found")
	errUnauthorized = errors.New("unauthorized")
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, region.ErrInvalid),
		errors.Is(err, region.ErrReservedName),
		errors.Is(err, market.ErrInvalidOrder),
		errors.Is(err, warpgate.ErrInvalidGate):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden),
		errors.Is(err, market.ErrForbidden),
		errors.Is(err, travel.ErrNotAuthorized),
		errors.Is(err, travel.ErrBadTicket):
		return http.StatusForbidden
	case errors.Is(err, errNotFound),
		errors.Is(err, region.ErrNotFound),
		errors.Is(err, region.ErrPlayerNotFound),
		errors.Is(err, travel.ErrNotFound),
		errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, region.ErrInvalidTransition),
		errors.Is(err, travel.ErrInvalidTransition),
		errors.Is(err, travel.ErrTicketExpired),
		errors.Is(err, market.ErrInTransit),
		errors.Is(err, market.ErrNothingToFill),
		errors.Is(err, nexus.ErrNoGateCapacity),
		errors.Is(err, assets.ErrInsufficientCredits):
		return http.StatusConflict
	case errors.Is(err, dialogue.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dialogue.ErrCostLimit):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (gs *GameServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		gs.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	body := map[string]any{"error": err.Error()}
	var rej *dialogue.RejectedError
	if errors.As(err, &rej) {
		body["violations"] = violationView(rej.Violations)
	}
	writeJSON(w, status, body)
}

func violationView(vs []aisecurity.Violation) []map[string]string {
	out := make([]map[string]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, map[string]string{
			"type":        string(v.Type),
			"threatLevel": string(v.Threat),
			"description": v.Description,
		})
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Hijack lets websocket upgrades pass through the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// RequestLogger logs one line per request, at warn for client errors and
// error for server errors.
func RequestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.code()
			event := logger.Info()
			if status >= 500 {
				event = logger.Error()
			} else if status >= 400 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", routePath(r)).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("client_ip", ratelimit.ClientKey(r)).
				Int("bytes", rec.bytes).
				Msg("http_request")
		})
	}
}

func RequestMetrics() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			metrics.RecordHTTPRequest(r.Method, routePath(r), rec.code(), time.Since(start))
		})
	}
}

// CORS allows browser clients from any origin and answers preflights.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
