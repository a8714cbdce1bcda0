package settlementd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rivalry/gateway/auth"
	"rivalry/ledger"
	"rivalry/native/challenge"
	"rivalry/settlement"
	"rivalry/storage"
)

// Server exposes the settlement API: the two protocol triggers, a status
// endpoint for operators, and the usual health and metrics surfaces.
type Server struct {
	store  *storage.Store
	orch   *settlement.Orchestrator
	auth   *auth.Authenticator
	log    *slog.Logger
	router http.Handler
}

// NewServer wires the HTTP surface. A nil logger falls back to slog.Default.
func NewServer(store *storage.Store, orch *settlement.Orchestrator, authenticator *auth.Authenticator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{store: store, orch: orch, auth: authenticator, log: log}
	srv.router = srv.buildRouter()
	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(s.authenticate)
		protected.Post("/settlement/finalize", s.Finalize)
		protected.Post("/settlement/refund", s.Refund)
		protected.Get("/settlement/{ref}", s.Status)
	})
	return r
}

type ctxKey string

const principalKey ctxKey = "principal"

func contextWithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated caller, when present.
func PrincipalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*auth.Principal)
	return p, ok
}

// authenticate verifies the HMAC request signature before any state is
// touched. The body is re-buffered for the downstream handler.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		_ = r.Body.Close()
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.log.Warn("authentication rejected", "path", r.URL.Path, "err", err)
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		ctx := contextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type settleRequest struct {
	ChallengeRef string `json:"challengeRef"`
}

type settleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Healthz reports liveness.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Finalize triggers the finalize protocol for a challenge.
func (s *Server) Finalize(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.decodeRef(w, r)
	if !ok {
		return
	}
	s.runProtocol(w, r, ref, "finalize", s.orch.Finalize)
}

// Refund triggers the refund protocol for a challenge.
func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.decodeRef(w, r)
	if !ok {
		return
	}
	s.runProtocol(w, r, ref, "refund", s.orch.Refund)
}

func (s *Server) decodeRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	ref := strings.TrimSpace(req.ChallengeRef)
	if ref == "" {
		s.writeError(w, http.StatusBadRequest, "challengeRef required")
		return "", false
	}
	return ref, true
}

// runTimeout bounds one protocol run. Generous: every ledger operation
// already carries its own confirmation budget.
const runTimeout = 10 * time.Minute

func (s *Server) runProtocol(w http.ResponseWriter, r *http.Request, ref, protocol string, run func(ctx context.Context, ref string) error) {
	caller := "unknown"
	if principal, ok := PrincipalFrom(r.Context()); ok {
		caller = principal.APIKey
	}
	s.log.Info("settlement requested", "protocol", protocol, "challenge", ref, "caller", caller)
	// A caller disconnect must not cancel in-flight ledger operations and
	// strand the challenge in PENDING; the run continues on a detached,
	// timeout-bounded context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), runTimeout)
	defer cancel()
	err := run(ctx, ref)
	if err == nil {
		s.writeJSON(w, http.StatusOK, settleResponse{Success: true})
		return
	}
	s.log.Error("settlement run failed", "protocol", protocol, "challenge", ref, "err", err)
	s.writeJSON(w, statusFor(err), settleResponse{Success: false, Error: err.Error()})
}

// statusFor maps the settlement error taxonomy onto HTTP statuses. Precondition
// failures are the caller's problem; ledger failures are upstream conditions.
func statusFor(err error) int {
	var timeout *ledger.TimeoutError
	var txErr *ledger.TxError
	var stepErr *settlement.StepError
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, challenge.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, challenge.ErrFailed),
		errors.Is(err, challenge.ErrNotFailed),
		errors.Is(err, challenge.ErrNoSubmissions),
		errors.Is(err, challenge.ErrNoVotes):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*challenge.MissingWalletError)):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &txErr), errors.As(err, &stepErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Status returns the challenge's settlement state, payout records, and audit
// trail for operator inspection of stuck runs.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	ch, err := s.store.ChallengeByRef(r.Context(), ref)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "challenge not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "load challenge")
		return
	}
	payouts, err := s.store.PayoutsByChallenge(r.Context(), ch.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load payouts")
		return
	}
	events, err := s.store.EventsByChallenge(r.Context(), ch.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load events")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"challengeRef": ch.LedgerRef,
		"state":        ch.State,
		"payouts":      payouts,
		"events":       events,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, settleResponse{Success: false, Error: message})
}
