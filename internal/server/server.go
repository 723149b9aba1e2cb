// Package server exposes the command pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/spinegate/internal/app"
	"github.com/ppiankov/spinegate/internal/audit"
	"github.com/ppiankov/spinegate/internal/command"
	"github.com/ppiankov/spinegate/internal/confirm"
	"github.com/ppiankov/spinegate/internal/model"
)

const maxBodyBytes = 1 << 20

// Server serves the HTTP API.
type Server struct {
	app     *app.App
	auth    *Authenticator
	limiter *actorLimiter
	logger  *zap.Logger
	http    *http.Server
}

// New builds a server from a wired App. Auth and rate limits come from the
// App's configuration.
func New(a *app.App) *Server {
	cfg := a.Config
	s := &Server{
		app:     a,
		auth:    NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		limiter: newActorLimiter(cfg.Limits.RPS, cfg.Limits.Burst),
		logger:  a.Logger.Named("http"),
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/commands", s.handleCommand)
	mux.HandleFunc("GET /v1/pending", s.handlePending)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	return s.auth.Middleware("/healthz")(mux)
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.ServeOn(ctx, lis)
}

// ServeOn serves on lis until ctx is cancelled.
func (s *Server) ServeOn(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(lis) }()

	s.logger.Info("listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "policy_hash": s.app.Policy.Hash()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, model.CodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	claims, authed := claimsFrom(r.Context())
	if authed {
		req.Context.UserID = claims.Subject
		req.Context.Role = claims.Role
		req.Context.TenantID = claims.TenantID
		req.Context.Attrs = claims.Attrs
	}

	if !s.limiter.Allow(actorKey(claims, r)) {
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeError(w, http.StatusTooManyRequests, model.CodeRateLimited, "too many requests")
		return
	}

	resp := s.app.Handler.Handle(r.Context(), req)
	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == model.CodeBadRequest {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

type pendingResponse struct {
	Pending []confirm.Record `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.Ledger.List(r.Context())
	if err != nil {
		s.logger.Error("list pending confirmations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "cannot list pending confirmations")
		return
	}
	claims, scoped := claimsFrom(r.Context())
	out := make([]confirm.Record, 0, len(records))
	for _, rec := range records {
		if scoped && rec.TenantID != claims.TenantID {
			continue
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, pendingResponse{Pending: out})
}

type verifyResponse struct {
	Valid  bool                 `json:"valid"`
	Chains []audit.VerifyResult `json:"chains"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var (
		results []audit.VerifyResult
		err     error
	)
	if chain := r.URL.Query().Get("chain"); chain != "" {
		var res audit.VerifyResult
		res, err = audit.VerifyChain(r.Context(), s.app.Chain, chain)
		results = []audit.VerifyResult{res}
	} else {
		results, err = audit.VerifyAll(r.Context(), s.app.Chain)
	}
	if err != nil {
		s.logger.Error("verify audit chain", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "cannot read audit chain")
		return
	}

	out := verifyResponse{Valid: true, Chains: results}
	if out.Chains == nil {
		out.Chains = []audit.VerifyResult{}
	}
	for _, res := range results {
		if !res.Valid {
			out.Valid = false
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// actorKey keys the rate limiter on the authenticated subject, falling back
// to the remote host. Body-supplied identity is never trusted here.
func actorKey(claims *Claims, r *http.Request) string {
	if claims != nil {
		return claims.TenantID + "/" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, command.Response{Error: &model.Error{Code: code, Message: msg}})
}
