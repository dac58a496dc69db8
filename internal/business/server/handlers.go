package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/config"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
	"github.com/healthgate/fhir-gateway/internal/session"
)

// apiServer exposes the token lifecycle over HTTP. Browser-facing routes
// identify the caller by session cookie; /auth/resolve accepts a signed
// handle instead and needs no cookie.
type apiServer struct {
	manager *session.Manager
	cookie  config.CookieTemplate
}

func newAPIServer(manager *session.Manager) *apiServer {
	return &apiServer{
		manager: manager,
		cookie:  manager.SessionCookieTemplate(),
	}
}

func (s *apiServer) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/{platform}/start", observed(cfg, "startAuth", s.handleStartAuth))
	mux.HandleFunc("GET /auth/callback", observed(cfg, "handleCallback", s.handleCallback))
	mux.HandleFunc("POST /auth/{platform}/wait", observed(cfg, "waitForAuth", s.handleWait))
	mux.HandleFunc("GET /auth/status", observed(cfg, "getStatus", s.handleStatus))
	mux.HandleFunc("GET /auth/{platform}/token", observed(cfg, "getValidToken", s.handleToken))
	mux.HandleFunc("POST /auth/{platform}/revoke", observed(cfg, "revoke", s.handleRevoke))
	mux.HandleFunc("POST /auth/{platform}/handle", observed(cfg, "issueHandle", s.handleIssueHandle))
	mux.HandleFunc("POST /auth/resolve", observed(cfg, "resolveHandle", s.handleResolve))

	return mux
}

// sessionID resolves the caller's session, minting one when allowed. The
// new session's cookie is set on the response before any body is written.
func (s *apiServer) sessionID(ctx context.Context, w http.ResponseWriter, r *http.Request, create bool) (string, error) {
	var sid string
	if c, err := r.Cookie(s.cookie.Name); err == nil {
		sid = c.Value
	}

	if !create {
		if sid == "" {
			return "", serviceerr.ErrNotFound
		}

		return sid, nil
	}

	meta, created, err := s.manager.EnsureSession(ctx, sid)
	if err != nil {
		return "", err
	}
	if created {
		http.SetCookie(w, s.cookie.ToCookie(meta.ID))
	}

	return meta.ID, nil
}

func (s *apiServer) handleStartAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, true)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	authURL, err := s.manager.StartAuth(ctx, sid, r.PathValue("platform"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *apiServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		slogctx.Warn(ctx, "Authorization denied at platform", "error", errCode)
		writeError(ctx, w, serviceerr.ErrInvalidCallbackState)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(ctx, w, serviceerr.ErrInvalidCallbackState)
		return
	}

	if _, _, err := s.manager.HandleCallback(ctx, state, code); err != nil {
		writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Authorization complete. You can close this window.\n"))
}

func (s *apiServer) handleWait(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, false)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if err := s.manager.WaitForAuth(ctx, sid, r.PathValue("platform")); err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, true)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	statuses, err := s.manager.GetStatus(ctx, sid)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{"platforms": statuses})
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
}

func toTokenResponse(rec session.TokenRecord) tokenResponse {
	resp := tokenResponse{
		AccessToken: rec.AccessToken,
		TokenType:   rec.TokenType,
		Scopes:      rec.Scopes,
	}
	if !rec.Expiry.IsZero() {
		expiry := rec.Expiry
		resp.Expiry = &expiry
	}

	return resp
}

func (s *apiServer) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, false)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	rec, err := s.manager.GetValidToken(ctx, sid, r.PathValue("platform"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, toTokenResponse(rec))
}

func (s *apiServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, false)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if err := s.manager.Revoke(ctx, sid, r.PathValue("platform")); err != nil {
		writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleIssueHandle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid, err := s.sessionID(ctx, w, r, false)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	handle, err := s.manager.IssueHandle(ctx, sid, r.PathValue("platform"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]string{"handle": handle})
}

func (s *apiServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Handle == "" {
		writeError(ctx, w, serviceerr.ErrInvalidHandle)
		return
	}

	rec, err := s.manager.ResolveHandle(ctx, req.Handle)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, toTokenResponse(rec))
}

type errorResponse struct {
	Error  string `json:"error"`
	Action string `json:"action,omitempty"`
}

// writeError maps service errors onto the HTTP surface. The action field
// tells API clients whether to re-authorize or retry; anything else is a
// hard failure.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		status int
		body   errorResponse
	)

	switch {
	case errors.Is(err, serviceerr.ErrAuthRequired):
		status, body = http.StatusUnauthorized, errorResponse{Error: "authorization_required", Action: "re-authorize"}
	case errors.Is(err, serviceerr.ErrInvalidHandle):
		status, body = http.StatusUnauthorized, errorResponse{Error: "invalid_handle", Action: "re-authorize"}
	case errors.Is(err, serviceerr.ErrInvalidCallbackState):
		status, body = http.StatusBadRequest, errorResponse{Error: "invalid_callback_state", Action: "re-authorize"}
	case errors.Is(err, serviceerr.ErrNotFound):
		status, body = http.StatusNotFound, errorResponse{Error: "not_found"}
	case errors.Is(err, serviceerr.ErrRefreshInProgress):
		status, body = http.StatusServiceUnavailable, errorResponse{Error: "refresh_in_progress", Action: "retry"}
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, serviceerr.ErrUpstreamUnavailable):
		status, body = http.StatusBadGateway, errorResponse{Error: "platform_unavailable", Action: "retry"}
	case errors.Is(err, serviceerr.ErrExchangeFailed):
		status, body = http.StatusBadGateway, errorResponse{Error: "exchange_failed", Action: "re-authorize"}
	case errors.Is(err, serviceerr.ErrWaitTimeout):
		status, body = http.StatusRequestTimeout, errorResponse{Error: "wait_timeout", Action: "retry"}
	case errors.Is(err, context.Canceled):
		status, body = 499, errorResponse{Error: "client_closed_request"}
	default:
		slogctx.Error(ctx, "Unhandled service error", "error", err)
		status, body = http.StatusInternalServerError, errorResponse{Error: "internal"}
	}

	writeJSON(ctx, w, status, body)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogctx.Error(ctx, "Failed to encode response body", "error", err)
	}
}
