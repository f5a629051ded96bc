package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/domain"
)

const maxAuthBody = 16 * 1024

// TokenIssuer is the part of the session token service the HTTP boundary
// needs.
type TokenIssuer interface {
	Issue(ctx context.Context, assertion string) (auth.Issued, error)
	Refresh(token string) (auth.Issued, error)
}

// TokenResponse is the body of a successful /auth or /auth/refresh call.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Subject   string `json:"subject"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handlers serves the HTTP boundary.
type Handlers struct {
	tokens TokenIssuer
	router *Router
	log    logrus.FieldLogger
}

// NewHandler builds the chi mux for the relay.
func NewHandler(tokens TokenIssuer, router *Router, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handlers{tokens: tokens, router: router, log: log.WithField("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)

	r.Post("/auth", h.IssueHandler)
	r.Post("/auth/refresh", h.RefreshHandler)
	r.Get("/health", h.HealthHandler)
	r.Get("/ws", router.HandleWS)
	return r
}

// IssueHandler exchanges an identity assertion for a session token.
func (h *Handlers) IssueHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assertion string `json:"assertion"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	issued, err := h.tokens.Issue(r.Context(), req.Assertion)
	if err != nil {
		h.log.WithError(err).Warn("token issue refused")
		writeAuthError(w, err)
		return
	}
	h.log.WithField("owner", issued.Subject).Info("session token issued")
	writeJSON(w, http.StatusOK, tokenResponse(issued))
}

// RefreshHandler re-signs a session token within the grace window.
func (h *Handlers) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	issued, err := h.tokens.Refresh(req.Token)
	if err != nil {
		h.log.WithError(err).Info("token refresh refused")
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(issued))
}

// HealthHandler reports liveness.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tokenResponse(i auth.Issued) TokenResponse {
	return TokenResponse{Token: i.Token, ExpiresIn: i.ExpiresIn(i.IssuedAt), Subject: i.Subject}
}

// writeAuthError answers 400 for a request that could never succeed as
// sent and 401 for everything else.
func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, auth.ErrAssertionMalformed) || errors.Is(err, auth.ErrMalformed) {
		status = http.StatusBadRequest
	}
	msg := "authentication failed"
	var de *domain.Error
	if errors.As(err, &de) && de.Err != nil {
		msg = de.Err.Error()
		if errors.Is(err, auth.ErrAssertionRejected) {
			msg = auth.ErrAssertionRejected.Error()
		}
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBody)
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// accessLog records method, path, status, bytes and duration per request.
func accessLog(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     r.RemoteAddr,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("request")
		})
	}
}
