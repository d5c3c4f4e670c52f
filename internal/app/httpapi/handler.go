// Package httpapi exposes the coordinator's REST surface. Handlers only move
// ciphertext and status records; plaintext credentials and prompts are
// consumed by the services and never echoed back.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sealedai/relay/internal/app/domain/prompt"
	"github.com/sealedai/relay/internal/app/domain/session"
	"github.com/sealedai/relay/internal/app/metrics"
	oraclesvc "github.com/sealedai/relay/internal/app/services/oracle"
	"github.com/sealedai/relay/internal/app/services/sessions"
	"github.com/sealedai/relay/internal/app/storage"
	"github.com/sealedai/relay/pkg/logger"
	"github.com/sealedai/relay/tee/types"
)

const (
	maxRequestBody  = 1 << 20 // 1MiB
	defaultAwait    = 30 * time.Second
	maxAwaitTimeout = 2 * time.Minute
)

// Config wires the HTTP handler.
type Config struct {
	Sessions *sessions.Service
	Oracle   *oraclesvc.Service
	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret []byte
	// RatePerSecond and Burst bound each caller's request rate.
	RatePerSecond float64
	Burst         int
	// AuditMax caps the in-memory audit ring; AuditFile optionally persists
	// entries as JSONL.
	AuditMax  int
	AuditFile string
	Log       *logger.Logger
}

type handler struct {
	sessions *sessions.Service
	oracle   *oraclesvc.Service
	audit    *auditLog
	log      *logger.Logger
}

// NewHandler builds the full middleware chain around the API routes.
func NewHandler(cfg Config) (http.Handler, error) {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, err
	}

	h := &handler{
		sessions: cfg.Sessions,
		oracle:   cfg.Oracle,
		audit:    newAuditLog(cfg.AuditMax, sink),
		log:      log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.revokeSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/key", h.claimKey).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/usage", h.sessionUsage).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/prompts", h.submitPrompt).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/prompts", h.listPrompts).Methods(http.MethodGet)
	r.HandleFunc("/prompts/{id}", h.getPrompt).Methods(http.MethodGet)
	r.HandleFunc("/prompts/{id}/await", h.awaitPrompt).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	rateLimit := NewRateLimiter(cfg.RatePerSecond, cfg.Burst)
	auth := NewAuthMiddleware(cfg.JWTSecret, log, []string{"/health", "/metrics"})

	var chained http.Handler = r
	chained = h.auditMiddleware(chained)
	chained = rateLimit.Handler(chained)
	chained = auth.Handler(chained)
	chained = metrics.InstrumentHandler(chained)
	return chained, nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- sessions ---------------------------------------------------------------

type createSessionRequest struct {
	Provider   string `json:"provider"`
	Credential string `json:"credential"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	RetainKey  bool   `json:"retain_key,omitempty"`
}

type sessionResponse struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func toSessionResponse(sess session.Session) sessionResponse {
	return sessionResponse{
		ID:            sess.ID,
		Provider:      sess.Provider,
		Status:        string(sess.Status),
		ExpiresAt:     sess.ExpiresAt,
		CreatedAt:     sess.CreatedAt,
		ActivatedAt:   sess.ActivatedAt,
		FailureReason: sess.FailureReason,
	}
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	result, err := h.sessions.Create(r.Context(), sessions.CreateInput{
		OwnerID:    OwnerFromContext(r.Context()),
		Provider:   req.Provider,
		Credential: req.Credential,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		RetainKey:  req.RetainKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSessionResponse(result.Session))
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context(), OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), mux.Vars(r)["id"], OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (h *handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Revoke(r.Context(), mux.Vars(r)["id"], OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type keyResponse struct {
	SessionID string    `json:"session_id"`
	Key       []byte    `json:"key"`
	Nonce     []byte    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *handler) claimKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key, err := h.sessions.ClaimKey(r.Context(), id, OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{
		SessionID: id,
		Key:       key.Key,
		Nonce:     key.Nonce,
		CreatedAt: key.CreatedAt,
	})
}

func (h *handler) sessionUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessions.Get(r.Context(), id, OwnerFromContext(r.Context())); err != nil {
		h.writeServiceError(w, err)
		return
	}
	usage, err := h.oracle.SessionUsage(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// --- prompts ----------------------------------------------------------------

type submitPromptRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type promptResponse struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id"`
	Status            string       `json:"status"`
	Provider          string       `json:"provider"`
	Model             string       `json:"model,omitempty"`
	EncryptedResponse []byte       `json:"encrypted_response,omitempty"`
	IV                []byte       `json:"iv,omitempty"`
	Proof             *types.Proof `json:"proof,omitempty"`
	Usage             types.Usage  `json:"usage"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

func toPromptResponse(p prompt.Prompt) promptResponse {
	return promptResponse{
		ID:                p.ID,
		SessionID:         p.SessionID,
		Status:            string(p.Status),
		Provider:          p.Provider,
		Model:             p.Model,
		EncryptedResponse: p.EncryptedResponse,
		IV:                p.IV,
		Proof:             p.Proof,
		Usage:             p.Usage,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
		CompletedAt:       p.CompletedAt,
	}
}

func (h *handler) submitPrompt(w http.ResponseWriter, r *http.Request) {
	var req submitPromptRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt text is required")
		return
	}

	p, err := h.oracle.Submit(r.Context(), oraclesvc.SubmitInput{
		SessionID:   mux.Vars(r)["id"],
		OwnerID:     OwnerFromContext(r.Context()),
		Prompt:      req.Prompt,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toPromptResponse(p))
}

func (h *handler) listPrompts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessions.Get(r.Context(), id, OwnerFromContext(r.Context())); err != nil {
		h.writeServiceError(w, err)
		return
	}
	list, err := h.oracle.List(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]promptResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPromptResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.oracle.Get(r.Context(), mux.Vars(r)["id"], OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromptResponse(p))
}

func (h *handler) awaitPrompt(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwait
	if raw := r.URL.Query().Get("timeout_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "timeout_seconds must be a positive integer")
			return
		}
		timeout = time.Duration(secs) * time.Second
		if timeout > maxAwaitTimeout {
			timeout = maxAwaitTimeout
		}
	}

	p, err := h.oracle.Await(r.Context(), mux.Vars(r)["id"], OwnerFromContext(r.Context()), timeout)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromptResponse(p))
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// --- middleware and helpers -------------------------------------------------

func (h *handler) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Owner:      OwnerFromContext(r.Context()),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrSessionExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, types.ErrSessionNotActive), errors.Is(err, types.ErrKeyClaimed), errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrMissingCredential):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBody))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
