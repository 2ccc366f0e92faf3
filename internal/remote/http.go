package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	// BaseURL of the service, e.g. https://sync.example.com
	BaseURL string

	// FamilyID scopes every request.
	FamilyID string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64

	// Timeout bounds one request. Zero uses 15s.
	Timeout time.Duration

	// Client overrides the HTTP client, e.g. in tests.
	Client *http.Client
}

// HTTPClient talks to the REST record service.
type HTTPClient struct {
	base     *url.URL
	familyID string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

var _ API = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and builds a client. The default transport
// negotiates HTTP/2 over TLS.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.FamilyID == "" {
		return nil, fmt.Errorf("family id is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
		client = &http.Client{Transport: transport, Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPClient{
		base:     base,
		familyID: cfg.FamilyID,
		apiKey:   cfg.APIKey,
		client:   client,
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "remote")),
	}, nil
}

type eventsEnvelope struct {
	Events []EventRecord `json:"events"`
}

type subjectsEnvelope struct {
	Subjects []SubjectRecord `json:"subjects"`
}

type idsEnvelope struct {
	IDs []string `json:"ids"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) path(parts ...string) string {
	escaped := make([]string, 0, len(parts)+3)
	escaped = append(escaped, "v1", "families", url.PathEscape(c.familyID))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// do sends one request. A 404 is reported through found=false rather than
// an error.
func (c *HTTPClient) do(ctx context.Context, op, method, target string, body, out any) (found bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, Unavailable(op, err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return false, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("op", op), zap.Error(err))
		return false, Unavailable(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("remote request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, Unavailable(op, statusError(resp))
	case resp.StatusCode >= 400:
		return false, Rejected(op, statusError(resp))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, Unavailable(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return true, nil
}

func statusError(resp *http.Response) error {
	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, env.Message)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func (c *HTTPClient) GetEvents(ctx context.Context, ids []string) (map[string]EventRecord, error) {
	var env eventsEnvelope
	if _, err := c.do(ctx, "get_events", http.MethodPost, c.path("events", "lookup"), idsEnvelope{IDs: ids}, &env); err != nil {
		return nil, err
	}
	out := make(map[string]EventRecord, len(env.Events))
	for _, r := range env.Events {
		out[r.ID] = r
	}
	return out, nil
}

func (c *HTTPClient) UpsertEvents(ctx context.Context, records []EventRecord) error {
	batch := make([]EventRecord, len(records))
	for i, r := range records {
		r.FamilyID = c.familyID
		batch[i] = r
	}
	_, err := c.do(ctx, "upsert_events", http.MethodPut, c.path("events"), eventsEnvelope{Events: batch}, nil)
	return err
}

func (c *HTTPClient) DeleteEvent(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete_event", http.MethodDelete, c.path("events", id), nil, nil)
	return err
}

func (c *HTTPClient) EventsUpdatedSince(ctx context.Context, since time.Time) ([]EventRecord, error) {
	target := c.path("events") + "?updated_since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	var env eventsEnvelope
	if _, err := c.do(ctx, "events_updated_since", http.MethodGet, target, nil, &env); err != nil {
		return nil, err
	}
	return env.Events, nil
}

func (c *HTTPClient) GetSubjects(ctx context.Context, ids []string) (map[string]SubjectRecord, error) {
	var env subjectsEnvelope
	if _, err := c.do(ctx, "get_subjects", http.MethodPost, c.path("subjects", "lookup"), idsEnvelope{IDs: ids}, &env); err != nil {
		return nil, err
	}
	out := make(map[string]SubjectRecord, len(env.Subjects))
	for _, r := range env.Subjects {
		out[r.ID] = r
	}
	return out, nil
}

func (c *HTTPClient) UpsertSubjects(ctx context.Context, records []SubjectRecord) error {
	batch := make([]SubjectRecord, len(records))
	for i, r := range records {
		r.FamilyID = c.familyID
		batch[i] = r
	}
	_, err := c.do(ctx, "upsert_subjects", http.MethodPut, c.path("subjects"), subjectsEnvelope{Subjects: batch}, nil)
	return err
}

func (c *HTTPClient) DeleteSubject(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete_subject", http.MethodDelete, c.path("subjects", id), nil, nil)
	return err
}

func (c *HTTPClient) Subjects(ctx context.Context) ([]SubjectRecord, error) {
	var env subjectsEnvelope
	if _, err := c.do(ctx, "subjects", http.MethodGet, c.path("subjects"), nil, &env); err != nil {
		return nil, err
	}
	return env.Subjects, nil
}

// Handler serves the REST API from any API implementation. It backs
// `caresync remote serve` and the client tests.
type Handler struct {
	familyID string
	api      API
	mux      *http.ServeMux
	logger   *zap.Logger
}

// NewHandler serves api for familyID.
func NewHandler(familyID string, api API, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{familyID: familyID, api: api, mux: http.NewServeMux(), logger: logger}
	h.mux.HandleFunc("POST /v1/families/{family}/events/lookup", h.handleEventLookup)
	h.mux.HandleFunc("PUT /v1/families/{family}/events", h.handleUpsertEvents)
	h.mux.HandleFunc("DELETE /v1/families/{family}/events/{id}", h.handleDeleteEvent)
	h.mux.HandleFunc("GET /v1/families/{family}/events", h.handleEventsSince)
	h.mux.HandleFunc("POST /v1/families/{family}/subjects/lookup", h.handleSubjectLookup)
	h.mux.HandleFunc("PUT /v1/families/{family}/subjects", h.handleUpsertSubjects)
	h.mux.HandleFunc("DELETE /v1/families/{family}/subjects/{id}", h.handleDeleteSubject)
	h.mux.HandleFunc("GET /v1/families/{family}/subjects", h.handleSubjects)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) family(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("family") != h.familyID {
		h.writeError(w, http.StatusNotFound, "unknown family")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Code: http.StatusText(status), Message: msg})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if isRejected(err) {
		status = http.StatusBadRequest
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) handleEventLookup(w http.ResponseWriter, r *http.Request) {
	var req idsEnvelope
	if !h.family(w, r) || !h.decode(w, r, &req) {
		return
	}
	found, err := h.api.GetEvents(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	env := eventsEnvelope{Events: make([]EventRecord, 0, len(found))}
	for _, id := range req.IDs {
		if rec, ok := found[id]; ok {
			env.Events = append(env.Events, rec)
		}
	}
	h.writeJSON(w, env)
}

func (h *Handler) handleUpsertEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsEnvelope
	if !h.family(w, r) || !h.decode(w, r, &req) {
		return
	}
	for _, rec := range req.Events {
		if rec.ID == "" || rec.SubjectID == "" {
			h.writeError(w, http.StatusBadRequest, "event id and baby_id are required")
			return
		}
	}
	if err := h.api.UpsertEvents(r.Context(), req.Events); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if !h.family(w, r) {
		return
	}
	if err := h.api.DeleteEvent(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEventsSince(w http.ResponseWriter, r *http.Request) {
	if !h.family(w, r) {
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("updated_since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "updated_since must be RFC3339")
			return
		}
		since = t
	}
	events, err := h.api.EventsUpdatedSince(r.Context(), since)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, eventsEnvelope{Events: events})
}

func (h *Handler) handleSubjectLookup(w http.ResponseWriter, r *http.Request) {
	var req idsEnvelope
	if !h.family(w, r) || !h.decode(w, r, &req) {
		return
	}
	found, err := h.api.GetSubjects(r.Context(), req.IDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	env := subjectsEnvelope{Subjects: make([]SubjectRecord, 0, len(found))}
	for _, id := range req.IDs {
		if rec, ok := found[id]; ok {
			env.Subjects = append(env.Subjects, rec)
		}
	}
	h.writeJSON(w, env)
}

func (h *Handler) handleUpsertSubjects(w http.ResponseWriter, r *http.Request) {
	var req subjectsEnvelope
	if !h.family(w, r) || !h.decode(w, r, &req) {
		return
	}
	if err := h.api.UpsertSubjects(r.Context(), req.Subjects); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	if !h.family(w, r) {
		return
	}
	if err := h.api.DeleteSubject(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubjects(w http.ResponseWriter, r *http.Request) {
	if !h.family(w, r) {
		return
	}
	subjects, err := h.api.Subjects(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, subjectsEnvelope{Subjects: subjects})
}
