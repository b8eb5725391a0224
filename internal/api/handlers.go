// Package api exposes the HTTP surface of the sync service.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/activity"
	"github.com/allan-cais/besunny-ai-sub006/internal/auth"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/inbound"
	"github.com/allan-cais/besunny-ai-sub006/internal/reconcile"
)

const maxBodyBytes = 1 << 20

// DefaultBotName is used when a dispatch request names no bot.
const DefaultBotName = "Meeting Assistant"

// Activity records user interaction and reports the resulting level.
type Activity interface {
	RecordActivity(userID string, kind domain.ActivityKind)
	Snapshot(userID string) activity.Snapshot
}

// Poller runs and inspects scheduled sync cycles.
type Poller interface {
	PollNow(ctx context.Context, userID string) []domain.SyncResult
	NextRun(key domain.SyncKey) (time.Time, bool)
}

// Workers starts and stops per-service polling for a user.
type Workers interface {
	EnsureUser(ctx context.Context, userID string) []domain.SyncKey
	Connect(ctx context.Context, key domain.SyncKey) error
	Deactivate(ctx context.Context, key domain.SyncKey) error
	DeactivateUser(ctx context.Context, userID string) error
}

// StatusStore lists the persisted per-user sync rows.
type StatusStore interface {
	ListSyncStates(ctx context.Context, userID string) ([]domain.UserSyncState, error)
	ListSubscriptions(ctx context.Context, userID string) ([]domain.WebhookSubscription, error)
}

// BotDispatcher sends meeting bots to stored meetings.
type BotDispatcher interface {
	DispatchBot(ctx context.Context, userID, meetingID, botName string) (*domain.BotJob, error)
}

// Notifications processes upstream pushes.
type Notifications interface {
	HandleGoogle(ctx context.Context, n inbound.Notification) inbound.Outcome
	HandleBotStatus(ctx context.Context, p domain.BotStatusPayload) inbound.Outcome
}

// Dependencies groups the collaborators of Handler.
type Dependencies struct {
	Activity      Activity
	Poller        Poller
	Workers       Workers
	Status        StatusStore
	Bots          BotDispatcher
	Notifications Notifications
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	deps      Dependencies
	botSchema *jsonschema.Schema
	logger    *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(deps Dependencies, opts ...Option) (*Handler, error) {
	schema, err := compileBotStatusSchema()
	if err != nil {
		return nil, err
	}
	h := &Handler{deps: deps, botSchema: schema, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/activity", h.recordActivity)
	mux.HandleFunc("POST /v1/sync/poll", h.pollNow)
	mux.HandleFunc("GET /v1/sync/status", h.syncStatus)
	mux.HandleFunc("POST /v1/sync/services/{service}", h.connectService)
	mux.HandleFunc("DELETE /v1/sync/services/{service}", h.deactivateService)
	mux.HandleFunc("DELETE /v1/sync", h.deactivateUser)
	mux.HandleFunc("POST /v1/meetings/{id}/bot", h.dispatchBot)
	mux.HandleFunc("POST /webhooks/google/{service}", h.googleWebhook)
	mux.HandleFunc("POST /webhooks/attendee", h.attendeeWebhook)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	var req RecordActivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	h.deps.Activity.RecordActivity(claims.Subject, req.Kind)
	snap := h.deps.Activity.Snapshot(claims.Subject)
	resp := RecordActivityResponse{Level: string(snap.Level), Score: snap.Score}
	for _, key := range h.deps.Workers.EnsureUser(r.Context(), claims.Subject) {
		resp.Started = append(resp.Started, string(key.Service))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) pollNow(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	results := h.deps.Poller.PollNow(r.Context(), claims.Subject)
	resp := PollResponse{Results: make([]CycleView, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, toCycleView(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncRead, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	ctx := r.Context()

	states, err := h.deps.Status.ListSyncStates(ctx, claims.Subject)
	if err != nil {
		h.serverError(w, "list sync states", err)
		return
	}
	subs, err := h.deps.Status.ListSubscriptions(ctx, claims.Subject)
	if err != nil {
		h.serverError(w, "list subscriptions", err)
		return
	}

	snap := h.deps.Activity.Snapshot(claims.Subject)
	resp := StatusResponse{
		ActivityLevel: string(snap.Level),
		Services:      make([]ServiceStatusView, 0, len(states)),
		Subscriptions: make([]SubscriptionView, 0, len(subs)),
	}
	for _, state := range states {
		view := toServiceStatusView(state)
		if next, ok := h.deps.Poller.NextRun(state.Key()); ok {
			view.NextRunAt = &next
		}
		resp.Services = append(resp.Services, view)
	}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, toSubscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) connectService(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	key, ok := serviceKey(w, r, claims.Subject)
	if !ok {
		return
	}

	err := h.deps.Workers.Connect(r.Context(), key)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCredentialsMissing):
		writeError(w, http.StatusConflict, "not_connected", "no access granted for "+string(key.Service))
		return
	case errors.Is(err, domain.ErrUnsupportedService):
		writeError(w, http.StatusServiceUnavailable, "unavailable", string(key.Service)+" sync is not configured")
		return
	default:
		h.serverError(w, "connect service", err)
		return
	}

	view := ServiceWorkerView{Service: string(key.Service), Active: true}
	if next, ok := h.deps.Poller.NextRun(key); ok {
		view.NextRunAt = &next
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (h *Handler) deactivateService(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	key, ok := serviceKey(w, r, claims.Subject)
	if !ok {
		return
	}
	if err := h.deps.Workers.Deactivate(r.Context(), key); err != nil {
		h.serverError(w, "deactivate service", err)
		return
	}
	writeJSON(w, http.StatusOK, ServiceWorkerView{Service: string(key.Service)})
}

func (h *Handler) deactivateUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	if err := h.deps.Workers.DeactivateUser(r.Context(), claims.Subject); err != nil {
		h.serverError(w, "deactivate user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func serviceKey(w http.ResponseWriter, r *http.Request, userID string) (domain.SyncKey, bool) {
	service := domain.ServiceType(r.PathValue("service"))
	if !service.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown service "+string(service))
		return domain.SyncKey{}, false
	}
	return domain.SyncKey{UserID: userID, Service: service}, true
}

func (h *Handler) dispatchBot(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	meetingID := strings.TrimSpace(r.PathValue("id"))
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing meeting id")
		return
	}

	var req DispatchBotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}
	name := strings.TrimSpace(req.BotName)
	if name == "" {
		name = DefaultBotName
	}

	job, err := h.deps.Bots.DispatchBot(r.Context(), claims.Subject, meetingID, name)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "meeting not found")
		return
	case errors.Is(err, reconcile.ErrAlreadyDispatched):
		writeError(w, http.StatusConflict, "conflict", "meeting already has a bot")
		return
	case errors.Is(err, domain.ErrUnsupportedService):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "meeting bots are not configured")
		return
	default:
		h.serverError(w, "dispatch bot", err)
		return
	}

	writeJSON(w, http.StatusAccepted, DispatchBotResponse{
		JobID:     job.ID,
		BotID:     job.ExternalID,
		MeetingID: job.MeetingID,
		BotState:  job.BotState,
		Status:    string(job.Status),
	})
}

// googleWebhook always acknowledges so upstream never retries a delivery
// that was already deduplicated or processed.
func (h *Handler) googleWebhook(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxBodyBytes))

	service := domain.ServiceType(r.PathValue("service"))
	if !service.Valid() {
		h.logger.Warn("webhook for unknown service", zap.String("service", string(service)))
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome := h.deps.Notifications.HandleGoogle(r.Context(), inbound.Notification{
		Service:       service,
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		ChannelToken:  r.Header.Get("X-Goog-Channel-Token"),
		ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	})
	writeJSON(w, http.StatusOK, WebhookAck{Outcome: string(outcome)})
}

func (h *Handler) attendeeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("read bot status webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, WebhookAck{Outcome: string(inbound.OutcomeRejected)})
		return
	}
	if err := validateBody(h.botSchema, body); err != nil {
		h.logger.Warn("invalid bot status webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, WebhookAck{Outcome: string(inbound.OutcomeRejected)})
		return
	}

	var payload BotStatusWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("decode bot status webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, WebhookAck{Outcome: string(inbound.OutcomeRejected)})
		return
	}

	outcome := h.deps.Notifications.HandleBotStatus(r.Context(), payload.Payload())
	writeJSON(w, http.StatusOK, WebhookAck{Outcome: string(outcome)})
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "server_error", op+" failed")
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
