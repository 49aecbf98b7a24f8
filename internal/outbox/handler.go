package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/pkg/ctxlog"
	"github.com/bissquit/fieldsync/internal/pkg/httputil"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/statusbus"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultHistoryLimit   = 20
	maxHistoryLimit       = 100
	defaultMaxUploadBytes = 25 << 20
	maxCacheValueBytes    = 64 << 10
	eventBufferSize       = 64
	eventWriteTimeout     = 10 * time.Second
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
	{Error: ErrUnknownKind, Status: http.StatusNotFound, Message: "unknown work item kind"},
	{Error: queue.ErrUnavailable, Status: http.StatusServiceUnavailable, Message: "local store unavailable"},
}

// NetworkSwitch reports the network state and accepts runtime signals.
type NetworkSwitch interface {
	IsOnline() bool
	Set(online bool)
}

// EventSource lets the handler stream status events.
type EventSource interface {
	Subscribe(handler statusbus.Handler) (unsubscribe func())
}

// HandlerConfig contains status API configuration.
type HandlerConfig struct {
	MaxUploadBytes int64
	OriginPatterns []string // accepted websocket origins besides the request host
}

// Handler handles HTTP requests for the outbox.
type Handler struct {
	config    HandlerConfig
	outbox    *Outbox
	sync      *Orchestrator
	cache     queue.Store
	network   NetworkSwitch
	events    EventSource
	validator *validator.Validate
}

// NewHandler creates a new outbox handler. cache holds the entries the
// auth collaborator writes, such as session tokens.
func NewHandler(config HandlerConfig, outbox *Outbox, sync *Orchestrator, cache queue.Store, network NetworkSwitch, events EventSource) *Handler {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		config:    config,
		outbox:    outbox,
		sync:      sync,
		cache:     cache,
		network:   network,
		events:    events,
		validator: validator.New(),
	}
}

// RegisterRoutes registers outbox routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/pending", h.GetPending)
	r.Post("/sync", h.Sync)
	r.Get("/sync/history", h.GetHistory)
	r.Get("/items/{kind}", h.ListItems)

	r.Post("/forms", h.CreateForm)
	r.Post("/chats", h.CreateChat)
	r.Post("/documents", h.CreateDocument)

	r.Get("/network", h.GetNetwork)
	r.Put("/network", h.SetNetwork)

	r.Put("/cache/{key}", h.PutCache)
	r.Delete("/cache/{key}", h.DeleteCache)
}

// RegisterStreamRoutes registers long-lived routes that must not run under
// a request timeout.
func (h *Handler) RegisterStreamRoutes(r chi.Router) {
	r.Get("/events", h.Events)
}

// CreateFormRequest represents request body for saving a form.
type CreateFormRequest struct {
	FormType string         `json:"form_type" validate:"required"`
	MotherID string         `json:"mother_id" validate:"required"`
	Data     map[string]any `json:"data" validate:"required"`
	Target   string         `json:"target"`
}

// CreateChatRequest represents request body for saving a chat message.
type CreateChatRequest struct {
	MotherID string `json:"mother_id" validate:"required"`
	Message  string `json:"message" validate:"required"`
	Target   string `json:"target"`
}

// SetNetworkRequest represents request body for the network signal.
type SetNetworkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// NetworkResponse is the network state.
type NetworkResponse struct {
	Online  bool `json:"online"`
	Syncing bool `json:"syncing"`
}

// SyncResponse is the result of a requested drain.
type SyncResponse struct {
	Report domain.SyncReport `json:"report"`
	Error  string            `json:"error,omitempty"`
}

// GetPending handles GET /pending.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	count, err := h.sync.PendingCount(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, count)
}

// Sync handles POST /sync. The drain outlives a disconnected client.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.SyncAllPending(context.WithoutCancel(r.Context()))

	resp := SyncResponse{Report: report}
	if err != nil {
		ctxlog.FromContext(r.Context()).Warn("requested drain finished with errors", "error", err)
		resp.Error = err.Error()
	}

	httputil.Success(w, http.StatusOK, resp)
}

// GetHistory handles GET /sync/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.sync.History(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entries)
}

// ListItems handles GET /items/{kind}.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	kind := domain.Kind(chi.URLParam(r, "kind"))
	if !kind.IsValid() {
		httputil.Error(w, http.StatusNotFound, "unknown work item kind")
		return
	}

	items, err := h.sync.Items(r.Context(), kind)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// CreateForm handles POST /forms.
func (h *Handler) CreateForm(w http.ResponseWriter, r *http.Request) {
	var req CreateFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	res, err := h.outbox.SaveForm(r.Context(), &domain.FormPayload{
		FormType: req.FormType,
		MotherID: req.MotherID,
		Data:     req.Data,
	}, req.Target)
	h.respondSaved(w, r, res, err)
}

// CreateChat handles POST /chats.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	res, err := h.outbox.SaveChat(r.Context(), &domain.ChatPayload{
		MotherID: req.MotherID,
		Message:  req.Message,
	}, req.Target)
	h.respondSaved(w, r, res, err)
}

// CreateDocument handles POST /documents (multipart/form-data).
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read file")
		return
	}

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(content)
	}

	res, err := h.outbox.SaveDocument(r.Context(), &domain.DocumentPayload{
		MotherID:     r.FormValue("mother_id"),
		DocumentType: r.FormValue("document_type"),
		Name:         header.Filename,
		MediaType:    mediaType,
		Size:         int64(len(content)),
		Content:      content,
	}, r.FormValue("target"))
	h.respondSaved(w, r, res, err)
}

func (h *Handler) respondSaved(w http.ResponseWriter, r *http.Request, res SaveResult, err error) {
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	status := http.StatusCreated
	if res.Status == SaveQueued {
		status = http.StatusAccepted
	}
	httputil.Success(w, status, res)
}

// GetNetwork handles GET /network.
func (h *Handler) GetNetwork(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, NetworkResponse{
		Online:  h.network.IsOnline(),
		Syncing: h.sync.IsSyncing(),
	})
}

// SetNetwork handles PUT /network.
func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	var req SetNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	h.network.Set(*req.Online)

	httputil.Success(w, http.StatusOK, NetworkResponse{
		Online:  h.network.IsOnline(),
		Syncing: h.sync.IsSyncing(),
	})
}

// PutCache handles PUT /cache/{key}. The body is stored as sent.
func (h *Handler) PutCache(w http.ResponseWriter, r *http.Request) {
	key, ok := h.cacheKey(w, r)
	if !ok {
		return
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCacheValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "value too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(value) == 0 {
		httputil.Error(w, http.StatusBadRequest, "value is required")
		return
	}

	if err := queue.PutCached(r.Context(), h.cache, key, value); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Debug("cache entry stored", "key", key, "bytes", len(value))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCache handles DELETE /cache/{key}. Missing keys are not an error.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	key, ok := h.cacheKey(w, r)
	if !ok {
		return
	}

	if err := queue.DeleteCached(r.Context(), h.cache, key); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cacheKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if err := h.validator.Var(key, "required,max=255,printascii"); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid cache key")
		return "", false
	}
	return key, true
}

// Events handles GET /events, streaming status events over a websocket.
// A slow client loses events rather than blocking publishers.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "") }()

	ctx := conn.CloseRead(r.Context())

	events := make(chan statusbus.Event, eventBufferSize)
	unsubscribe := h.events.Subscribe(func(e statusbus.Event) {
		select {
		case events <- e:
		default:
			logger.Warn("event stream client is slow, dropping event", "type", e.Type)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()
			if err != nil {
				logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}
