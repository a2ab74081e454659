package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nikolarss0n/mediafind/internal/indexing"
	"github.com/nikolarss0n/mediafind/internal/models"
	"github.com/nikolarss0n/mediafind/internal/orchestrator"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// EventPublisher forwards library change events to the change topic. Nil
// means no broker is configured and events are applied directly.
type EventPublisher interface {
	PublishChangeEvent(ctx context.Context, event *models.MediaChangeEvent) error
}

type Handler struct {
	orchestrator *orchestrator.Orchestrator
	manager      *indexing.Manager
	publisher    EventPublisher
	logger       *zap.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, manager *indexing.Manager, publisher EventPublisher, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orch,
		manager:      manager,
		publisher:    publisher,
		logger:       logger,
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	req, err := h.parseSearchRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return
	}
	req.RequestID = requestID

	resp, err := h.orchestrator.Search(ctx, req)
	if err != nil {
		h.logger.Error("search failed",
			zap.String("request_id", requestID),
			zap.String("query", req.Query),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "search_error", "Search service temporarily unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) BuildIndex(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	err := h.manager.StartBuild(index)
	switch {
	case errors.Is(err, indexing.ErrUnknownIndex):
		h.writeError(w, http.StatusNotFound, "unknown_index", err.Error())
	case errors.Is(err, indexing.ErrBuildInProgress):
		h.writeError(w, http.StatusConflict, "build_in_progress", "A build for this index is already running")
	case err != nil:
		h.logger.Error("starting index build", zap.String("index", index), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "build_error", "Could not start index build")
	default:
		h.writeJSON(w, http.StatusAccepted, map[string]string{"index": index, "status": "started"})
	}
}

func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	if _, err := h.manager.Status(index); errors.Is(err, indexing.ErrUnknownIndex) {
		h.writeError(w, http.StatusNotFound, "unknown_index", err.Error())
		return
	}

	cancelled := h.manager.Cancel(index)
	h.writeJSON(w, http.StatusOK, map[string]any{"index": index, "cancelled": cancelled})
}

func (h *Handler) ClearIndex(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	err := h.manager.Clear(r.Context(), index)
	switch {
	case errors.Is(err, indexing.ErrUnknownIndex):
		h.writeError(w, http.StatusNotFound, "unknown_index", err.Error())
	case errors.Is(err, indexing.ErrBuildInProgress):
		h.writeError(w, http.StatusConflict, "build_in_progress", "Cannot clear an index while it is building")
	case err != nil:
		h.logger.Error("clearing index", zap.String("index", index), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "clear_error", "Could not clear index")
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"index": index, "status": "cleared"})
	}
}

func (h *Handler) BuildStatus(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	status, err := h.manager.Status(index)
	if errors.Is(err, indexing.ErrUnknownIndex) {
		h.writeError(w, http.StatusNotFound, "unknown_index", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) IndexStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

// LibraryEvent ingests one change event over HTTP. With a broker
// configured the event goes through the change topic; without one it is
// applied to the indexes directly.
func (h *Handler) LibraryEvent(w http.ResponseWriter, r *http.Request) {
	var event models.MediaChangeEvent
	limited := io.LimitReader(r.Body, maxRequestBodySize)
	if err := json.NewDecoder(limited).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if event.MediaID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_media_id", "Event field 'media_id' is required")
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if h.publisher != nil {
		if err := h.publisher.PublishChangeEvent(r.Context(), &event); err != nil {
			h.logger.Error("publishing change event",
				zap.String("media_id", event.MediaID),
				zap.Error(err),
			)
			h.writeError(w, http.StatusInternalServerError, "publish_error", "Could not publish change event")
			return
		}
		h.writeJSON(w, http.StatusAccepted, map[string]string{"media_id": event.MediaID, "status": "queued"})
		return
	}

	if err := h.manager.HandleChangeEvent(r.Context(), &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"media_id": event.MediaID, "status": "applied"})
}

func (h *Handler) parseSearchRequest(r *http.Request) (*models.SearchRequest, error) {
	if r.Method == http.MethodPost {
		var req models.SearchRequest
		limited := io.LimitReader(r.Body, maxRequestBodySize)
		if err := json.NewDecoder(limited).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	req := &models.SearchRequest{
		Query: r.URL.Query().Get("q"),
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err == nil && limit > 0 {
			req.Limit = limit
		}
	}

	if r.URL.Query().Get("force_fresh") == "true" {
		req.ForceFresh = true
	}

	return req, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("writing json response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
