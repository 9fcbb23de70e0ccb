package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stagehand/apps/server/internal/coordinator"
	"stagehand/staging"
	"stagehand/staging/service"
	"stagehand/world"
)

// Service is the read side of the staging service.
type Service interface {
	GetCurrentStaging(ctx context.Context, regionID string, gameTime time.Time) (*staging.Staging, error)
	GetPrevious(ctx context.Context, regionID string) (*staging.Staging, error)
	GetHistory(ctx context.Context, regionID string, limit int) ([]*staging.Staging, error)
	GenerateProposal(ctx context.Context, req service.ProposalRequest) (*staging.Proposal, error)
	GameTime(regionID string) (time.Time, error)
}

// Coordinator handles everything that can open or close an approval cycle.
type Coordinator interface {
	ObserverEntersRegion(ctx context.Context, regionID, observerID string, gameTime time.Time) (coordinator.EntryResult, error)
	Approve(ctx context.Context, resp coordinator.ApprovalResponse) (*staging.Staging, error)
	Regenerate(ctx context.Context, requestID, guidance string) error
	Cancel(ctx context.Context, requestID, reason string) error
	PreStage(ctx context.Context, in service.PreStageInput) (*staging.Staging, error)
	Invalidate(ctx context.Context, regionID string) error
	PendingApprovals(ctx context.Context) []coordinator.ApprovalRequired
}

// Clock is the in-world clock of the world registry.
type Clock interface {
	GameTime(worldID string) (time.Time, bool)
	SetGameTime(worldID string, t time.Time) error
	AdvanceGameTime(worldID string, d time.Duration) (time.Time, error)
}

type HTTPHandler struct {
	svc   Service
	coord Coordinator
	clock Clock
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(svc Service, coord Coordinator, clock Clock) *HTTPHandler {
	return &HTTPHandler{svc: svc, coord: coord, clock: clock}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/regions/{region}/staging", h.handleCurrent)
	mux.HandleFunc("GET /api/regions/{region}/staging/previous", h.handlePrevious)
	mux.HandleFunc("GET /api/regions/{region}/staging/history", h.handleHistory)
	mux.HandleFunc("POST /api/regions/{region}/proposal", h.handleProposal)
	mux.HandleFunc("POST /api/regions/{region}/enter", h.handleEnter)
	mux.HandleFunc("POST /api/regions/{region}/prestage", h.handlePreStage)
	mux.HandleFunc("POST /api/regions/{region}/invalidate", h.handleInvalidate)

	mux.HandleFunc("GET /api/approvals", h.handlePending)
	mux.HandleFunc("POST /api/approvals/{request}/approve", h.handleApprove)
	mux.HandleFunc("POST /api/approvals/{request}/regenerate", h.handleRegenerate)
	mux.HandleFunc("POST /api/approvals/{request}/cancel", h.handleCancel)

	mux.HandleFunc("GET /api/worlds/{world}/time", h.handleGetTime)
	mux.HandleFunc("PUT /api/worlds/{world}/time", h.handleSetTime)
	mux.HandleFunc("POST /api/worlds/{world}/time/advance", h.handleAdvanceTime)
}

func (h *HTTPHandler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("region")
	gameTime, err := h.gameTime(regionID, r.URL.Query().Get("gameTime"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := h.svc.GetCurrentStaging(ctx, regionID, gameTime)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staging":   st,
		"gameTime":  gameTime,
		"expiresAt": st.ExpiresAt(),
	})
}

func (h *HTTPHandler) handlePrevious(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := h.svc.GetPrevious(ctx, r.PathValue("region"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"staging": st})
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := h.svc.GetHistory(ctx, r.PathValue("region"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type proposalRequest struct {
	GameTime   time.Time         `json:"gameTime"`
	Guidance   []string          `json:"guidance"`
	Additional map[string]string `json:"additional"`
}

// handleProposal previews both candidate sets without opening a cycle.
func (h *HTTPHandler) handleProposal(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("region")
	var req proposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GameTime.IsZero() {
		t, err := h.svc.GameTime(regionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		req.GameTime = t
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	p, err := h.svc.GenerateProposal(ctx, service.ProposalRequest{
		RegionID:   regionID,
		GameTime:   req.GameTime,
		Guidance:   req.Guidance,
		Additional: req.Additional,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type enterRequest struct {
	ObserverID string    `json:"observerId"`
	GameTime   time.Time `json:"gameTime"`
}

func (h *HTTPHandler) handleEnter(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := h.coord.ObserverEntersRegion(ctx, r.PathValue("region"), req.ObserverID, req.GameTime)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == coordinator.EntryPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type preStageRequest struct {
	NPCs       []service.NPCDecision `json:"npcs"`
	TTLHours   int                   `json:"ttlHours"`
	ApprovedBy string                `json:"approvedBy"`
	GameTime   time.Time             `json:"gameTime"`
}

func (h *HTTPHandler) handlePreStage(w http.ResponseWriter, r *http.Request) {
	var req preStageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()
	st, err := h.coord.PreStage(ctx, service.PreStageInput{
		RegionID:   r.PathValue("region"),
		NPCs:       req.NPCs,
		TTLHours:   req.TTLHours,
		ApprovedBy: req.ApprovedBy,
		GameTime:   req.GameTime,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"staging": st})
}

func (h *HTTPHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("region")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.coord.Invalidate(ctx, regionID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"region_id": regionID, "invalidated": true})
}

func (h *HTTPHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items := h.coord.PendingApprovals(ctx)
	if items == nil {
		items = []coordinator.ApprovalRequired{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *HTTPHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ApprovalResponse
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = r.PathValue("request")
	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()
	st, err := h.coord.Approve(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"staging": st})
}

type regenerateRequest struct {
	Guidance string `json:"guidance"`
}

func (h *HTTPHandler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	requestID := r.PathValue("request")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.coord.Regenerate(ctx, requestID, req.Guidance); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID, "regenerating": true})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	requestID := r.PathValue("request")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.coord.Cancel(ctx, requestID, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "cancelled": true})
}

func (h *HTTPHandler) handleGetTime(w http.ResponseWriter, r *http.Request) {
	worldID := r.PathValue("world")
	t, ok := h.clock.GameTime(worldID)
	if !ok {
		writeError(w, http.StatusNotFound, "world not found")
		return
	}
	writeTime(w, worldID, t)
}

type setTimeRequest struct {
	GameTime time.Time `json:"gameTime"`
}

func (h *HTTPHandler) handleSetTime(w http.ResponseWriter, r *http.Request) {
	var req setTimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	worldID := r.PathValue("world")
	if err := h.clock.SetGameTime(worldID, req.GameTime); err != nil {
		writeClockError(w, err)
		return
	}
	writeTime(w, worldID, req.GameTime)
}

type advanceTimeRequest struct {
	Minutes int `json:"minutes"`
	Hours   int `json:"hours"`
}

func (h *HTTPHandler) handleAdvanceTime(w http.ResponseWriter, r *http.Request) {
	var req advanceTimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d := time.Duration(req.Hours)*time.Hour + time.Duration(req.Minutes)*time.Minute
	worldID := r.PathValue("world")
	t, err := h.clock.AdvanceGameTime(worldID, d)
	if err != nil {
		writeClockError(w, err)
		return
	}
	writeTime(w, worldID, t)
}

func writeClockError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, world.ErrUnknownWorld):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, world.ErrBadClock):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeServiceError(w, err)
	}
}

func writeTime(w http.ResponseWriter, worldID string, t time.Time) {
	writeJSON(w, http.StatusOK, map[string]any{
		"world_id":  worldID,
		"game_time": t,
	})
}

// gameTime parses an optional RFC 3339 query value, defaulting to the world clock.
func (h *HTTPHandler) gameTime(regionID, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.svc.GameTime(regionID)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, staging.Invalid("gameTime must be RFC 3339: %v", err)
	}
	return t, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 20
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, staging.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, staging.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, staging.ErrExternalCapability):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, coordinator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		log.Printf("[HTTP] Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
