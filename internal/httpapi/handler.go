package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tabletop/assignment-service/internal/assignment"
	"tabletop/assignment-service/internal/hierarchy"
	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/queue"
	"tabletop/assignment-service/internal/reconciler"
	"tabletop/assignment-service/internal/store"

	"github.com/google/uuid"
)

type Orders interface {
	CreateOrder(ctx context.Context, input store.CreateOrderInput) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
}

type Engine interface {
	Assign(ctx context.Context, order models.Order) (assignment.Result, error)
	AssignByID(ctx context.Context, orderID string) (assignment.Result, error)
	ManualAssign(ctx context.Context, orderID, workerID, reason string) (assignment.Result, error)
	OnOrderCompleted(ctx context.Context, orderID string) (models.Order, error)
	OnOrderCancelled(ctx context.Context, orderID string) (models.Order, error)
	UpdateStatus(ctx context.Context, orderID, toStatus, reason string) (models.Order, error)
	ResetRoundRobin(venueID, branchID string) int
	ValidateHierarchy(ctx context.Context, venueID, branchID string) (hierarchy.Result, error)
	SetAvailability(ctx context.Context, workerID string, available bool) (models.Worker, []assignment.Result, error)
	Stats(ctx context.Context, venueID, branchID string) (assignment.Stats, error)
}

type Queue interface {
	Details(ctx context.Context, filter store.QueueFilter) (queue.Details, error)
	UpdatePriority(ctx context.Context, orderID string, priority models.Priority) (models.Order, error)
}

type Reconciler interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context) bool
	Tick(ctx context.Context) reconciler.TickReport
	Cleanup(ctx context.Context) reconciler.CleanupReport
	Repair(ctx context.Context) (reconciler.RepairReport, error)
	Health() reconciler.Health
}

type Options struct {
	Orders     Orders
	Engine     Engine
	Queue      Queue
	Reconciler Reconciler
	Now        func() time.Time
}

type Handler struct {
	orders     Orders
	engine     Engine
	queue      Queue
	reconciler Reconciler
	now        func() time.Time
}

type createOrderRequest struct {
	RequestID string `json:"request_id"`
	OrderID   string `json:"order_id"`
	VenueID   string `json:"venue_id"`
	BranchID  string `json:"branch_id"`
	TableRef  string `json:"table_ref"`
	Priority  string `json:"priority"`
}

type orderActionRequest struct {
	RequestID string `json:"request_id"`
	WorkerID  string `json:"worker_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	Reason    string `json:"reason"`
}

type resetRequest struct {
	RequestID string `json:"request_id"`
	VenueID   string `json:"venue_id"`
	BranchID  string `json:"branch_id"`
}

type resetResponse struct {
	Cleared int `json:"cleared"`
}

type availabilityRequest struct {
	RequestID string `json:"request_id"`
	Available *bool  `json:"available"`
}

type availabilityResponse struct {
	Worker  models.Worker       `json:"worker"`
	Drained []assignment.Result `json:"drained"`
}

type createOrderResponse struct {
	Order      models.Order       `json:"order"`
	Assignment *assignment.Result `json:"assignment,omitempty"`
	Error      *responseError     `json:"error,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(options Options) *Handler {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		orders:     options.Orders,
		engine:     options.Engine,
		queue:      options.Queue,
		reconciler: options.Reconciler,
		now:        now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/orders", h.handleOrders)
	mux.HandleFunc("/api/orders/", h.handleOrderActions)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/round-robin/reset", h.handleResetRoundRobin)
	mux.HandleFunc("/api/hierarchy/validate", h.handleValidateHierarchy)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/", h.handleQueueActions)
	mux.HandleFunc("/api/workers/", h.handleWorkerActions)
	mux.HandleFunc("/api/admin/reconciler/", h.handleReconciler)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleOrders creates a pending order and assigns it straight away. The
// order survives a failed assignment; the reconciler picks it up later.
func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createOrderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.VenueID = strings.TrimSpace(req.VenueID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.TableRef = strings.TrimSpace(req.TableRef)

	if req.VenueID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "venue_id is required")
		return
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	} else if !isValidUUID(req.OrderID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "order_id must be a UUID when provided")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be low, normal or high")
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), store.CreateOrderInput{
		OrderID:   req.OrderID,
		VenueID:   req.VenueID,
		BranchID:  req.BranchID,
		TableRef:  req.TableRef,
		Priority:  priority,
		CreatedAt: h.now(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	result, err := h.engine.Assign(r.Context(), order)
	if err != nil {
		status, code, msg := mapError(err)
		writeJSON(w, status, createOrderResponse{Order: order, Error: &responseError{Code: code, Message: msg}})
		return
	}
	writeJSON(w, http.StatusCreated, createOrderResponse{Order: result.Order, Assignment: &result})
}

func (h *Handler) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	orderID := parts[0]
	if orderID == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		order, err := h.orders.GetOrder(r.Context(), orderID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestID(r, ""), status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req orderActionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	req.WorkerID = strings.TrimSpace(req.WorkerID)
	req.Status = strings.TrimSpace(req.Status)
	req.Reason = strings.TrimSpace(req.Reason)

	switch parts[1] {
	case "assign":
		h.respondResult(w, req.RequestID, func() (assignment.Result, error) {
			return h.engine.AssignByID(r.Context(), orderID)
		})
	case "manual-assign":
		if req.WorkerID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "worker_id is required")
			return
		}
		h.respondResult(w, req.RequestID, func() (assignment.Result, error) {
			return h.engine.ManualAssign(r.Context(), orderID, req.WorkerID, req.Reason)
		})
	case "complete":
		h.respondOrder(w, req.RequestID, func() (models.Order, error) {
			return h.engine.OnOrderCompleted(r.Context(), orderID)
		})
	case "cancel":
		h.respondOrder(w, req.RequestID, func() (models.Order, error) {
			return h.engine.OnOrderCancelled(r.Context(), orderID)
		})
	case "status":
		if req.Status == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "status is required")
			return
		}
		h.respondOrder(w, req.RequestID, func() (models.Order, error) {
			return h.engine.UpdateStatus(r.Context(), orderID, req.Status, req.Reason)
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) respondResult(w http.ResponseWriter, requestID string, fn func() (assignment.Result, error)) {
	result, err := fn()
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) respondOrder(w http.ResponseWriter, requestID string, fn func() (models.Order, error)) {
	order, err := fn()
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	venueID, branchID, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	stats, err := h.engine.Stats(r.Context(), venueID, branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r, ""), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleResetRoundRobin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req resetRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	req.VenueID = strings.TrimSpace(req.VenueID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID != "" && req.VenueID == "" {
		writeError(w, requestID(r, req.RequestID), http.StatusBadRequest, "invalid_request", "venue_id is required with branch_id")
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Cleared: h.engine.ResetRoundRobin(req.VenueID, req.BranchID)})
}

func (h *Handler) handleValidateHierarchy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	venueID, branchID, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	result, err := h.engine.ValidateHierarchy(r.Context(), venueID, branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r, ""), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	venueID, branchID, ok := scopeFromQuery(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := store.QueueFilter{
		Scope:  models.Scope{VenueID: venueID, BranchID: branchID},
		Offset: readQueryInt(query.Get("offset"), 0),
		Limit:  readQueryInt(query.Get("limit"), 20),
	}
	if raw := strings.TrimSpace(query.Get("priority")); raw != "" {
		priority, err := models.ParsePriority(raw)
		if err != nil {
			writeError(w, requestID(r, ""), http.StatusBadRequest, "invalid_request", "priority must be low, normal or high")
			return
		}
		filter.Priority = priority
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}

	details, err := h.queue.Details(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r, ""), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "priority" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req orderActionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if strings.TrimSpace(req.Priority) == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority is required")
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be low, normal or high")
		return
	}
	h.respondOrder(w, req.RequestID, func() (models.Order, error) {
		return h.queue.UpdatePriority(r.Context(), parts[0], priority)
	})
}

func (h *Handler) handleWorkerActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/workers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "availability" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req availabilityRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	req.RequestID = requestID(r, req.RequestID)
	if req.Available == nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "available is required")
		return
	}
	worker, drained, err := h.engine.SetAvailability(r.Context(), parts[0], *req.Available)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if drained == nil {
		drained = []assignment.Result{}
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Worker: worker, Drained: drained})
}

// handleReconciler exposes the reconciler's lifecycle. The loop started here
// outlives the request that started it.
func (h *Handler) handleReconciler(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/reconciler/"), "/")
	if action == "health" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.reconciler.Health())
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "start":
		started := h.reconciler.Start(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusOK, map[string]bool{"started": started})
	case "stop":
		stopped := h.reconciler.Stop(r.Context())
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
	case "tick":
		writeJSON(w, http.StatusOK, h.reconciler.Tick(r.Context()))
	case "cleanup":
		writeJSON(w, http.StatusOK, h.reconciler.Cleanup(r.Context()))
	case "repair":
		report, err := h.reconciler.Repair(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestID(r, ""), status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func scopeFromQuery(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	venueID := strings.TrimSpace(r.URL.Query().Get("venue_id"))
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if venueID == "" {
		writeError(w, requestID(r, ""), http.StatusBadRequest, "invalid_request", "venue_id is required")
		return "", "", false
	}
	return venueID, branchID, true
}

func readQueryInt(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func requestID(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// decodeBody reads a JSON payload. Action endpoints accept an empty body.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestID(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var hierarchyErr *assignment.HierarchyError
	switch {
	case errors.As(err, &hierarchyErr):
		return http.StatusUnprocessableEntity, "hierarchy_invalid", hierarchyErr.Reason
	case errors.Is(err, assignment.ErrHierarchyInvalid):
		return http.StatusUnprocessableEntity, "hierarchy_invalid", "venue hierarchy is invalid"
	case errors.Is(err, assignment.ErrServiceSaturated):
		return http.StatusServiceUnavailable, "service_saturated", "no worker is free and the queue is full"
	case errors.Is(err, assignment.ErrWorkerUnavailable):
		return http.StatusConflict, "worker_unavailable", "worker cannot take orders for this venue"
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", "order not found"
	case errors.Is(err, store.ErrWorkerNotFound):
		return http.StatusNotFound, "worker_not_found", "worker not found"
	case errors.Is(err, store.ErrVenueNotFound):
		return http.StatusNotFound, "venue_not_found", "venue not found"
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "branch_not_found", "branch not found"
	case errors.Is(err, store.ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded", "worker is at capacity"
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusServiceUnavailable, "service_saturated", "queue is full"
	case errors.Is(err, store.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned", "order is already assigned"
	case errors.Is(err, store.ErrNotQueued):
		return http.StatusConflict, "not_queued", "order is not queued"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "order state does not allow this action"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
