package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"unityportal/queue-service/internal/models"
	"unityportal/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.QueueStore
}

func NewHandler(store store.QueueStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/queues", h.handleQueues)
	mux.HandleFunc("/queues/resolve", h.handleResolveJoinToken)
	mux.HandleFunc("/queues/", h.handleQueueSubpaths)
	mux.HandleFunc("/tickets/", h.handleTicketSubpaths)
	return mux
}

type createQueueRequest struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	Description string `json:"description"`
	AvgMinutes  int    `json:"avg_minutes"`
}

type updateQueueRequest struct {
	Name        *string `json:"name"`
	Location    *string `json:"location"`
	Description *string `json:"description"`
	AvgMinutes  *int    `json:"avg_minutes"`
	Active      *bool   `json:"active"`
}

type operatorViewResponse struct {
	Queue       models.Queue    `json:"queue"`
	Waiting     []models.Ticket `json:"waiting"`
	ServedCount int             `json:"served_count"`
}

type memberStatusResponse struct {
	Queue       models.Queue  `json:"queue"`
	Me          models.Ticket `json:"me"`
	PeopleAhead int           `json:"people_ahead"`
	ETAMinutes  int           `json:"eta_minutes"`
}

type joinLinkResponse struct {
	JoinLink string `json:"join_link"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	var req createQueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.AvgMinutes < 1 {
		writeError(w, http.StatusBadRequest, "avg_minutes must be at least 1")
		return
	}

	queue, err := h.store.CreateQueue(r.Context(), store.CreateQueueInput{
		OwnerID:     memberID,
		Name:        req.Name,
		Location:    req.Location,
		Description: req.Description,
		AvgMinutes:  req.AvgMinutes,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, queue)
}

func (h *Handler) handleResolveJoinToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" || !isValidUUID(token) {
		writeError(w, http.StatusBadRequest, "token must be a UUID")
		return
	}

	queue, err := h.store.ResolveJoinToken(r.Context(), token)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// The token already proved access; no need to echo it back.
	queue.JoinToken = ""
	writeData(w, http.StatusOK, queue)
}

func (h *Handler) handleQueueSubpaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, http.StatusBadRequest, "queue id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleQueueByID(w, r, queueID)
	case len(parts) == 2 && parts[1] == "join":
		h.handleJoin(w, r, queueID)
	case len(parts) == 2 && parts[1] == "status":
		h.handleMemberStatus(w, r, queueID)
	case len(parts) == 2 && parts[1] == "serve":
		h.handleServeNext(w, r, queueID)
	case len(parts) == 2 && parts[1] == "link":
		h.handleJoinLink(w, r, queueID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleQueueByID(w http.ResponseWriter, r *http.Request, queueID string) {
	switch r.Method {
	case http.MethodGet:
		h.handleOperatorView(w, r, queueID)
	case http.MethodPut:
		h.handleUpdateQueue(w, r, queueID)
	case http.MethodDelete:
		h.handleDeleteQueue(w, r, queueID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleOperatorView(w http.ResponseWriter, r *http.Request, queueID string) {
	view, err := h.store.OperatorView(r.Context(), queueID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if view.Waiting == nil {
		view.Waiting = []models.Ticket{}
	}
	writeData(w, http.StatusOK, operatorViewResponse{
		Queue:       view.Queue,
		Waiting:     view.Waiting,
		ServedCount: view.ServedCount,
	})
}

func (h *Handler) handleUpdateQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	var req updateQueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.AvgMinutes != nil && *req.AvgMinutes < 1 {
		writeError(w, http.StatusBadRequest, "avg_minutes must be at least 1")
		return
	}

	_, err := h.store.UpdateQueue(r.Context(), queueID, memberID, store.QueuePatch{
		Name:        req.Name,
		Location:    req.Location,
		Description: req.Description,
		AvgMinutes:  req.AvgMinutes,
		Active:      req.Active,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}

func (h *Handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteQueue(r.Context(), queueID, memberID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	ticket, _, err := h.store.Join(r.Context(), queueID, memberID, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, ticket)
}

func (h *Handler) handleMemberStatus(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// The portal status view polls with an explicit user_id; fall back
	// to the authenticated member when absent.
	memberID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if memberID == "" {
		var ok bool
		memberID, ok = requireMember(w, r)
		if !ok {
			return
		}
	} else if !isValidUUID(memberID) {
		writeError(w, http.StatusBadRequest, "user_id must be a UUID")
		return
	}

	status, err := h.store.MemberStatus(r.Context(), queueID, memberID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "not joined")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, memberStatusResponse{
		Queue:       status.Queue,
		Me:          status.Ticket,
		PeopleAhead: status.PeopleAhead,
		ETAMinutes:  status.ETAMinutes,
	})
}

func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	ticket, err := h.store.ServeNext(r.Context(), queueID, memberID, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, ticket)
}

func (h *Handler) handleJoinLink(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	queue, err := h.store.GetQueue(r.Context(), queueID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, joinLinkResponse{JoinLink: JoinLink(queue)})
}

// JoinLink is the stable string encoded into QR codes; rendering is up
// to the caller, and /queues/resolve maps the token back to the queue.
func JoinLink(queue models.Queue) string {
	return "unityq://queues/" + queue.QueueID + "?token=" + queue.JoinToken
}

func (h *Handler) handleTicketSubpaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "cancel" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "ticket id must be a UUID")
		return
	}

	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}

	ticket, err := h.store.CancelTicket(r.Context(), ticketID, memberID, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, ticket)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	status, message := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("store error: %v", err)
	}
	writeError(w, status, message)
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid input"
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket not found"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrQueueInactive):
		return http.StatusConflict, "queue is closed"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "nothing to serve"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "ticket state does not allow this action"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

type successResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeData(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, successResponse{Success: true, Data: payload})
}

func writeSuccess(w http.ResponseWriter, status int) {
	writeJSON(w, status, successResponse{Success: true})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
