package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"auction-tracker/backend/internal/audit/domain"
	auditrepo "auction-tracker/backend/internal/audit/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler serves the audit log to administrators. Authorization is applied by the router that
// mounts it.
type Handler struct {
	repo auditrepo.Repository
}

// NewHandler returns an audit log handler reading from repo.
func NewHandler(repo auditrepo.Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts GET /audit.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audit", h.list)
}

type listResponse struct {
	Logs       []*domain.AuditLog `json:"logs"`
	NextOffset int                `json:"next_offset,omitempty"`
}

// list returns a page of audit logs. Query: identity_id, action, resource, limit, offset.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultPageSize
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPageSize)
	}
	offset := 0
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}
	filter := auditrepo.Filter{
		IdentityID: q.Get("identity_id"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
	}

	logs, err := h.repo.List(r.Context(), filter, limit, offset)
	if err != nil {
		log.Printf("audit: list: %v", err)
		http.Error(w, "failed to list audit logs", http.StatusInternalServerError)
		return
	}
	resp := listResponse{Logs: logs}
	if resp.Logs == nil {
		resp.Logs = []*domain.AuditLog{}
	}
	if len(logs) == limit {
		resp.NextOffset = offset + limit
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
