package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"auction-tracker/backend/internal/broker/service"
	"auction-tracker/backend/internal/security"
)

// RouteRegistrar mounts routes on a router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// AdminHandler serves operator routes under /admin behind a bearer secret checked against a
// bcrypt hash.
type AdminHandler struct {
	broker *service.Broker
	hash   string
	hasher *security.SecretHasher
	extra  []RouteRegistrar
}

// NewAdminHandler returns an AdminHandler. extra registrars are mounted under /admin behind the
// same check. An empty tokenHash disables every admin route.
func NewAdminHandler(b *service.Broker, tokenHash string, extra ...RouteRegistrar) *AdminHandler {
	return &AdminHandler{broker: b, hash: tokenHash, hasher: security.NewSecretHasher(0), extra: extra}
}

// RegisterRoutes mounts /admin routes when an admin token hash is configured.
func (a *AdminHandler) RegisterRoutes(r chi.Router) {
	if a.hash == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(a.requireAdmin)
		r.Delete("/auctions/{auctionID}/pseudonyms", a.purge)
		for _, e := range a.extra {
			e.RegisterRoutes(r)
		}
	})
}

func (a *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r.Header.Get("Authorization"))
		if token == "" || a.hasher.Compare(a.hash, []byte(token)) != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type purgeResponse struct {
	Status  string `json:"status"`
	Removed int    `json:"removed"`
}

func (a *AdminHandler) purge(w http.ResponseWriter, r *http.Request) {
	n, err := a.broker.PurgeAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Status: "purged", Removed: n})
}

func bearer(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
