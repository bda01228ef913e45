package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction-tracker/backend/internal/audit/domain"
	auditrepo "auction-tracker/backend/internal/audit/repository"
)

// mockAuditRepo implements Repository for tests.
type mockAuditRepo struct {
	logs    []*domain.AuditLog
	listErr error

	gotFilter        auditrepo.Filter
	gotLimit, gotOff int
}

func (m *mockAuditRepo) Create(context.Context, *domain.AuditLog) error { return nil }

func (m *mockAuditRepo) List(_ context.Context, f auditrepo.Filter, limit, offset int) ([]*domain.AuditLog, error) {
	m.gotFilter, m.gotLimit, m.gotOff = f, limit, offset
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*domain.AuditLog
	for _, l := range m.logs {
		if f.IdentityID != "" && l.IdentityID != f.IdentityID {
			continue
		}
		out = append(out, l)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func serve(t *testing.T, repo auditrepo.Repository, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(repo).RegisterRoutes(r)
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	r.ServeHTTP(w, req)
	return w
}

func TestList_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	for i := 0; i < 3; i++ {
		repo.logs = append(repo.logs, &domain.AuditLog{ID: fmt.Sprint(i), IdentityID: "alice", Action: domain.ActionAssociate})
	}
	w := serve(t, repo, "/audit?identity_id=alice&limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Logs, 2)
	assert.Equal(t, 2, resp.NextOffset)
	assert.Equal(t, "alice", repo.gotFilter.IdentityID)
}

func TestList_EmptyIsArray(t *testing.T) {
	w := serve(t, &mockAuditRepo{}, "/audit")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"logs": []}`, w.Body.String())
}

func TestList_PageSizeClamped(t *testing.T) {
	repo := &mockAuditRepo{}
	serve(t, repo, "/audit?limit=100000&offset=5")
	assert.Equal(t, maxPageSize, repo.gotLimit)
	assert.Equal(t, 5, repo.gotOff)
}

func TestList_BadQuery(t *testing.T) {
	for _, q := range []string{"/audit?limit=x", "/audit?limit=0", "/audit?offset=-1"} {
		w := serve(t, &mockAuditRepo{}, q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestList_RepositoryError(t *testing.T) {
	w := serve(t, &mockAuditRepo{listErr: errors.New("db down")}, "/audit")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
