package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auction-tracker/backend/internal/audit/domain"
)

func TestFileRepository_CreateAndList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs", AuditFile)
	r, err := NewFileRepository(path)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}

	if got, err := r.List(ctx, Filter{}, 10, 0); err != nil || got != nil {
		t.Fatalf("List on missing file = %v, %v", got, err)
	}

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		identity := "alice"
		if i%2 == 1 {
			identity = "bob"
		}
		a := &domain.AuditLog{
			ID: fmt.Sprint(i), IdentityID: identity, Action: domain.ActionAssociate,
			Resource: "auction/7", IP: "10.0.0.1", CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := r.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := r.List(ctx, Filter{}, 0, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("List = %d, %v; want 5", len(all), err)
	}
	if all[0].ID != "4" || all[4].ID != "0" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[4].ID)
	}

	alice, _ := r.List(ctx, Filter{IdentityID: "alice"}, 0, 0)
	if len(alice) != 3 {
		t.Errorf("alice entries = %d, want 3", len(alice))
	}

	page, _ := r.List(ctx, Filter{}, 2, 1)
	if len(page) != 2 || page[0].ID != "3" || page[1].ID != "2" {
		t.Errorf("page = %+v", page)
	}
	if beyond, _ := r.List(ctx, Filter{}, 2, 10); beyond != nil {
		t.Errorf("offset past end = %+v", beyond)
	}
}

func TestFileRepository_SkipsCorruptLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), AuditFile)
	if err := os.WriteFile(path, []byte("{broken\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := NewFileRepository(path)
	if err != nil {
		t.Fatalf("NewFileRepository: %v", err)
	}
	if err := r.Create(ctx, &domain.AuditLog{ID: "1", Action: domain.ActionPurge, Resource: "auction/1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.List(ctx, Filter{Action: domain.ActionPurge}, 10, 0)
	if err != nil || len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("List = %+v, %v", got, err)
	}
}
