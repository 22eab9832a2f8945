package directory

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"

	"invoice-intake/internal/model"
)

func TestServiceNormalizesAndUpserts(t *testing.T) {
	t.Parallel()

	store := &stubStore{defaultID: "cab-default"}
	svc := NewService(store, Config{})

	v, err := svc.Upsert(context.Background(), Contact{
		Name:    "  ACME SAS ",
		Email:   "Contact@ACME.fr",
		Phone:   "06 12 34 56 78",
		Siret:   "732 829 320 00074",
		Address: "8 Avenue PARIS",
	})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if store.upserts.Load() != 1 || store.defaults.Load() != 1 {
		t.Fatalf("expected one upsert and one default lookup, got %d/%d", store.upserts.Load(), store.defaults.Load())
	}
	if v.Name != "ACME SAS" || v.CabinetID != "cab-default" {
		t.Fatalf("unexpected vendor identity: %+v", v)
	}
	if v.Email == nil || *v.Email != "contact@acme.fr" {
		t.Fatalf("expected lowercased email, got %v", v.Email)
	}
	if v.Telephone == nil || *v.Telephone != "+33612345678" {
		t.Fatalf("expected E.164 phone, got %v", v.Telephone)
	}
	if v.Siret == nil || *v.Siret != "73282932000074" {
		t.Fatalf("expected compact siret, got %v", v.Siret)
	}
	if v.Address == nil || *v.Address != "8 Avenue PARIS" {
		t.Fatalf("expected address, got %v", v.Address)
	}
}

func TestServiceDropsInvalidValues(t *testing.T) {
	t.Parallel()

	store := &stubStore{defaultID: "cab-default"}
	svc := NewService(store, Config{})

	v, err := svc.Upsert(context.Background(), Contact{Name: "Garage", Email: "not-an-email", Phone: "12", Siret: "73282932000075"})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if v.Email != nil || v.Siret != nil || v.Address != nil {
		t.Fatalf("expected invalid values dropped, got %+v", v)
	}
	if v.Telephone == nil || *v.Telephone != "12" {
		t.Fatalf("expected unparsable phone kept as-is, got %v", v.Telephone)
	}
}

func TestServiceUsesConfiguredCabinet(t *testing.T) {
	t.Parallel()

	store := &stubStore{cabinets: map[string]bool{"cab-1": true}}
	svc := NewService(store, Config{CabinetID: "cab-1"})

	v, err := svc.Upsert(context.Background(), Contact{Name: "ACME"})
	if err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if v.CabinetID != "cab-1" || store.defaults.Load() != 0 {
		t.Fatalf("expected configured cabinet, got %s (defaults %d)", v.CabinetID, store.defaults.Load())
	}

	missing := NewService(store, Config{CabinetID: "cab-404"})
	if _, err := missing.Upsert(context.Background(), Contact{Name: "ACME"}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for unknown cabinet, got %v", err)
	}
}

func TestServiceRejectsEmptyName(t *testing.T) {
	t.Parallel()

	store := &stubStore{defaultID: "cab"}
	svc := NewService(store, Config{})
	if _, err := svc.Upsert(context.Background(), Contact{Name: "  "}); !errors.Is(err, ErrNoVendor) {
		t.Fatalf("expected ErrNoVendor, got %v", err)
	}
	if store.upserts.Load() != 0 {
		t.Fatalf("expected store not called on invalid input")
	}
}

func TestServicePropagatesStoreError(t *testing.T) {
	t.Parallel()

	store := &stubStore{defaultID: "cab", err: errors.New("boom")}
	svc := NewService(store, Config{})
	if _, err := svc.Upsert(context.Background(), Contact{Name: "ACME"}); err == nil {
		t.Fatalf("expected error when store fails")
	}
}

// --- stubs ---

type stubStore struct {
	defaultID string
	cabinets  map[string]bool
	err       error
	upserts   atomic.Int32
	defaults  atomic.Int32
}

func (s *stubStore) DefaultCabinetID(ctx context.Context) (string, error) {
	s.defaults.Add(1)
	return s.defaultID, nil
}

func (s *stubStore) GetCabinet(ctx context.Context, id string) (*model.Cabinet, error) {
	if !s.cabinets[id] {
		return nil, sql.ErrNoRows
	}
	return &model.Cabinet{ID: id}, nil
}

func (s *stubStore) UpsertVendor(ctx context.Context, v *model.Vendor) error {
	s.upserts.Add(1)
	if s.err != nil {
		return s.err
	}
	v.ID = 1
	return nil
}
