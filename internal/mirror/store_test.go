package mirror

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mirror.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&IndexedRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func sampleRow(account, txID, data string) IndexedRow {
	return IndexedRow{
		DataAccount:         account,
		Authority:           "authority-1",
		DataType:            1,
		Data:                data,
		TxID:                txID,
		SerializationStatus: 1,
	}
}

func TestUpsertInsertsUpdatesAndSkipsSameTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	outcome, err := store.Upsert(ctx, sampleRow("account-1", "tx-1", `{"a":1}`))
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Fatalf("expected inserted, got %s", outcome)
	}

	outcome, err = store.Upsert(ctx, sampleRow("account-1", "tx-1", `{"a":1}`))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged on replay, got %s", outcome)
	}

	updated := sampleRow("account-1", "tx-2", `{"a":2}`)
	updated.Authority = "authority-2"
	updated.SerializationStatus = 0
	outcome, err = store.Upsert(ctx, updated)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if outcome != OutcomeUpdated || !outcome.Changed() {
		t.Fatalf("expected updated, got %s", outcome)
	}

	stored, err := store.Get(ctx, "account-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored != updated {
		t.Fatalf("expected %+v, got %+v", updated, stored)
	}
}

func TestUpsertRejectsIncompleteRows(t *testing.T) {
	store := newTestStore(t)
	tests := []struct {
		name string
		row  IndexedRow
		want error
	}{
		{name: "missing-account", row: sampleRow("", "tx", "{}"), want: errMissingKey},
		{name: "missing-tx", row: sampleRow("account", " ", "{}"), want: errMissingTxID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Upsert(context.Background(), tt.row)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != "mirror.upsert.invalid_row" {
				t.Fatalf("unexpected service error %v", err)
			}
		})
	}
}

func TestGetMissingRow(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestListFiltersByAuthority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rows := []IndexedRow{
		sampleRow("account-b", "tx-1", "{}"),
		sampleRow("account-a", "tx-2", "{}"),
		sampleRow("account-c", "tx-3", "{}"),
	}
	rows[2].Authority = "authority-2"
	for _, row := range rows {
		if _, err := store.Upsert(ctx, row); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	listed, err := store.List(ctx, ListFilter{Authority: "authority-1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || listed[0].DataAccount != "account-a" || listed[1].DataAccount != "account-b" {
		t.Fatalf("unexpected rows %+v", listed)
	}

	all, err := store.List(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected limit to apply, got %d rows", len(all))
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected errMissingDatabase, got %v", err)
	}
}
