package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ContractRelay/internal/txn"
)

func TestMemoryStoreCRUD(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	ctx := context.Background()

	record := &Record{ID: "sub-1", Account: "default", Contract: "token", Function: "transfer", Stage: txn.StageBuilt, CreatedAt: 10, UpdatedAt: 10}
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Create(ctx, record); !errors.Is(err, ErrSubmissionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	record.Hash = "0xABCDEF"
	record.Stage = txn.StageSubmitted
	record.UpdatedAt = 20
	record.CreatedAt = 99
	if err := store.Update(ctx, record); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stored, err := store.Get(ctx, "sub-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Stage != txn.StageSubmitted || stored.CreatedAt != 10 {
		t.Fatalf("unexpected record: %+v", stored)
	}
	byHash, err := store.GetByHash(ctx, "0xabcdef")
	if err != nil || byHash.ID != "sub-1" {
		t.Fatalf("expected lookup by hash to be case-insensitive, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Update(ctx, &Record{ID: "missing"}); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(0)
	ctx := context.Background()
	_ = store.Create(ctx, &Record{ID: "sub-1", History: []txn.StageRecord{{Stage: txn.StageBuilt}}})

	got, _ := store.Get(ctx, "sub-1")
	got.History[0].Stage = txn.StageFailed
	got.Account = "mutated"

	again, _ := store.Get(ctx, "sub-1")
	if again.History[0].Stage != txn.StageBuilt || again.Account != "" {
		t.Fatalf("store state leaked through a returned record: %+v", again)
	}
}

func TestMemoryStoreListAndRetention(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		record := &Record{ID: fmt.Sprintf("sub-%d", i), Hash: fmt.Sprintf("0x%d", i), CreatedAt: int64(i), UpdatedAt: int64(i)}
		if err := store.Create(ctx, record); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 3 || list[0].ID != "sub-5" || list[2].ID != "sub-3" {
		t.Fatalf("unexpected list after retention: %+v", list)
	}
	if _, err := store.GetByHash(ctx, "0x1"); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected evicted hash to be gone, got %v", err)
	}

	limited, _ := store.List(ctx, 1)
	if len(limited) != 1 || limited[0].ID != "sub-5" {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}
