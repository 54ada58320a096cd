package ports

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/errkind"
)

func newTestAllocator(t *testing.T, min, max int) (*Allocator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ports.json")
	a, err := NewAllocator(context.Background(), NewFileStore(path), min, max, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a, path
}

func TestAllocateIsIdempotent(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 5000)
	ctx := context.Background()

	first, err := a.Allocate(ctx, "p1")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := a.Allocate(ctx, "p1")
	if err != nil {
		t.Fatalf("Allocate again: %v", err)
	}
	if first != second {
		t.Errorf("ports differ: %d vs %d", first, second)
	}
	if first != 4000 {
		t.Errorf("expected lowest port 4000, got %d", first)
	}
}

func TestDistinctPanelsGetDistinctPorts(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 5000)
	ctx := context.Background()

	p1, _ := a.Allocate(ctx, "p1")
	p2, _ := a.Allocate(ctx, "p2")
	if p1 == p2 {
		t.Fatalf("p1 and p2 share port %d", p1)
	}
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 5000)
	ctx := context.Background()

	p1, _ := a.Allocate(ctx, "p1")
	if err := a.Release(ctx, "p1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	p2, _ := a.Allocate(ctx, "p2")
	if p2 != p1 {
		t.Errorf("expected released port %d to be reused, got %d", p1, p2)
	}
	if _, ok := a.Lookup("p1"); ok {
		t.Error("p1 should have no port after release")
	}
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 5000)
	if err := a.Release(context.Background(), "nobody"); err != nil {
		t.Errorf("Release of unknown panel: %v", err)
	}
}

func TestExhaustion(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 4001)
	ctx := context.Background()

	a.Allocate(ctx, "p1")
	a.Allocate(ctx, "p2")
	_, err := a.Allocate(ctx, "p3")
	if !errors.Is(err, errkind.Exhausted) {
		t.Fatalf("expected Exhausted, got %v", err)
	}
}

func TestTableSurvivesRestart(t *testing.T) {
	a, path := newTestAllocator(t, 4000, 5000)
	ctx := context.Background()
	a.Allocate(ctx, "p1")
	p2, _ := a.Allocate(ctx, "p2")
	a.Release(ctx, "p1")

	b, err := NewAllocator(ctx, NewFileStore(path), 4000, 5000, zap.NewNop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if port, ok := b.Lookup("p2"); !ok || port != p2 {
		t.Errorf("p2 = %d,%v after reload, want %d", port, ok, p2)
	}
	if _, ok := b.Lookup("p1"); ok {
		t.Error("released p1 came back after reload")
	}
}

func TestConcurrentAllocations(t *testing.T) {
	a, _ := newTestAllocator(t, 4000, 4100)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := a.Allocate(ctx, fmt.Sprintf("panel-%d", i))
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			results[i] = port
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, port := range results {
		if seen[port] {
			t.Fatalf("port %d assigned twice", port)
		}
		seen[port] = true
	}
}

type failingStore struct {
	FileStore
	failPut bool
}

func (s *failingStore) Put(ctx context.Context, panelID string, port int) error {
	if s.failPut {
		return errors.New("disk full")
	}
	return s.FileStore.Put(ctx, panelID, port)
}

func TestFailedPersistLeavesNoAssignment(t *testing.T) {
	store := &failingStore{FileStore: *NewFileStore(filepath.Join(t.TempDir(), "ports.json")), failPut: true}
	a, err := NewAllocator(context.Background(), store, 4000, 5000, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	if _, err := a.Allocate(context.Background(), "p1"); err == nil {
		t.Fatal("expected persist error")
	}
	if _, ok := a.Lookup("p1"); ok {
		t.Error("assignment visible despite failed persist")
	}
}

func TestInvalidRange(t *testing.T) {
	_, err := NewAllocator(context.Background(), NewFileStore(filepath.Join(t.TempDir(), "p.json")), 5000, 4000, zap.NewNop())
	if !errors.Is(err, errkind.Invalid) {
		t.Errorf("expected Invalid, got %v", err)
	}
}
