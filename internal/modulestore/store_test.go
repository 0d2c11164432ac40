package modulestore

import (
	"sync"
	"testing"
	"time"
)

func TestStore_AddAndGetModuleCode(t *testing.T) {
	s := New(Config{})

	if err := s.AddModule("./widget", "export default 1;"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}

	code, ok := s.GetModuleCode("./widget")
	if !ok {
		t.Fatal("expected module code to be present")
	}
	if code != "export default 1;" {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestStore_GetModuleCode_Missing(t *testing.T) {
	s := New(Config{})

	_, ok := s.GetModuleCode("./missing")
	if ok {
		t.Fatal("expected missing module to report not found")
	}
}

func TestStore_ContainsModuleCode(t *testing.T) {
	s := New(Config{})

	if s.ContainsModuleCode("./widget") {
		t.Fatal("expected not-yet-added module to be absent")
	}
	if err := s.AddModule("./widget", "1"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	if !s.ContainsModuleCode("./widget") {
		t.Fatal("expected added module to be present")
	}
}

func TestStore_AddModule_IncrementsVersion(t *testing.T) {
	s := New(Config{})

	if err := s.AddModule("./widget", "v1"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	v1, ok := s.GetVersion("./widget")
	if !ok || v1 != 1 {
		t.Fatalf("expected version 1, got %d (ok=%v)", v1, ok)
	}

	if err := s.AddModule("./widget", "v2"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	v2, ok := s.GetVersion("./widget")
	if !ok || v2 != 2 {
		t.Fatalf("expected version 2, got %d (ok=%v)", v2, ok)
	}

	code, _ := s.GetModuleCode("./widget")
	if code != "v2" {
		t.Fatalf("expected latest code 'v2', got %q", code)
	}
}

func TestStore_SetModuleMeta(t *testing.T) {
	s := New(Config{})

	if _, ok := s.GetModuleMeta("./widget"); ok {
		t.Fatal("expected unset meta to report not found")
	}

	s.SetModuleMeta("./widget", true)
	meta, ok := s.GetModuleMeta("./widget")
	if !ok || !meta {
		t.Fatalf("expected meta true, got %v (ok=%v)", meta, ok)
	}
}

func TestStore_BatchStats_FlushOnSizeLimit(t *testing.T) {
	s := New(Config{BatchSizeLimit: 3, BatchTimeLimit: time.Hour})

	for i := 0; i < 3; i++ {
		if err := s.AddModule("./m", "code"); err != nil {
			t.Fatalf("AddModule failed: %v", err)
		}
	}

	stats := s.GetBatchStats()
	if stats.TotalBatchesProcessed != 1 {
		t.Fatalf("expected 1 batch processed, got %d", stats.TotalBatchesProcessed)
	}
	if stats.TotalOperationsBatched != 3 {
		t.Fatalf("expected 3 operations batched, got %d", stats.TotalOperationsBatched)
	}
	if stats.AverageBatchSize != 3 {
		t.Fatalf("expected average batch size 3, got %f", stats.AverageBatchSize)
	}
	// (3-1) * 2ms = 4ms
	if stats.TimeSavedByBatchingMs != 4 {
		t.Fatalf("expected 4ms time saved, got %d", stats.TimeSavedByBatchingMs)
	}
}

func TestStore_BatchStats_FlushOnTimeLimit(t *testing.T) {
	s := New(Config{BatchSizeLimit: 50, BatchTimeLimit: 10 * time.Millisecond})

	if err := s.AddModule("./m", "code"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.AddModule("./m", "code2"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}

	stats := s.GetBatchStats()
	if stats.TotalBatchesProcessed < 1 {
		t.Fatalf("expected at least 1 batch flushed by time limit, got %d", stats.TotalBatchesProcessed)
	}
}

func TestStore_FlushPendingBatch(t *testing.T) {
	s := New(Config{BatchSizeLimit: 50, BatchTimeLimit: time.Hour})

	if err := s.AddModule("./m", "code"); err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}

	if stats := s.GetBatchStats(); stats.TotalBatchesProcessed != 0 {
		t.Fatalf("expected batch to still be pending, got %d processed", stats.TotalBatchesProcessed)
	}

	if err := s.FlushPendingBatch(); err != nil {
		t.Fatalf("FlushPendingBatch failed: %v", err)
	}

	stats := s.GetBatchStats()
	if stats.TotalBatchesProcessed != 1 {
		t.Fatalf("expected 1 batch processed after flush, got %d", stats.TotalBatchesProcessed)
	}
}

func TestStore_FlushPendingBatch_Empty(t *testing.T) {
	s := New(Config{})
	if err := s.FlushPendingBatch(); err != nil {
		t.Fatalf("FlushPendingBatch on empty store failed: %v", err)
	}
	if stats := s.GetBatchStats(); stats.TotalBatchesProcessed != 0 {
		t.Fatalf("expected no batches processed, got %d", stats.TotalBatchesProcessed)
	}
}

func TestStore_ConcurrentAddModule(t *testing.T) {
	s := New(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AddModule("./shared", "code")
		}(i)
	}
	wg.Wait()

	v, ok := s.GetVersion("./shared")
	if !ok || v != 50 {
		t.Fatalf("expected version 50 after 50 concurrent adds, got %d (ok=%v)", v, ok)
	}
}
