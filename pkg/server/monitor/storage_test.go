package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor("/tmp", 1024*1024*1024)
	if got := sm.GetLimit(); got != 1024*1024*1024 {
		t.Errorf("GetLimit() = %d, want %d", got, 1024*1024*1024)
	}
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "tinystats.db"), []byte("test data"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, "nested"), 0o755); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "nested", "raw_usage.csv"), []byte("1,2,3\n"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(tmpDir, 1024*1024*1024)
	usage, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if usage.Files != 2 {
		t.Errorf("Files = %d, want 2", usage.Files)
	}
	if usage.UsedBytes <= 0 {
		t.Errorf("UsedBytes = %d, want > 0", usage.UsedBytes)
	}
	if usage.Exceeded {
		t.Error("Exceeded should be false under a 1 GB limit")
	}
}

func TestStorageMonitor_Exceeded(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "tinystats.db"), make([]byte, 8192), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(tmpDir, 1)
	usage, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if !usage.Exceeded {
		t.Errorf("Exceeded = false with %d bytes used over a 1 byte limit", usage.UsedBytes)
	}
	if usage.UsedPercent < 100 {
		t.Errorf("UsedPercent = %v, want >= 100", usage.UsedPercent)
	}
}

func TestStorageMonitor_Caching(t *testing.T) {
	tmpDir := t.TempDir()
	setNow(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sm := NewStorageMonitor(tmpDir, 1024*1024*1024)

	usage1, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "late.csv"), make([]byte, 8192), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	usage2, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage1 != usage2 {
		t.Errorf("Cached values differ: %+v != %+v", usage1, usage2)
	}

	setNow(t, time.Date(2024, 3, 1, 12, 0, 11, 0, time.UTC))
	usage3, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage3.Files != 1 {
		t.Errorf("Files after cache expiry = %d, want 1", usage3.Files)
	}
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", 1024*1024*1024)
	if _, err := sm.GetUsage(); err == nil {
		t.Error("GetUsage() should return error for nonexistent directory")
	}
}
