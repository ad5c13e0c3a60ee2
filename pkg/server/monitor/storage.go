package monitor

import (
	"io/fs"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
)

// DefaultUsageCacheTTL bounds how often the data directory is walked.
const DefaultUsageCacheTTL = 10 * time.Second

// Usage is the on-disk footprint of the data directory.
type Usage struct {
	UsedBytes   int64   `json:"used_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Files       int     `json:"files"`
	Exceeded    bool    `json:"exceeded"`
}

// StorageMonitor measures the data directory (database, WAL and raw log)
// against the configured limit. Results are cached.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	cacheTTL time.Duration

	mu        sync.Mutex
	cached    Usage
	lastCheck time.Time
}

// NewStorageMonitor creates a storage monitor for dataDir.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		cacheTTL: DefaultUsageCacheTTL,
	}
}

// GetUsage returns the current usage, walking the directory at most once per
// cache period.
func (sm *StorageMonitor) GetUsage() (Usage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := clock.Now()
	if !sm.lastCheck.IsZero() && now.Sub(sm.lastCheck) < sm.cacheTTL {
		return sm.cached, nil
	}

	used, files, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{UsedBytes: used, MaxBytes: sm.maxBytes, Files: files}
	if sm.maxBytes > 0 {
		u.UsedPercent = math.Round(float64(used)/float64(sm.maxBytes)*10000) / 100
		u.Exceeded = used >= sm.maxBytes
	}
	sm.cached = u
	sm.lastCheck = now
	return u, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize sums the allocated size of every regular file under path.
// Allocated size keeps sparse files from being overcounted.
func calculateDirSize(path string) (int64, int, error) {
	var (
		size  int64
		files int
	)
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed mid-walk, e.g. a WAL file after checkpoint
			return nil
		}
		files++
		if actual, err := allocatedSize(p); err == nil {
			size += actual
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, files, err
}
