package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nicktill/tinystats/pkg/sdk/payload"
)

var rawLogHeader = []string{"timestamp", "iso_time", "cpu_percent", "ram_percent", "gpu_percent", "cpu_temp", "gpu_temp"}

// rawLog appends samples to the sampler's CSV log. The file is reopened per
// append because retention replaces it by rename.
type rawLog struct {
	path string
}

func (l rawLog) append(samples []payload.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create raw log dir: %w", err)
	}

	_, err := os.Stat(l.path)
	fresh := errors.Is(err, fs.ErrNotExist)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(rawLogHeader); err != nil {
			return fmt.Errorf("write raw log header: %w", err)
		}
	}
	for _, s := range samples {
		record := []string{
			strconv.FormatFloat(s.Time, 'f', -1, 64),
			time.Unix(int64(s.Time), 0).Format(time.RFC3339),
			strconv.FormatFloat(s.CPU, 'f', 2, 64),
			strconv.FormatFloat(s.RAM, 'f', 2, 64),
			strconv.FormatFloat(s.GPU, 'f', 2, 64),
			optional(s.CPUTemp),
			optional(s.GPUTemp),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write raw log: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush raw log: %w", err)
	}
	return f.Close()
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}
