package retention

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RawLogResult reports what a raw log rewrite kept.
type RawLogResult struct {
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// PruneRawLog rewrites the CSV at path keeping the header row and every row
// whose first column is an epoch-seconds value >= cutoff. Rows that do not
// parse are dropped. The new file is written next to the old one and renamed
// over it. A missing file is not an error.
func PruneRawLog(path string, cutoff int64) (RawLogResult, error) {
	var res RawLogResult

	in, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("open raw log: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return res, fmt.Errorf("stat raw log: %w", err)
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return res, fmt.Errorf("create temp raw log: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := csv.NewWriter(tmp)
	header := true
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.Dropped++
				continue
			}
			return res, fmt.Errorf("read raw log: %w", err)
		}

		if header {
			header = false
			if err := w.Write(record); err != nil {
				return res, fmt.Errorf("write raw log header: %w", err)
			}
			continue
		}

		if len(record) == 0 {
			res.Dropped++
			continue
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		if err != nil || ts < float64(cutoff) {
			res.Dropped++
			continue
		}
		if err := w.Write(record); err != nil {
			return res, fmt.Errorf("write raw log: %w", err)
		}
		res.Kept++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return res, fmt.Errorf("flush raw log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return res, fmt.Errorf("sync raw log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("close raw log: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return res, fmt.Errorf("chmod raw log: %w", err)
	}
	in.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return res, fmt.Errorf("replace raw log: %w", err)
	}
	committed = true
	return res, nil
}
