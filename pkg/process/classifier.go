package process

import (
	"github.com/nicktill/tinystats/pkg/storage"
)

// Process types reported by a Classifier.
const (
	TypeBrowser = "browser"
	TypeProgram = "program"
	TypeSystem  = "system"
	TypeUnknown = "unknown"

	CategoryUnknown = "Unknown"
)

// Classifier assigns display metadata to a lowercased process name.
type Classifier interface {
	Classify(name string) (storage.ProcessInfo, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(name string) (storage.ProcessInfo, error)

// Classify calls fn(name).
func (fn ClassifierFunc) Classify(name string) (storage.ProcessInfo, error) {
	return fn(name)
}

// classify never fails: a nil classifier, an error or empty fields fall back
// to the raw name with an unknown type.
func classify(c Classifier, name string) storage.ProcessInfo {
	fallback := storage.ProcessInfo{DisplayName: name, Type: TypeUnknown, Category: CategoryUnknown}
	if c == nil {
		return fallback
	}
	info, err := c.Classify(name)
	if err != nil {
		return fallback
	}
	if info.DisplayName == "" {
		info.DisplayName = name
	}
	if info.Type == "" {
		info.Type = TypeUnknown
	}
	if info.Category == "" {
		info.Category = CategoryUnknown
	}
	return info
}
