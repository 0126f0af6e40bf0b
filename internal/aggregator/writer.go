package aggregator

// ============================================================================
// Export writer
// 1. Serialize the export document as indented JSON
// 2. Write atomically (temp file + rename) so a reader never sees a partial file
// 3. gzip-compress when the target path ends in .gz
// 4. Load validates the schema version for replay tooling
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/klauspost/compress/gzip"
)

var (
	ErrCorruptedExport     = errors.New("export file is corrupted")
	ErrIncompatibleVersion = errors.New("export schema version is incompatible")
)

// Writer persists export documents to one path.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter returns a writer for path. A ".gz" suffix enables compression.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the target file.
func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) compressed() bool {
	return strings.HasSuffix(w.path, ".gz")
}

// Write replaces the target file with doc.
func (w *Writer) Write(doc ExportDocument) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if doc.Violations == nil {
		doc.Violations = []types.Violation{}
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if w.compressed() {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("failed to compress export: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress export: %w", err)
		}
		body = buf.Bytes()
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o600); err != nil {
		return fmt.Errorf("failed to write temp export: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename export: %w", err)
	}
	return nil
}

// Load reads back a document written by Write.
func (w *Writer) Load() (ExportDocument, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var doc ExportDocument
	f, err := os.Open(w.path)
	if err != nil {
		return doc, fmt.Errorf("failed to read export: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if w.compressed() {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return doc, fmt.Errorf("%w: %v", ErrCorruptedExport, err)
		}
		defer zr.Close()
		r = zr
	}

	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedExport, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVersion, SchemaVersion)
	}
	return doc, nil
}
