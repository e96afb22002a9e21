// Package result writes terminal JobResult artefacts atomically.
package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssahani/guestkit-worker/pkg/job"
)

// Writer persists job.Result values under a results directory as
// "<job_id>-result.json", writing to a ".tmp" sibling first and renaming
// into place so readers never observe a partial file.
type Writer struct {
	dir string
}

// NewWriter returns a Writer rooted at dir. dir is created if missing.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write persists r atomically and returns the final path.
func (w *Writer) Write(r *job.Result) (string, error) {
	final := filepath.Join(w.dir, r.JobID+"-result.json")
	tmp := final + ".tmp"

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing temp result file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("renaming result file into place: %w", err)
	}
	return final, nil
}

// Read loads a previously written result by job ID.
func (w *Writer) Read(jobID string) (*job.Result, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, jobID+"-result.json"))
	if err != nil {
		return nil, err
	}
	var r job.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding result file: %w", err)
	}
	return &r, nil
}
