// Package filewatch implements the file-watch Transport: jobs are plain
// JSON files dropped into an ingress directory, claimed by atomic rename,
// and moved to done/failed directories on completion. Grounded on the
// teacher's ticker-driven watch-loop idiom (pkg/scheduler, pkg/reconciler)
// combined with fsnotify for the ingress directory.
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobstate"
	"github.com/ssahani/guestkit-worker/pkg/log"
	"github.com/ssahani/guestkit-worker/pkg/metrics"
	"github.com/ssahani/guestkit-worker/pkg/result"
)

// Transport implements transport.Transport over a directory tree:
//
//	<root>/                 ingress
//	<root>/processing/<id>/ claim area for this worker
//	<root>/done/            completed jobs (original filename)
//	<root>/failed/          failed jobs (original filename + .reason.txt)
//	<results>/              "<job_id>-result.json"
type Transport struct {
	root     string
	resultsDir string
	workerID string

	watcher      *fsnotify.Watcher
	resultWriter *result.Writer

	mu       sync.Mutex
	claimed  map[string]string // job_id -> processing file path
	original map[string]string // job_id -> original filename
	states   map[string]jobstate.State
	results  map[string]*job.Result // job_id -> committed terminal result
}

// New builds a file-watch Transport rooted at root, writing results into
// resultsDir. The processing/done/failed subdirectories are created.
func New(root, resultsDir, workerID string) (*Transport, error) {
	for _, sub := range []string{"", "processing", filepath.Join("processing", workerID), "done", "failed"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	resultWriter, err := result.NewWriter(resultsDir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("building result writer: %w", err)
	}

	return &Transport{
		root:         root,
		resultsDir:   resultsDir,
		workerID:     workerID,
		watcher:      watcher,
		resultWriter: resultWriter,
		claimed:      make(map[string]string),
		original:     make(map[string]string),
		states:       make(map[string]jobstate.State),
		results:      make(map[string]*job.Result),
	}, nil
}

// Close stops the underlying filesystem watch.
func (t *Transport) Close() error {
	return t.watcher.Close()
}

func (t *Transport) processingDir() string {
	return filepath.Join(t.root, "processing", t.workerID)
}

// FetchNext watches the ingress directory for new files and attempts to
// claim the first one found by atomically renaming it into this worker's
// processing directory. Renames that fail (another worker won the race)
// are silently skipped.
func (t *Transport) FetchNext(ctx context.Context) (*job.Document, error) {
	// Drain anything already sitting in the ingress directory before
	// waiting on new fsnotify events, so jobs present at startup aren't
	// missed.
	if doc, ok, err := t.tryClaimExisting(); err != nil {
		return nil, err
	} else if ok {
		return doc, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("fsnotify watcher closed")
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			doc, claimed, err := t.tryClaim(evt.Name)
			if err != nil {
				log.WithComponent("filewatch").Warn().Err(err).Str("path", evt.Name).Msg("failed to claim job file")
				continue
			}
			if claimed {
				return doc, nil
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("fsnotify watcher closed")
			}
			log.WithComponent("filewatch").Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (t *Transport) tryClaimExisting() (*job.Document, bool, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, false, fmt.Errorf("listing ingress directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		doc, claimed, err := t.tryClaim(filepath.Join(t.root, name))
		if err != nil {
			continue
		}
		if claimed {
			return doc, true, nil
		}
	}
	return nil, false, nil
}

// tryClaim attempts to claim a single ingress file by renaming it into
// this worker's processing directory. Returns claimed=false (no error)
// if the rename lost a race to another worker or the path vanished.
func (t *Transport) tryClaim(path string) (*job.Document, bool, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, false, nil
	}

	name := filepath.Base(path)
	dest := filepath.Join(t.processingDir(), name)

	if err := os.Rename(path, dest); err != nil {
		return nil, false, nil
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, false, fmt.Errorf("reading claimed job file: %w", err)
	}

	var doc job.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.moveToFailed(name, dest, fmt.Sprintf("malformed job document: %v", err))
		return nil, false, fmt.Errorf("parsing job document %s: %w", name, err)
	}

	t.mu.Lock()
	t.claimed[doc.JobID] = dest
	t.original[doc.JobID] = name
	t.states[doc.JobID] = jobstate.Assigned
	t.mu.Unlock()

	metrics.QueueDepth.Set(float64(t.QueueDepth()))
	return &doc, true, nil
}

// UpdateState validates the transition and records it. The file-watch
// transport does not persist intermediate states to disk; only the
// terminal Ack/Nack moves the claimed file.
func (t *Transport) UpdateState(jobID string, newState jobstate.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if !jobstate.CanTransition(current, newState) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", current, newState, jobID)
	}
	t.states[jobID] = newState
	return nil
}

// Ack commits the final result, success or failure: it writes the
// result to resultsDir and moves the claimed file to done/ on success
// or failed/ on any other terminal status, since Ack is the single
// commit path for every terminal outcome (Nack is reserved for
// requeue-able situations the executor already retries internally). A
// second Ack for a job already committed is idempotent if it carries
// the same result and rejected if it carries a different one.
func (t *Transport) Ack(jobID string, res *job.Result) error {
	t.mu.Lock()
	if existing, ok := t.results[jobID]; ok {
		t.mu.Unlock()
		if !reflect.DeepEqual(existing, res) {
			return fmt.Errorf("job %s already acked with a different result", jobID)
		}
		return nil
	}
	t.mu.Unlock()

	if _, err := t.resultWriter.Write(res); err != nil {
		return err
	}

	t.mu.Lock()
	dest, ok := t.claimed[jobID]
	name := t.original[jobID]
	t.mu.Unlock()
	if !ok {
		return nil // claim already released, e.g. process restarted after writing the result
	}

	state := terminalStateFor(res.Status)
	destDir := "done"
	if state != jobstate.Completed {
		destDir = "failed"
	}

	targetPath := filepath.Join(t.root, destDir, name)
	if err := os.Rename(dest, targetPath); err != nil {
		return fmt.Errorf("moving %s to %s: %w", name, destDir, err)
	}
	if destDir == "failed" && res.Error != nil {
		_ = os.WriteFile(targetPath+".reason.txt", []byte(res.Error.Message), 0o644)
	}

	t.mu.Lock()
	delete(t.claimed, jobID)
	delete(t.original, jobID)
	t.states[jobID] = state
	t.results[jobID] = res
	t.mu.Unlock()
	return nil
}

func terminalStateFor(status string) jobstate.State {
	switch status {
	case "timeout":
		return jobstate.Timeout
	case "cancelled":
		return jobstate.Cancelled
	case "failed":
		return jobstate.Failed
	default:
		return jobstate.Completed
	}
}

// Nack reports a failure. If requeue is true, the claimed file is moved
// back to the ingress directory for another attempt; otherwise it moves
// to failed/ with a sibling ".reason.txt".
func (t *Transport) Nack(jobID string, reason string, requeue bool) error {
	t.mu.Lock()
	dest, ok := t.claimed[jobID]
	name := t.original[jobID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if requeue {
		ingressPath := filepath.Join(t.root, name)
		if err := os.Rename(dest, ingressPath); err != nil {
			return fmt.Errorf("requeuing %s: %w", name, err)
		}
		t.mu.Lock()
		delete(t.claimed, jobID)
		delete(t.original, jobID)
		t.states[jobID] = jobstate.Pending
		t.mu.Unlock()
		return nil
	}

	t.moveToFailed(name, dest, reason)
	t.mu.Lock()
	delete(t.claimed, jobID)
	delete(t.original, jobID)
	t.states[jobID] = jobstate.Failed
	t.mu.Unlock()
	return nil
}

func (t *Transport) moveToFailed(name, src, reason string) {
	failedPath := filepath.Join(t.root, "failed", name)
	if err := os.Rename(src, failedPath); err != nil {
		log.WithComponent("filewatch").Error().Err(err).Str("name", name).Msg("failed to move job to failed directory")
		return
	}
	reasonPath := failedPath + ".reason.txt"
	_ = os.WriteFile(reasonPath, []byte(reason), 0o644)
}

// Submit is not meaningful for the file-watch transport: an external
// process dropping a file into the ingress directory is the submission
// path. Submit returns an error so callers don't silently no-op.
func (t *Transport) Submit(doc *job.Document) error {
	return fmt.Errorf("filewatch transport does not support programmatic submission; write a job file into the ingress directory instead")
}

// QueueDepth counts files currently sitting in the ingress directory.
func (t *Transport) QueueDepth() int {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
