// Package inspect implements the guestkit.inspect built-in handler: a
// shallow, demonstration-only disk image inspector. Per spec.md §1's
// Non-goals, the actual guest-filesystem walk is replaceable business
// code; this handler only reads partition-table and qcow2-header
// metadata, which is enough to exercise the disk-format libraries.
package inspect

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	qcow2reader "github.com/lima-vm/go-qcow2reader"

	"github.com/ssahani/guestkit-worker/pkg/job"
	"github.com/ssahani/guestkit-worker/pkg/jobserrors"
	"github.com/ssahani/guestkit-worker/pkg/metrics"
	"github.com/ssahani/guestkit-worker/pkg/registry"
)

// Handler inspects a VM disk image's partition table and, for qcow2
// images, its header metadata.
type Handler struct{}

// New returns an inspect Handler.
func New() *Handler {
	return &Handler{}
}

func (h *Handler) Name() string { return "guestkit.inspect" }

func (h *Handler) SupportedOperations() []string { return []string{"guestkit.inspect"} }

func (h *Handler) Supports(operation string) bool { return operation == "guestkit.inspect" }

type payload struct {
	Image job.ImageSpec `json:"image"`
}

func (h *Handler) decode(doc *job.Document) (*payload, error) {
	var p payload
	if err := json.Unmarshal(doc.Payload.Data, &p); err != nil {
		return nil, fmt.Errorf("decoding guestkit.inspect payload: %w", err)
	}
	if p.Image.Path == "" {
		return nil, fmt.Errorf("guestkit.inspect payload requires image.path")
	}
	return &p, nil
}

func (h *Handler) Validate(doc *job.Document) error {
	_, err := h.decode(doc)
	return err
}

// declaredVsActualFormat probes the image's real on-disk format via
// go-qcow2reader and flags a mismatch against the caller's declared
// format, per SPEC_FULL.md §9's format-mismatch supplement.
func declaredVsActualFormat(f *os.File, declared job.ImageFormat) (actual string, mismatch bool, err error) {
	img, openErr := qcow2reader.Open(f)
	if openErr != nil {
		// Not a qcow2 image (or unreadable as one); only qcow2 is probed,
		// everything else is trusted at face value.
		return string(declared), false, nil
	}
	defer img.Close()

	actualType := string(img.Type())
	return actualType, actualType != string(declared), nil
}

func (h *Handler) Execute(ec *registry.ExecutionContext, doc *job.Document) (map[string]any, error) {
	p, err := h.decode(doc)
	if err != nil {
		return nil, err
	}

	ec.Progress("opening", "opening disk image", 10)

	f, err := os.Open(p.Image.Path)
	if err != nil {
		// A missing or momentarily-locked image (e.g. still being staged
		// by the caller) is worth retrying rather than failing outright.
		return nil, jobserrors.Recoverable(fmt.Errorf("opening image: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	metrics.DiskReadBytesTotal.Add(float64(info.Size()))

	outputs := map[string]any{
		"path":       p.Image.Path,
		"size_bytes": info.Size(),
	}

	ec.Progress("probing-format", "probing declared vs actual format", 40)
	if p.Image.Format == job.FormatQCOW2 {
		actual, mismatch, err := declaredVsActualFormat(f, p.Image.Format)
		if err == nil {
			outputs["actual_format"] = actual
			outputs["format_mismatch"] = mismatch
		}
		if _, err := f.Seek(0, 0); err != nil {
			return nil, fmt.Errorf("rewinding image: %w", err)
		}
	}

	ec.Progress("reading-partitions", "reading partition table", 70)
	disk, err := diskfs.Open(p.Image.Path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		// Not every supported format has a readable partition table
		// (e.g. a bare single-filesystem image); report what we have.
		outputs["partitions"] = []string{}
	} else {
		table, ptErr := disk.GetPartitionTable()
		if ptErr == nil {
			names := make([]string, 0, len(table.GetPartitions()))
			for i := range table.GetPartitions() {
				names = append(names, fmt.Sprintf("partition-%d", i+1))
			}
			outputs["partitions"] = names
		} else {
			outputs["partitions"] = []string{}
		}
	}

	ec.Progress("done", "inspection complete", 100)
	return outputs, nil
}
