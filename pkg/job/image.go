package job

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// ImageFormat enumerates the VM disk image formats handlers understand.
type ImageFormat string

const (
	FormatQCOW2 ImageFormat = "qcow2"
	FormatVMDK  ImageFormat = "vmdk"
	FormatVDI   ImageFormat = "vdi"
	FormatVHDX  ImageFormat = "vhdx"
	FormatRaw   ImageFormat = "raw"
)

// ImageSpec describes a VM disk image consumed by VM-operation handlers.
type ImageSpec struct {
	Path       string      `json:"path"`
	Format     ImageFormat `json:"format"`
	Checksum   string      `json:"checksum,omitempty"`
	SizeBytes  int64       `json:"size_bytes,omitempty"`
	ReadOnly   bool        `json:"readonly,omitempty"`
}

// ParsedChecksum is the algorithm-tagged form of ImageSpec.Checksum: the
// bare "sha256:<64 hex>"/"<64 hex>" conventions spec.md §3 describes,
// normalized for the executor's checksum step.
type ParsedChecksum struct {
	Algorithm string
	Hex       string
}

// ParseChecksum validates and normalizes an ImageSpec.Checksum string
// using go-digest's "<algorithm>:<hex>" grammar. A bare 64-hex string
// (no algorithm prefix) is treated as shorthand for sha256, per
// spec.md §3's checksum field description. An empty string means "no
// checksum declared" and returns (nil, nil).
func ParseChecksum(s string) (*ParsedChecksum, error) {
	if s == "" {
		return nil, nil
	}

	candidate := s
	if !digest.DigestRegexp.MatchString(s) {
		candidate = string(digest.Canonical) + ":" + s
	}

	d := digest.Digest(candidate)
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	if d.Algorithm() != digest.Canonical {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", d.Algorithm())
	}

	return &ParsedChecksum{Algorithm: d.Algorithm().String(), Hex: d.Encoded()}, nil
}
