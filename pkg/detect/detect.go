// Package detect computes the global features of an image: its OS and architecture.
package detect

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/featx/pkg/features"
)

var (
	// ErrUnsupportedFormat is returned for container formats that have no OS rule.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrUnsupportedArchitecture is returned for processors that are not modeled.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
)

// FormatKind is the structured container format tag reported by a backend.
type FormatKind int

const (
	FormatUnknown FormatKind = iota
	FormatPE
	FormatELF
	FormatMachO
)

func (k FormatKind) String() string {
	switch k {
	case FormatPE:
		return features.FormatPE
	case FormatELF:
		return features.FormatELF
	case FormatMachO:
		return features.FormatMachO
	default:
		return "unknown"
	}
}

// Format describes an image container. Name is the human readable type name
// (e.g. "Portable executable for AMD64 (PE)"); it is only consulted when Kind
// is FormatUnknown.
type Format struct {
	Kind FormatKind
	Name string
}

// Resolve returns the structured kind, falling back to a substring match on Name.
func (f Format) Resolve() FormatKind {
	if f.Kind != FormatUnknown {
		return f.Kind
	}
	switch {
	case strings.Contains(f.Name, "PE"):
		return FormatPE
	case strings.Contains(f.Name, "ELF"):
		return FormatELF
	}
	return FormatUnknown
}

func (f Format) String() string {
	if f.Name != "" {
		return f.Name
	}
	return f.Kind.String()
}

// OpenFunc opens a sequential byte stream over the loaded image.
type OpenFunc func() (io.ReadSeekCloser, error)

// FormatRule maps a container format to an OS without probing the image.
type FormatRule struct {
	Kind FormatKind
	OS   string
}

type options struct {
	rules []FormatRule
}

// Option configures OS detection.
type Option func(*options)

// WithFormatRule registers an OS for a format that would otherwise be unsupported.
func WithFormatRule(kind FormatKind, os string) Option {
	return func(o *options) {
		o.rules = append(o.rules, FormatRule{Kind: kind, OS: os})
	}
}

// OS returns the OS feature of the image at address 0x0.
//
// PE implies windows. ELF images are probed through the stream returned by
// open, which is closed before OS returns. Every other format fails with
// ErrUnsupportedFormat unless a FormatRule covers it.
func OS(format Format, open OpenFunc, opts ...Option) ([]features.Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	kind := format.Resolve()
	switch kind {
	case FormatPE:
		return []features.Record{{Feature: features.OS(features.OSWindows), Address: features.NoAddress}}, nil
	case FormatELF:
		os, err := elfOSFromStream(open)
		if err != nil {
			return nil, err
		}
		return []features.Record{{Feature: features.OS(os), Address: features.NoAddress}}, nil
	case FormatUnknown:
		// rules name a recognized format, an unrecognized one never matches
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	for _, rule := range o.rules {
		if rule.Kind == kind {
			return []features.Record{{Feature: features.OS(rule.OS), Address: features.NoAddress}}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

func elfOSFromStream(open OpenFunc) (os string, err error) {
	if open == nil {
		return "", errors.New("no image stream available for ELF OS detection")
	}
	r, err := open()
	if err != nil {
		return "", fmt.Errorf("failed to open image stream: %w", err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close image stream: %w", cerr)
		}
	}()

	os, err = ELFOS(&seekReaderAt{r: r})
	if err != nil {
		return "", fmt.Errorf("failed to detect ELF OS: %w", err)
	}
	log.WithField("os", os).Debug("detected ELF OS")
	return os, nil
}

// seekReaderAt adapts a sequential stream to io.ReaderAt. Not safe for concurrent use.
type seekReaderAt struct {
	r io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.r, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}
