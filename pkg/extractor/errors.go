package extractor

import (
	"errors"

	"github.com/blacktop/featx/pkg/detect"
)

var (
	// ErrUnsupportedFormat aborts construction: the container format has no OS rule.
	ErrUnsupportedFormat = detect.ErrUnsupportedFormat
	// ErrUnsupportedArchitecture aborts construction: the processor is not modeled.
	ErrUnsupportedArchitecture = detect.ErrUnsupportedArchitecture
	// ErrFunctionNotFound is returned when no function contains an address.
	ErrFunctionNotFound = errors.New("no function contains address")
	// ErrInvalidAddress is returned for addresses outside the image and for
	// handles that belong to a different extractor, function or block.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAttributeNotFound is returned when a handle's native object is not of the requested type.
	ErrAttributeNotFound = errors.New("attribute not found")
)
