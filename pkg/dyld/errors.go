package dyld

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind names one condition in the package's error taxonomy. Every
// failure the package itself raises is a *Error tagged with exactly one of
// these; an error returned by a caller-supplied Opener, and a context
// cancellation error, are passed through unchanged.
type ErrorKind int

const (
	ErrInvalidMagic ErrorKind = iota
	ErrUnsupportedArchitecture
	ErrHeaderTooSmall
	ErrUnsupportedFormatVersion

	ErrOffsetOutOfBounds
	ErrRangeOutOfBounds
	ErrImageIndexOutOfBounds
	ErrInvalidStringOffset
	ErrVMAddressNotMapped

	ErrInvalidMappingInfo
	ErrInvalidImageInfo
	ErrInvalidLocalSymbolsInfo

	ErrInvalidExportTrieFormat
	ErrUnexpectedEndOfTrie
	ErrInvalidULEB128

	ErrInvalidMachO

	ErrUnknownSlideInfoVersion
	ErrSlideInfoParseError

	ErrSubCacheNotFound
	ErrSymbolsFileNotFound
	ErrSubCacheUUIDMismatch

	ErrSymbolNotFound
	ErrInvalidSymbolType
	ErrInvalidExportFlags

	ErrFileReadError
	ErrFileTooSmall
)

var errorKindNames = map[ErrorKind]string{
	ErrInvalidMagic:             "invalidMagic",
	ErrUnsupportedArchitecture:  "unsupportedArchitecture",
	ErrHeaderTooSmall:           "headerTooSmall",
	ErrUnsupportedFormatVersion: "unsupportedFormatVersion",
	ErrOffsetOutOfBounds:        "offsetOutOfBounds",
	ErrRangeOutOfBounds:         "rangeOutOfBounds",
	ErrImageIndexOutOfBounds:    "imageIndexOutOfBounds",
	ErrInvalidStringOffset:      "invalidStringOffset",
	ErrVMAddressNotMapped:       "vmAddressNotMapped",
	ErrInvalidMappingInfo:       "invalidMappingInfo",
	ErrInvalidImageInfo:         "invalidImageInfo",
	ErrInvalidLocalSymbolsInfo:  "invalidLocalSymbolsInfo",
	ErrInvalidExportTrieFormat:  "invalidExportTrieFormat",
	ErrUnexpectedEndOfTrie:      "unexpectedEndOfTrie",
	ErrInvalidULEB128:           "invalidULEB128",
	ErrInvalidMachO:             "invalidMachO",
	ErrUnknownSlideInfoVersion:  "unknownSlideInfoVersion",
	ErrSlideInfoParseError:      "slideInfoParseError",
	ErrSubCacheNotFound:         "subCacheNotFound",
	ErrSymbolsFileNotFound:      "symbolsFileNotFound",
	ErrSubCacheUUIDMismatch:     "subCacheUUIDMismatch",
	ErrSymbolNotFound:           "symbolNotFound",
	ErrInvalidSymbolType:        "invalidSymbolType",
	ErrInvalidExportFlags:       "invalidExportFlags",
	ErrFileReadError:            "fileReadError",
	ErrFileTooSmall:             "fileTooSmall",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the single error type every operation in this package returns.
// Kind identifies the taxonomy variant; Details carries variant-specific
// context (e.g. the expected/actual UUID on a subCacheUUIDMismatch).
type Error struct {
	Kind    ErrorKind
	Msg     string
	Cause   error
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dyld: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("dyld: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &dyld.Error{Kind: dyld.ErrSymbolNotFound}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func newErrorWith(kind ErrorKind, cause error, details map[string]any, format string, args ...any) *Error {
	e := newError(kind, cause, format, args...)
	e.Details = details
	return e
}

// wrapf wraps a lower-level error (typically from an os/io call) with
// github.com/pkg/errors before it is attached to an *Error as Cause, so the
// original call stack survives for diagnostics.
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
