package lsm

import (
	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
)

// Re-exported so callers inside the package do not need the engine import.
var (
	ErrNotFound      = engine.ErrNotFound
	ErrClosed        = engine.ErrClosed
	ErrEmptyKey      = engine.ErrEmptyKey
	ErrReservedValue = engine.ErrReservedValue
)

var (
	// ErrCorruptSSTable marks a file that fails footer or length validation.
	ErrCorruptSSTable = errors.New("corrupt sstable")
	// ErrCorruptManifest marks an unparsable manifest line.
	ErrCorruptManifest = errors.New("corrupt manifest")
)
