package outbox

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "outbox"
)

var defaultSegmentMaxDuration = time.Hour

// Config controls outbox behavior.
type Config struct {
	Dir                string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	BufferSize         int
	FilePrefix         string
	// NoSync skips fsync after each append. Tests only.
	NoSync bool
}

// DefaultConfig returns a baseline configuration for the outbox.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("invalid outbox config: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return errors.New("invalid outbox config: SegmentMaxBytes must be > 0")
	}
	if c.SegmentMaxDuration < 0 {
		return errors.New("invalid outbox config: SegmentMaxDuration must be >= 0")
	}
	if c.BufferSize <= 0 {
		return errors.New("invalid outbox config: BufferSize must be > 0")
	}
	if c.FilePrefix == "" {
		return errors.New("invalid outbox config: FilePrefix is empty")
	}
	return nil
}
