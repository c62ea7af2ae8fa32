package audit

import (
	"errors"
	"fmt"
)

// Output destinations.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
)

// Defaults.
const (
	DefaultFilePath   = "logs/connect.log"
	DefaultMaxSizeMB  = 4
	DefaultMaxBackups = 10
	DefaultBufferSize = 1024
)

// Config configures the audit logger.
type Config struct {
	// Enabled turns record writing on.
	Enabled bool

	// Output is stdout, stderr or file.
	Output string

	// File configures the rotating file used when Output is file.
	File FileConfig

	// Async writes records from a background goroutine.
	Async bool

	// BufferSize bounds the async queue.
	BufferSize int
}

// FileConfig configures file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Output:  OutputStdout,
		File: FileConfig{
			Path:       DefaultFilePath,
			MaxSizeMB:  DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
		},
		Async:      true,
		BufferSize: DefaultBufferSize,
	}
}

// GetEffectiveOutput returns the output, defaulting to stdout.
func (c *Config) GetEffectiveOutput() string {
	if c.Output == "" {
		return OutputStdout
	}
	return c.Output
}

// GetEffectiveBufferSize returns the queue size, defaulting when unset.
func (c *Config) GetEffectiveBufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.GetEffectiveOutput() {
	case OutputStdout, OutputStderr:
	case OutputFile:
		if c.File.Path == "" {
			errs = append(errs, errors.New("audit file path is required for file output"))
		}
		if c.File.MaxSizeMB < 0 || c.File.MaxBackups < 0 || c.File.MaxAgeDays < 0 {
			errs = append(errs, errors.New("audit file rotation limits must be non-negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid audit output %q", c.Output))
	}

	if c.BufferSize < 0 {
		errs = append(errs, errors.New("audit buffer size must be non-negative"))
	}

	return errors.Join(errs...)
}
