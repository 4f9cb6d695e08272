package memalloc

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultSizeClasses are the six default pool widths: 16, 32, 64, 128,
// 256 and 512 bytes.
var DefaultSizeClasses = []int32{16, 32, 64, 128, 256, 512}

const (
	defaultPoolPageSize     = 4 << 10  // ~4 KiB pool pages
	defaultCoalescePageSize = 11 << 20 // ~11 MiB coalescing pages
	defaultCoalesceMaxAlloc = 10 << 20 // requests above this go straight to the VM
)

// Config tunes an Arena. Use defaultConfig (applied automatically by New
// before options run) to get the standard size classes and page sizes.
type Config struct {
	SizeClasses      []int32
	PoolPageSize     int
	CoalescePageSize int
	CoalesceMaxAlloc int
	Debug            bool
	Logger           *logrus.Logger
}

// Option configures an Arena at construction time.
type Option func(*Config)

// WithSizeClasses overrides the pool width table. Widths must be strictly
// increasing and positive.
func WithSizeClasses(widths ...int32) Option {
	return func(c *Config) { c.SizeClasses = widths }
}

// WithPoolPageSize overrides the pool page size (default ~4 KiB).
func WithPoolPageSize(n int) Option {
	return func(c *Config) { c.PoolPageSize = n }
}

// WithCoalescePageSize overrides the coalescing page size (default ~11 MiB).
func WithCoalescePageSize(n int) Option {
	return func(c *Config) { c.CoalescePageSize = n }
}

// WithCoalesceMaxAlloc overrides the threshold above which requests bypass
// the coalescing allocator and go straight to the VM (default ~10 MiB).
func WithCoalesceMaxAlloc(n int) Option {
	return func(c *Config) { c.CoalesceMaxAlloc = n }
}

// WithDebug toggles magic-sentinel checks and leak assertions. Debug mode
// panics on any detected usage error; release mode performs none of
// these checks.
func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

// WithLogger overrides the structured logger used for lifecycle events.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func defaultConfig() Config {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return Config{
		SizeClasses:      DefaultSizeClasses,
		PoolPageSize:     defaultPoolPageSize,
		CoalescePageSize: defaultCoalescePageSize,
		CoalesceMaxAlloc: defaultCoalesceMaxAlloc,
		Debug:            true,
		Logger:           l,
	}
}

