package stm

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/stm/internal/align"
)

const (
	// DefaultMaxWriters is spec 6's "BATCH_MAX_WRITERS (compile-time,
	// default 12)", exposed here as a runtime default since Go has no
	// compile-time configuration idiom as convenient as a functional
	// option.
	DefaultMaxWriters = 12

	// defaultMaxSegments bounds the segment table's pre-sized capacity.
	// Spec 4.4 expects "dozens" of segments per region; this leaves ample
	// headroom while keeping get_segment's linear scan cheap.
	defaultMaxSegments = 4096
)

// Option configures a Region at Create time, following the functional
// options idiom.
type Option func(*regionConfig)

type regionConfig struct {
	maxWriters  int
	maxSegments int
	allocator   align.Allocator
	logger      log.Logger
	registerer  prometheus.Registerer
}

func defaultConfig() regionConfig {
	return regionConfig{
		maxWriters:  DefaultMaxWriters,
		maxSegments: defaultMaxSegments,
		allocator:   align.Default,
		logger:      log.NewNopLogger(),
		registerer:  prometheus.NewRegistry(),
	}
}

// WithMaxWriters bounds the number of concurrent writers admitted per
// epoch (spec 6's BATCH_MAX_WRITERS).
func WithMaxWriters(n int) Option {
	return func(c *regionConfig) {
		if n > 0 {
			c.maxWriters = n
		}
	}
}

// WithMaxSegments bounds the segment table's pre-sized capacity.
func WithMaxSegments(n int) Option {
	return func(c *regionConfig) {
		if n > 0 {
			c.maxSegments = n
		}
	}
}

// WithAllocator overrides the aligned buffer allocator used for every
// segment, e.g. to plug in a platform-specific posix_memalign-style
// allocator. The default is a portable pure-Go implementation.
func WithAllocator(a align.Allocator) Option {
	return func(c *regionConfig) {
		if a != nil {
			c.allocator = a
		}
	}
}

// WithLogger sets the logger used for batcher and engine diagnostics.
func WithLogger(l log.Logger) Option {
	return func(c *regionConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// against. The default is a private registry so multiple regions in the
// same process don't collide.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *regionConfig) {
		if r != nil {
			c.registerer = r
		}
	}
}
