package repository

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gridrepo/internal/codec"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultLoadWorkers = 8
)

type options struct {
	codec       codec.Codec
	logger      *zap.Logger
	session     SessionInfo
	lockTimeout time.Duration
	loadWorkers int
	registerer  prometheus.Registerer
	onFatal     []func(error)
}

// Option configures a Repository
type Option func(*options)

func getOpts(opts ...Option) options {
	host, _ := os.Hostname()
	o := options{
		codec:  codec.NewJSONCodec(),
		logger: zap.NewNop(),
		session: SessionInfo{
			ID:   uuid.NewString(),
			Host: host,
			PID:  os.Getpid(),
		},
		lockTimeout: defaultLockTimeout,
		loadWorkers: defaultLoadWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCodec sets the codec used for writing. Documents are always read
// with the codec they were written in.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSessionID overrides the generated session ID
func WithSessionID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.session.ID = id
		}
	}
}

// WithLockTimeout bounds how long Lock waits for other sessions. Zero
// makes a single attempt.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.lockTimeout = d
		}
	}
}

// WithLoadWorkers bounds the number of concurrent document reads
func WithLoadWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.loadWorkers = n
		}
	}
}

// WithRegisterer registers the repository metrics
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithFatalHandler adds a callback run once when the repository fails
func WithFatalHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onFatal = append(o.onFatal, fn)
		}
	}
}
