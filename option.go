package acksocket

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	maxReadLength int           // capacity of the default codec
	idleTimeout   time.Duration // per-operation deadline, zero means none
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// When absent, a RawCodec sized by MessageMaxSize is used.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// IdleTimeoutOption returns an Option that bounds every read and write.
// The default is no deadline, matching a plain blocking socket.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the receive capacity of the
// default codec. It has no effect together with CustomCodecOption.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
