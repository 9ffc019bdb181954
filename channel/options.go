package channel

// options configures optional per-channel behavior. Zero value is the
// protocol's default: no payload compression.
type options struct {
	compress bool
}

// Option configures a NetworkChannel or IpcChannel at construction time.
type Option func(*options)

// WithCompression enables snappy block compression of every payload, applied
// after framing decisions but before the bytes are queued on the Stream.
// Headers and signatures are never compressed: the framing layer needs them
// uncompressed to route before it knows what the payload is.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.compress = enabled }
}

func newOptions(opts ...Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
