package decoder

import "github.com/rs/zerolog"

// Consumer observes the lifecycle of decoders. For a given decoder, either
// InputsDecoded then OutputsDecoded are called, or DecodingError is called
// instead of the remaining callbacks. OutputsDecoded and DecodingError must
// end by destroying the decoder.
type Consumer interface {
	InputsDecoded(d *SyscallDecoder)
	OutputsDecoded(d *SyscallDecoder)
	DecodingError(err *DecodeError, d *SyscallDecoder)
}

// Use is the base consumer: it displays nothing and tears decoders down.
// Other consumers embed it and call it last.
type Use struct {
	Logger zerolog.Logger
}

// InputsDecoded does nothing.
func (u *Use) InputsDecoded(*SyscallDecoder) {}

// OutputsDecoded destroys the decoder.
func (u *Use) OutputsDecoded(d *SyscallDecoder) {
	d.Destroy()
}

// DecodingError logs the error and destroys the decoder.
func (u *Use) DecodingError(err *DecodeError, d *SyscallDecoder) {
	u.Logger.Error().
		Str("kind", err.Kind.String()).
		Str("syscall", d.Syscall().Name).
		Uint64("pid", d.ProcessID()).
		Uint64("tid", d.ThreadID()).
		Msg(err.Message)
	d.Destroy()
}
