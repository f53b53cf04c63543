package eventstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/consumer"
	"github.com/coral-mesh/syscat/internal/decoder"
)

// Recorder is a decoder consumer appending every milestone to a Store.
type Recorder struct {
	decoder.Use

	ctx     context.Context
	store   *Store
	session string
	now     func() time.Time
}

// NewRecorder creates a Recorder. ctx bounds the writes made on behalf of
// the decoders.
func NewRecorder(ctx context.Context, logger zerolog.Logger, store *Store, session string) *Recorder {
	return &Recorder{
		Use:     decoder.Use{Logger: logger.With().Str("component", "recorder").Str("session", session).Logger()},
		ctx:     ctx,
		store:   store,
		session: session,
		now:     time.Now,
	}
}

// InputsDecoded stores an invoked event.
func (r *Recorder) InputsDecoded(d *decoder.SyscallDecoder) {
	r.append(consumer.InvokedRecord(r.session, d))
	r.Use.InputsDecoded(d)
}

// OutputsDecoded stores an output event.
func (r *Recorder) OutputsDecoded(d *decoder.SyscallDecoder) {
	r.append(consumer.OutputRecord(r.session, d))
	r.Use.OutputsDecoded(d)
}

// DecodingError stores an error event.
func (r *Recorder) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	r.append(consumer.ErrorRecord(r.session, err, d, r.now()))
	r.Use.DecodingError(err, d)
}

func (r *Recorder) append(rec consumer.Record) {
	if err := r.store.Append(r.ctx, rec); err != nil {
		r.Logger.Warn().Err(err).
			Uint64("tid", rec.TID).
			Str("syscall", rec.Syscall).
			Msg("Failed to store event")
	}
}
