package consumer

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/decoder"
)

// Stream writes one JSON record per line for every decoding milestone.
type Stream struct {
	decoder.Use

	session string
	now     func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
}

// NewStream creates a Stream writing to out. An empty session gets a fresh
// random id.
func NewStream(logger zerolog.Logger, out io.Writer, session string) *Stream {
	if session == "" {
		session = uuid.NewString()
	}
	return &Stream{
		Use:     decoder.Use{Logger: logger.With().Str("component", "stream").Str("session", session).Logger()},
		session: session,
		now:     time.Now,
		enc:     json.NewEncoder(out),
	}
}

// Session returns the id stamped on every record.
func (s *Stream) Session() string { return s.session }

// InputsDecoded emits an invoked record.
func (s *Stream) InputsDecoded(d *decoder.SyscallDecoder) {
	s.emit(InvokedRecord(s.session, d))
	s.Use.InputsDecoded(d)
}

// OutputsDecoded emits an output record.
func (s *Stream) OutputsDecoded(d *decoder.SyscallDecoder) {
	s.emit(OutputRecord(s.session, d))
	s.Use.OutputsDecoded(d)
}

// DecodingError emits an error record.
func (s *Stream) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	s.emit(ErrorRecord(s.session, err, d, s.now()))
	s.Use.DecodingError(err, d)
}

func (s *Stream) emit(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		s.Logger.Warn().Err(err).Str("syscall", rec.Syscall).Msg("Failed to write record")
	}
}

// Tee forwards every callback to each consumer in order. Every consumer
// tears the decoder down, which only takes effect once.
type Tee []decoder.Consumer

func (t Tee) InputsDecoded(d *decoder.SyscallDecoder) {
	for _, c := range t {
		c.InputsDecoded(d)
	}
}

func (t Tee) OutputsDecoded(d *decoder.SyscallDecoder) {
	for _, c := range t {
		c.OutputsDecoded(d)
	}
}

func (t Tee) DecodingError(err *decoder.DecodeError, d *decoder.SyscallDecoder) {
	for _, c := range t {
		c.DecodingError(err, d)
	}
}
