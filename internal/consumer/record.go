package consumer

import (
	"time"

	"github.com/coral-mesh/syscat/internal/decoder"
)

// Record kinds.
const (
	KindInvoked = "invoked"
	KindOutput  = "output"
	KindError   = "error"
)

// Record is the structured form of one decoding milestone.
type Record struct {
	Session   string         `json:"session"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Process   string         `json:"process"`
	PID       uint64         `json:"pid"`
	TID       uint64         `json:"tid"`
	Syscall   string         `json:"syscall"`
	Fields    map[string]any `json:"fields,omitempty"`
	Callers   []string       `json:"callers,omitempty"`

	// Set on output records of syscalls with a displayed result.
	Returned     any    `json:"returned,omitempty"`
	ReturnedText string `json:"returned_text,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

func newRecord(session, kind string, d *decoder.SyscallDecoder) Record {
	return Record{
		Session: session,
		Kind:    kind,
		Process: d.ProcessName(),
		PID:     d.ProcessID(),
		TID:     d.ThreadID(),
		Syscall: d.Syscall().Name,
	}
}

func fieldMap(fields []decoder.Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Name] = f.Value.JSON()
	}
	return out
}

// InvokedRecord builds the record of the decoded inputs of d.
func InvokedRecord(session string, d *decoder.SyscallDecoder) Record {
	rec := newRecord(session, KindInvoked, d)
	if invoked := d.Invoked(); invoked != nil {
		rec.Timestamp = invoked.Timestamp
		rec.Fields = fieldMap(invoked.Fields)
		for _, frame := range invoked.Callers {
			rec.Callers = append(rec.Callers, frame.String())
		}
	}
	return rec
}

// OutputRecord builds the record of the decoded outputs of d.
func OutputRecord(session string, d *decoder.SyscallDecoder) Record {
	rec := newRecord(session, KindOutput, d)
	if output := d.Output(); output != nil {
		rec.Timestamp = output.Timestamp
		rec.Fields = fieldMap(output.Fields)
		if output.Returned != nil {
			rec.Returned = output.Returned.JSON()
			rec.ReturnedText = output.Returned.String()
		}
	}
	return rec
}

// ErrorRecord builds the record of a failed decode.
func ErrorRecord(session string, err *decoder.DecodeError, d *decoder.SyscallDecoder, at time.Time) Record {
	rec := newRecord(session, KindError, d)
	rec.Timestamp = at
	rec.ErrorKind = err.Kind.String()
	rec.Message = err.Message
	return rec
}
