package decoder

import "fmt"

// ErrorKind classifies a decode failure.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// ErrorCantReadMemory is a failed or short read of process memory.
	ErrorCantReadMemory
	// ErrorUnknownArchitecture means no ABI table exists for the target.
	ErrorUnknownArchitecture
	// ErrorValueConstruction is a schema value that could not be built from
	// the loaded data.
	ErrorValueConstruction
	// ErrorBackend is a failed request to the tracing backend, such as
	// setting the exit breakpoint or resuming the thread.
	ErrorBackend
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorCantReadMemory:
		return "cant_read_memory"
	case ErrorUnknownArchitecture:
		return "unknown_architecture"
	case ErrorValueConstruction:
		return "value_construction"
	case ErrorBackend:
		return "backend"
	default:
		return fmt.Sprintf("error(%d)", int(k))
	}
}

// DecodeError is the terminal error of one syscall decode.
type DecodeError struct {
	Kind    ErrorKind
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}
