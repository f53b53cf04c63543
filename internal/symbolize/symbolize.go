// Package symbolize resolves addresses of a traced process to function
// names and source locations using the ELF symbol table and DWARF data of
// its executable.
package symbolize

import (
	"errors"
	"fmt"
)

// ErrOutsideExecutable is returned for addresses outside the main executable.
var ErrOutsideExecutable = errors.New("address outside the executable")

// Symbol is a resolved address.
type Symbol struct {
	Function string
	File     string
	Line     int
}

// String formats a symbol for display.
func (s Symbol) String() string {
	if s.File != "" && s.Line > 0 {
		return fmt.Sprintf("%s (%s:%d)", s.Function, s.File, s.Line)
	}
	return s.Function
}
