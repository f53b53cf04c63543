//go:build linux

package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/sys/proc"
)

type function struct {
	low, high uint64
	name      string
	unit      *dwarf.Entry
}

// Symbolizer resolves addresses of one process.
type Symbolizer struct {
	logger     zerolog.Logger
	binaryPath string
	elfFile    *elf.File
	dwarfData  *dwarf.Data
	functions  []function
	symtab     []elf.Symbol

	// Runtime address range of the executable code and the bias to
	// subtract to get a link-time address.
	textStart, textEnd uint64
	bias               uint64
	maps               []proc.Mapping

	mu    sync.RWMutex
	cache map[uint64]Symbol
}

// New creates a symbolizer for the executable of pid.
func New(logger zerolog.Logger, pid int) (*Symbolizer, error) {
	binaryPath, err := proc.GetBinaryPath(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary path: %w", err)
	}
	maps, err := proc.ReadMaps(pid)
	if err != nil {
		return nil, err
	}
	return Open(logger, binaryPath, maps)
}

// Open creates a symbolizer for binaryPath loaded as described by maps.
func Open(logger zerolog.Logger, binaryPath string, maps []proc.Mapping) (*Symbolizer, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}

	s := &Symbolizer{
		logger:     logger.With().Str("component", "symbolizer").Str("binary", binaryPath).Logger(),
		binaryPath: binaryPath,
		elfFile:    f,
		maps:       maps,
		cache:      make(map[uint64]Symbol),
	}
	if err := s.locate(maps); err != nil {
		f.Close() // nolint:errcheck
		return nil, err
	}

	if data, err := f.DWARF(); err != nil {
		s.logger.Debug().Err(err).Msg("DWARF debug info not available, using symbol table only")
	} else {
		s.dwarfData = data
		s.indexFunctions()
	}

	if symbols, err := f.Symbols(); err != nil {
		s.logger.Debug().Err(err).Msg("Symbol table not available")
	} else {
		for _, sym := range symbols {
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 {
				s.symtab = append(s.symtab, sym)
			}
		}
		sort.Slice(s.symtab, func(i, j int) bool { return s.symtab[i].Value < s.symtab[j].Value })
	}

	if len(s.functions) == 0 && len(s.symtab) == 0 {
		f.Close() // nolint:errcheck
		return nil, fmt.Errorf("binary has no debug info or symbol table (stripped binary?)")
	}

	s.logger.Debug().
		Uint64("text_start", s.textStart).
		Uint64("bias", s.bias).
		Int("functions", len(s.functions)).
		Int("symbols", len(s.symtab)).
		Msg("Symbolizer initialized")
	return s, nil
}

// locate finds the executable mapping of the binary and derives the load
// bias of position independent executables.
func (s *Symbolizer) locate(maps []proc.Mapping) error {
	var text *elf.Prog
	for _, prog := range s.elfFile.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			text = prog
			break
		}
	}
	if text == nil {
		return fmt.Errorf("no executable segment in %s", s.binaryPath)
	}

	for _, m := range maps {
		if !m.Executable() || m.Path != s.binaryPath {
			continue
		}
		s.textStart, s.textEnd = m.Start, m.End
		if s.elfFile.Type == elf.ET_DYN {
			// The mapping starts at the page holding the segment's file offset.
			s.bias = m.Start - m.Offset - (text.Vaddr - text.Off)
		}
		return nil
	}
	return fmt.Errorf("no executable mapping found for %s", s.binaryPath)
}

func (s *Symbolizer) indexFunctions() {
	reader := s.dwarfData.Reader()
	var unit *dwarf.Entry
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			unit = entry
			continue
		case dwarf.TagSubprogram:
		default:
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if name == "" || !ok {
			continue
		}
		// highPC is either an address or an offset from lowPC.
		var high uint64
		switch v := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			high = v
		case int64:
			high = low + uint64(v) // #nosec G115
		default:
			continue
		}
		s.functions = append(s.functions, function{low: low, high: high, name: name, unit: unit})
	}
	sort.Slice(s.functions, func(i, j int) bool { return s.functions[i].low < s.functions[j].low })
}

// Resolve resolves a runtime address.
func (s *Symbolizer) Resolve(addr uint64) (Symbol, error) {
	if addr < s.textStart || addr >= s.textEnd {
		return Symbol{}, ErrOutsideExecutable
	}

	s.mu.RLock()
	sym, ok := s.cache[addr]
	s.mu.RUnlock()
	if ok {
		return sym, nil
	}

	linkAddr := addr - s.bias
	sym, ok = s.resolveDWARF(linkAddr)
	if !ok {
		sym, ok = s.resolveSymTab(linkAddr)
	}
	if !ok {
		return Symbol{}, fmt.Errorf("symbol not found for address %#x (link address %#x)", addr, linkAddr)
	}

	s.mu.Lock()
	s.cache[addr] = sym
	s.mu.Unlock()
	return sym, nil
}

// Module returns the file mapped at addr and the offset of addr in that
// file. It serves addresses the executable's symbols cannot resolve, such
// as shared library code.
func (s *Symbolizer) Module(addr uint64) (string, uint64, bool) {
	m, ok := proc.FindMapping(s.maps, addr)
	if !ok || m.Path == "" {
		return "", 0, false
	}
	return m.Path, addr - m.Start + m.Offset, true
}

func (s *Symbolizer) resolveDWARF(addr uint64) (Symbol, bool) {
	i := sort.Search(len(s.functions), func(i int) bool { return s.functions[i].low > addr }) - 1
	if i < 0 || addr >= s.functions[i].high {
		return Symbol{}, false
	}
	fn := s.functions[i]
	sym := Symbol{Function: fn.name}

	if fn.unit != nil {
		lineReader, err := s.dwarfData.LineReader(fn.unit)
		if err == nil && lineReader != nil {
			var entry dwarf.LineEntry
			if err := lineReader.SeekPC(addr, &entry); err == nil && entry.File != nil {
				sym.File = entry.File.Name
				sym.Line = entry.Line
			}
		}
	}
	return sym, true
}

func (s *Symbolizer) resolveSymTab(addr uint64) (Symbol, bool) {
	i := sort.Search(len(s.symtab), func(i int) bool { return s.symtab[i].Value > addr }) - 1
	if i < 0 {
		return Symbol{}, false
	}
	sym := s.symtab[i]
	if sym.Size > 0 && addr >= sym.Value+sym.Size {
		return Symbol{}, false
	}
	return Symbol{Function: sym.Name}, true
}

// Close releases the executable.
func (s *Symbolizer) Close() error {
	if s.elfFile != nil {
		return s.elfFile.Close()
	}
	return nil
}
