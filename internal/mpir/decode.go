package mpir

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loykin/hpcattach/internal/proctable"
)

// MPIR interface symbols.
const (
	SymBeingDebugged  = "MPIR_being_debugged"
	SymBreakpoint     = "MPIR_Breakpoint"
	SymDebugState     = "MPIR_debug_state"
	SymProcTable      = "MPIR_proctable"
	SymProcTableSize  = "MPIR_proctable_size"
	SymTotalviewJobID = "totalview_jobid"
	SymTotalviewStep  = "totalview_stepid"
)

// MPIR_debug_state values.
const (
	DebugStateNull    = 0
	DebugStateSpawned = 1
	DebugStateAborted = 2
)

const (
	ptrSize = 8
	// MPIR_PROCDESC on LP64: char *host_name; char *executable_name; int pid; + padding
	procDescSize = 3 * ptrSize
	maxRanks     = 1 << 22
	maxString    = 4096
	stringChunk  = 64
)

var byteOrder = binary.LittleEndian

// memReader is the slice of Tracer the decoder needs.
type memReader interface {
	ReadMemory(addr uintptr, n int) ([]byte, error)
}

func readInt32(m memReader, addr uintptr) (int32, error) {
	b, err := m.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(b)), nil
}

func writeInt32(t Tracer, addr uintptr, v int32) error {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, uint32(v))
	return t.WriteMemory(addr, b)
}

func readPtr(m memReader, addr uintptr) (uintptr, error) {
	b, err := m.ReadMemory(addr, ptrSize)
	if err != nil {
		return 0, err
	}
	return uintptr(byteOrder.Uint64(b)), nil
}

// readCString reads a NUL terminated string in small chunks so a string near
// the end of a mapping does not fault the whole read.
func readCString(m memReader, addr uintptr) (string, error) {
	if addr == 0 {
		return "", errors.New("nil string pointer")
	}
	var out []byte
	for len(out) < maxString {
		b, err := m.ReadMemory(addr+uintptr(len(out)), stringChunk)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(append(out, b[:i]...)), nil
		}
		out = append(out, b...)
	}
	return "", fmt.Errorf("string at %#x exceeds %d bytes", addr, maxString)
}

// decodeProcTable reads MPIR_proctable and returns it only after every entry
// has been checked. Any inconsistency is CorruptProcTable.
func decodeProcTable(m memReader, syms Symbols, pid int) (*proctable.Table, error) {
	corrupt := func(err error) error { return attachErr(CorruptProcTable, pid, "read proctable", err) }

	sizeAddr, err := syms.Lookup(SymProcTableSize)
	if err != nil {
		return nil, attachErr(SymbolNotFound, pid, "read proctable", err)
	}
	tabAddr, err := syms.Lookup(SymProcTable)
	if err != nil {
		return nil, attachErr(SymbolNotFound, pid, "read proctable", err)
	}
	size, err := readInt32(m, sizeAddr)
	if err != nil {
		return nil, attachErr(MemoryAccess, pid, "read proctable size", err)
	}
	if size <= 0 || size > maxRanks {
		return nil, corrupt(fmt.Errorf("proctable size %d", size))
	}
	base, err := readPtr(m, tabAddr)
	if err != nil {
		return nil, attachErr(MemoryAccess, pid, "read proctable pointer", err)
	}
	if base == 0 {
		return nil, corrupt(errors.New("nil proctable pointer"))
	}
	raw, err := m.ReadMemory(base, int(size)*procDescSize)
	if err != nil {
		return nil, attachErr(MemoryAccess, pid, "read proctable entries", err)
	}

	entries := make([]proctable.Entry, size)
	for i := range entries {
		d := raw[i*procDescSize : (i+1)*procDescSize]
		hostPtr := uintptr(byteOrder.Uint64(d[0:8]))
		exePtr := uintptr(byteOrder.Uint64(d[8:16]))
		rpid := int32(byteOrder.Uint32(d[16:20]))
		if rpid <= 0 {
			return nil, corrupt(fmt.Errorf("rank %d has pid %d", i, rpid))
		}
		host, err := readCString(m, hostPtr)
		if err != nil || host == "" {
			return nil, corrupt(fmt.Errorf("rank %d host: %v", i, err))
		}
		exe := ""
		if exePtr != 0 {
			if exe, err = readCString(m, exePtr); err != nil {
				return nil, corrupt(fmt.Errorf("rank %d executable: %w", i, err))
			}
		}
		entries[i] = proctable.Entry{Rank: uint32(i), Host: host, PID: uint32(rpid), Executable: exe}
	}
	tab, err := proctable.New(entries)
	if err != nil {
		return nil, corrupt(err)
	}
	return tab, nil
}
