package wlm

import "unsafe"

// cString returns a NUL-terminated copy of s.
func cString(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}

// cArgv returns a NULL-terminated char* array. Callers keep the slice alive
// until the foreign call returns.
func cArgv(args []string) []*byte {
	out := make([]*byte, len(args)+1)
	for i, a := range args {
		out[i] = cString(a)
	}
	return out
}

// goString copies a NUL-terminated foreign string.
func goString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
