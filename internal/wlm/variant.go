package wlm

import (
	"fmt"
	"strings"
)

// Variant identifies a workload manager implementation.
type Variant int

const (
	Slurm Variant = iota + 1
	ALPS
	PALS
	Flux
	Generic
)

// Variants lists every variant in probe priority order. Generic is last.
func Variants() []Variant {
	return []Variant{Slurm, ALPS, PALS, Flux, Generic}
}

func (v Variant) String() string {
	switch v {
	case Slurm:
		return "slurm"
	case ALPS:
		return "alps"
	case PALS:
		return "pals"
	case Flux:
		return "flux"
	case Generic:
		return "generic"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool { return v >= Slurm && v <= Generic }

// ErrUnknownVariant is returned by ParseVariant for an unrecognized token.
type ErrUnknownVariant struct{ Token string }

func (e ErrUnknownVariant) Error() string {
	return fmt.Sprintf("unknown workload manager %q (want slurm, alps, pals, flux or generic)", e.Token)
}

// ParseVariant parses a WLM token case-insensitively. "ssh" is accepted as
// an alias for generic.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "slurm":
		return Slurm, nil
	case "alps":
		return ALPS, nil
	case "pals":
		return PALS, nil
	case "flux":
		return Flux, nil
	case "generic", "ssh":
		return Generic, nil
	}
	return 0, ErrUnknownVariant{Token: s}
}
