package wlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"github.com/loykin/hpcattach/internal/plugin"
)

// EnvLibFluxPath overrides the libflux-core location.
const EnvLibFluxPath = "LIBFLUX_PATH"

const (
	libFluxName   = "libflux-core.so.2"
	fluxNodeidAny = ^uint32(0)
)

// fluxJobStates are the flux_job_state_t values this package is built
// against. Drift means the library was built from an incompatible tree.
var fluxJobStates = []plugin.Enum{
	{Name: "DEPEND", Want: 2},
	{Name: "SCHED", Want: 8},
	{Name: "RUN", Want: 16},
	{Name: "INACTIVE", Want: 64},
}

// minFluxVersion is the oldest flux-core with the shell proctable service
// and stop-tasks-in-exec.
var minFluxVersion = plugin.Version{Major: 0, Minor: 49}

var fluxFunctions = []string{
	"flux_open", "flux_close",
	"flux_rpc", "flux_rpc_get", "flux_future_get", "flux_future_destroy",
	"flux_job_kill", "flux_job_id_parse", "flux_job_strtostate",
	"flux_core_version",
}

// fluxAPI is the part of libflux the capability uses.
type fluxAPI interface {
	ParseID(s string) (uint64, error)
	// ProcTable returns the job shell's MPIR proctable document.
	ProcTable(ctx context.Context, id uint64) ([]byte, error)
	Signal(id uint64, sig syscall.Signal) error
	Close() error
}

type libFlux struct {
	b *plugin.Binding
	h uintptr

	open          func(uri *byte, flags int32) uintptr
	closeHandle   func(h uintptr)
	rpc           func(h uintptr, topic string, payload *byte, nodeid uint32, flags int32) uintptr
	rpcGet        func(f uintptr, s *unsafe.Pointer) int32
	futureGet     func(f uintptr, result unsafe.Pointer) int32
	futureDestroy func(f uintptr)
	jobKill       func(h uintptr, id uint64, signum int32) uintptr
	jobIDParse    func(s string, id *uint64) int32
}

func fluxRequirement(lib string) plugin.Requirement {
	return plugin.Requirement{
		Library:          lib,
		Want:             minFluxVersion,
		AcceptNewerMajor: true,
		Functions:        fluxFunctions,
		Version: func(s plugin.Symbols) (plugin.Version, error) {
			var version func(major, minor, patch *int32) int32
			if err := plugin.RegisterSymbol(&version, s, "flux_core_version"); err != nil {
				return plugin.Version{}, err
			}
			var major, minor, patch int32
			version(&major, &minor, &patch)
			return plugin.Version{Major: int(major), Minor: int(minor)}, nil
		},
		Enums: fluxJobStates,
		Lookup: func(s plugin.Symbols, e plugin.Enum) (int64, error) {
			var strtostate func(s string, state *int32) int32
			if err := plugin.RegisterSymbol(&strtostate, s, "flux_job_strtostate"); err != nil {
				return 0, err
			}
			var state int32
			if strtostate(e.Name, &state) < 0 {
				return 0, fmt.Errorf("flux_job_strtostate(%s) failed", e.Name)
			}
			return int64(state), nil
		},
	}
}

func bindFlux(open plugin.Opener, lib, uri string, log *slog.Logger) (fluxAPI, error) {
	b, err := plugin.BindWith(open, fluxRequirement(lib), log)
	if err != nil {
		return nil, err
	}
	f := &libFlux{b: b}
	if err := errors.Join(
		b.Register(&f.open, "flux_open"),
		b.Register(&f.closeHandle, "flux_close"),
		b.Register(&f.rpc, "flux_rpc"),
		b.Register(&f.rpcGet, "flux_rpc_get"),
		b.Register(&f.futureGet, "flux_future_get"),
		b.Register(&f.futureDestroy, "flux_future_destroy"),
		b.Register(&f.jobKill, "flux_job_kill"),
		b.Register(&f.jobIDParse, "flux_job_id_parse"),
	); err != nil {
		_ = b.Close()
		return nil, err
	}
	var curi *byte
	if uri != "" {
		curi = cString(uri)
	}
	if f.h = f.open(curi, 0); f.h == 0 {
		_ = b.Close()
		return nil, fmt.Errorf("flux_open %q failed", uri)
	}
	return f, nil
}

func (f *libFlux) ParseID(s string) (uint64, error) {
	var id uint64
	if f.jobIDParse(strings.TrimSpace(s), &id) < 0 {
		return 0, fmt.Errorf("flux job id %q is invalid", s)
	}
	return id, nil
}

// call sends one request and returns the response payload.
func (f *libFlux) call(topic string, payload any, nodeid uint32) ([]byte, error) {
	var cpayload *byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		cpayload = cString(string(b))
	}
	fut := f.rpc(f.h, topic, cpayload, nodeid, 0)
	if fut == 0 {
		return nil, fmt.Errorf("flux_rpc %s failed", topic)
	}
	defer f.futureDestroy(fut)
	var out unsafe.Pointer
	if f.rpcGet(fut, &out) < 0 {
		return nil, fmt.Errorf("flux rpc %s: request failed", topic)
	}
	return []byte(goString(out)), nil
}

// ProcTable looks up the broker rank running shell rank 0 and asks that
// shell for its proctable.
func (f *libFlux) ProcTable(ctx context.Context, id uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := f.call("job-info.lookup", map[string]any{"id": id, "keys": []string{"R"}, "flags": 0}, fluxNodeidAny)
	if err != nil {
		return nil, err
	}
	rank, err := firstBrokerRank(resp)
	if err != nil {
		return nil, err
	}
	topic := fmt.Sprintf("%d-shell-%d.proctable", syscall.Getuid(), id)
	return f.call(topic, nil, rank)
}

// firstBrokerRank returns the lowest broker rank in a job-info R lookup.
func firstBrokerRank(lookup []byte) (uint32, error) {
	var reply struct {
		R string `json:"R"`
	}
	if err := json.Unmarshal(lookup, &reply); err != nil {
		return 0, fmt.Errorf("flux R lookup: %w", err)
	}
	var r struct {
		Execution struct {
			RLite []struct {
				Rank string `json:"rank"`
			} `json:"R_lite"`
		} `json:"execution"`
	}
	if err := json.Unmarshal([]byte(reply.R), &r); err != nil {
		return 0, fmt.Errorf("flux R: %w", err)
	}
	if len(r.Execution.RLite) == 0 {
		return 0, errors.New("flux R: no execution targets")
	}
	idset := r.Execution.RLite[0].Rank
	end := strings.IndexAny(idset, "-,")
	if end < 0 {
		end = len(idset)
	}
	n, err := strconv.ParseUint(idset[:end], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("flux R rank %q: %w", idset, err)
	}
	return uint32(n), nil
}

func (f *libFlux) Signal(id uint64, sig syscall.Signal) error {
	fut := f.jobKill(f.h, id, int32(sig))
	if fut == 0 {
		return fmt.Errorf("flux_job_kill %d failed", id)
	}
	defer f.futureDestroy(fut)
	if f.futureGet(fut, nil) < 0 {
		return fmt.Errorf("flux job %d: signal %d rejected", id, sig)
	}
	return nil
}

func (f *libFlux) Close() error {
	if f.h != 0 {
		f.closeHandle(f.h)
		f.h = 0
	}
	return f.b.Close()
}
