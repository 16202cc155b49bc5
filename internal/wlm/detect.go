package wlm

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loykin/hpcattach/internal/metrics"
)

// EnvImpl forces a variant and bypasses probing.
const EnvImpl = "CTI_WLM_IMPL"

// Marker paths consulted by the probes.
const (
	alpsNidFile = "/proc/cray_xt/nid"
	palsRoot    = "/opt/cray/pals"
)

// Host is the view of the machine the probes inspect.
type Host struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Stat     func(string) (fs.FileInfo, error)
}

// OSHost inspects the running machine.
func OSHost() Host {
	return Host{Getenv: os.Getenv, LookPath: exec.LookPath, Stat: os.Stat}
}

func (h Host) has(bin string) bool {
	_, err := h.LookPath(bin)
	return err == nil
}

func (h Host) exists(path string) bool {
	_, err := h.Stat(path)
	return err == nil
}

// Probe reports whether its variant is present on a host.
type Probe struct {
	Variant Variant
	Match   func(Host) bool
}

// Probes returns the native-API probes in priority order.
func Probes() []Probe {
	return []Probe{
		{Variant: Slurm, Match: func(h Host) bool { return h.has("srun") && h.has("sattach") }},
		{Variant: ALPS, Match: func(h Host) bool { return h.has("aprun") && h.exists(alpsNidFile) }},
		{Variant: PALS, Match: func(h Host) bool { return h.exists(palsRoot) || h.has("palstat") }},
		{Variant: Flux, Match: func(h Host) bool { return h.Getenv("FLUX_URI") != "" || h.has("flux") }},
	}
}

// DetectWith resolves the variant for h. CTI_WLM_IMPL wins when set; an
// unknown token there is the only error. Otherwise the first matching probe
// wins, extra matches are logged, and Generic is the fallback.
func DetectWith(h Host, probes []Probe, log *slog.Logger) (Variant, error) {
	if log == nil {
		log = slog.Default()
	}
	if tok := h.Getenv(EnvImpl); tok != "" {
		v, err := ParseVariant(tok)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", EnvImpl, err)
		}
		return v, nil
	}
	var found Variant
	for _, p := range probes {
		if !p.Match(h) {
			continue
		}
		if found == 0 {
			found = p.Variant
			continue
		}
		log.Warn("multiple workload managers detected", "using", found.String(), "also", p.Variant.String())
	}
	if found == 0 {
		found = Generic
	}
	return found, nil
}

var (
	detectOnce sync.Once
	detected   Variant
	detectErr  error
)

// Detect probes the running machine once per process. Later calls return the
// cached result.
func Detect(log *slog.Logger) (Variant, error) {
	detectOnce.Do(func() {
		detected, detectErr = DetectWith(OSHost(), Probes(), log)
		if detectErr == nil {
			metrics.IncDetect(detected.String())
		}
	})
	return detected, detectErr
}
