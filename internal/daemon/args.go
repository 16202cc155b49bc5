package daemon

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/loykin/hpcattach/internal/env"
	"github.com/loykin/hpcattach/internal/wire"
	"github.com/loykin/hpcattach/internal/wlm"
)

// Args is the command line contract of the backend daemon.
type Args struct {
	APID      string
	Binary    string
	Clean     bool
	Directory string
	Env       []string
	Inst      int
	Manifests []string
	// Path is the node-local tool directory the stage tree lives in.
	Path string
	// APath is where shipped packages were placed when it differs from Path.
	APath     string
	LDLibPath string
	WLM       string
	Debug     bool

	ReadyAddr  string
	ReadyToken string

	// ToolArgs follow "--" and are passed to Binary.
	ToolArgs []string
}

// BindFlags registers the daemon flags on fs.
func BindFlags(fs *pflag.FlagSet, a *Args) {
	fs.StringVarP(&a.APID, "apid", "a", "", "application id of the job")
	fs.StringVarP(&a.Binary, "binary", "b", "", "binary in the stage bin directory to exec")
	fs.BoolVarP(&a.Clean, "clean", "c", false, "remove the stage directory and packages, then exit")
	fs.StringVarP(&a.Directory, "directory", "d", "", "stage directory name below the tool path")
	fs.StringArrayVarP(&a.Env, "env", "e", nil, "VAR=VAL exported to the tool (repeatable)")
	fs.IntVarP(&a.Inst, "inst", "i", 1, "instance number of this launch")
	fs.StringArrayVarP(&a.Manifests, "manifest", "m", nil, "package to extract (repeatable)")
	fs.StringVarP(&a.Path, "path", "p", "", "node-local tool path")
	fs.StringVarP(&a.APath, "apath", "t", "", "directory holding the shipped packages")
	fs.StringVarP(&a.LDLibPath, "ldlibpath", "l", "", "extra LD_LIBRARY_PATH entries, relative to the stage")
	fs.StringVarP(&a.WLM, "wlm", "w", "", "workload manager token")
	fs.BoolVar(&a.Debug, "debug", false, "write a debug log")
	fs.StringVar(&a.ReadyAddr, "ready-addr", "", "frontend address for the readiness handshake")
	fs.StringVar(&a.ReadyToken, "ready-token", "", "token echoed in the readiness message")
}

// ParseArgs parses a daemon argument vector without argv[0].
func ParseArgs(argv []string) (Args, error) {
	var a Args
	fs := pflag.NewFlagSet("hpcattach-daemon", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.Usage = func() {}
	BindFlags(fs, &a)
	if err := fs.Parse(argv); err != nil {
		return a, &ArgError{Reason: wire.ReasonBadArgument, Err: err}
	}
	a.ToolArgs = fs.Args()
	return a, nil
}

// Argv renders a as daemon arguments, the inverse of ParseArgs.
func (a Args) Argv() []string {
	var out []string
	add := func(flag, v string) {
		if v != "" {
			out = append(out, flag, v)
		}
	}
	add("--apid", a.APID)
	add("--wlm", a.WLM)
	add("--path", a.Path)
	add("--apath", a.APath)
	add("--directory", a.Directory)
	if a.Inst != 0 {
		out = append(out, "--inst", strconv.Itoa(a.Inst))
	}
	for _, m := range a.Manifests {
		out = append(out, "--manifest", m)
	}
	add("--binary", a.Binary)
	for _, e := range a.Env {
		out = append(out, "--env", e)
	}
	add("--ldlibpath", a.LDLibPath)
	if a.Clean {
		out = append(out, "--clean")
	}
	if a.Debug {
		out = append(out, "--debug")
	}
	add("--ready-addr", a.ReadyAddr)
	add("--ready-token", a.ReadyToken)
	if len(a.ToolArgs) > 0 {
		out = append(out, "--")
		out = append(out, a.ToolArgs...)
	}
	return out
}

// ArgError is a daemon argument or runtime failure carrying the reason
// reported to the frontend.
type ArgError struct {
	Reason wire.Reason
	Err    error
}

func (e *ArgError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }

func (e *ArgError) Unwrap() error { return e.Err }

func badArg(format string, args ...any) *ArgError {
	return &ArgError{Reason: wire.ReasonBadArgument, Err: fmt.Errorf(format, args...)}
}

// Validate checks a without touching the filesystem.
func (a Args) Validate() error {
	if a.APID == "" {
		return badArg("missing --apid")
	}
	if a.Path == "" {
		return badArg("missing --path")
	}
	if a.Directory == "" && (len(a.Manifests) > 0 || a.Binary != "" || a.Clean) {
		return badArg("--directory is required with --manifest, --binary or --clean")
	}
	if a.Directory == "" {
		return badArg("nothing to do: no --directory given")
	}
	if a.WLM == "" {
		return &ArgError{Reason: wire.ReasonUnsupportedWLM, Err: errors.New("missing --wlm")}
	}
	if _, err := wlm.ParseVariant(a.WLM); err != nil {
		return &ArgError{Reason: wire.ReasonUnsupportedWLM, Err: err}
	}
	for _, kv := range a.Env {
		if _, _, err := env.ParseAssignment(kv); err != nil {
			return badArg("--env %q: %v", kv, err)
		}
	}
	if a.Inst < 0 {
		return badArg("--inst must not be negative")
	}
	if (a.ReadyAddr == "") != (a.ReadyToken == "") {
		return badArg("--ready-addr and --ready-token go together")
	}
	return nil
}
