package wlm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

const (
	DefaultPALSEndpoint = "https://api-gw-service-nmn.local/apis/pals/v1"
	mpiexecLauncher     = "mpiexec"
	palsToolDirFmt      = "/var/run/palsd/%s/files"
	defaultPALSPoll     = 30 * time.Second
)

// PALSConfig locates the PALS REST service and its credentials.
type PALSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// Token is used verbatim when set; otherwise it is read from TokenDir.
	Token    string `mapstructure:"token"`
	TokenDir string `mapstructure:"token_dir"`
	Tenant   string `mapstructure:"tenant"`
	// PollTimeout bounds the wait for a new application's process info.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// PALSStatusError is a non-success reply from the PALS service.
type PALSStatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *PALSStatusError) Error() string {
	return fmt.Sprintf("pals %s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

type palsApp struct {
	Apid  string   `json:"apid"`
	Hosts []string `json:"hosts"`
	Cmds  []struct {
		Argv   []string `json:"argv"`
		NRanks int      `json:"nranks"`
	} `json:"cmds"`
}

type palsProcInfo struct {
	Apid        string   `json:"apid"`
	Executables []string `json:"executables"`
	CmdIdxs     []int    `json:"cmdidxs"`
	PIDs        []uint32 `json:"pids"`
	Placement   []int    `json:"placement"`
}

// table converts process info to a proctable using the host list of app.
func (p palsProcInfo) table(hosts []string) (*proctable.Table, error) {
	n := len(p.PIDs)
	if len(p.Placement) != n || len(p.CmdIdxs) != n {
		return nil, fmt.Errorf("pals procinfo: %d pids, %d placements, %d cmdidxs", n, len(p.Placement), len(p.CmdIdxs))
	}
	entries := make([]proctable.Entry, n)
	for i := range entries {
		hi, ci := p.Placement[i], p.CmdIdxs[i]
		if hi < 0 || hi >= len(hosts) {
			return nil, fmt.Errorf("pals procinfo: rank %d placed on host index %d of %d", i, hi, len(hosts))
		}
		if ci < 0 || ci >= len(p.Executables) {
			return nil, fmt.Errorf("pals procinfo: rank %d uses command %d of %d", i, ci, len(p.Executables))
		}
		entries[i] = proctable.Entry{Rank: uint32(i), Host: hosts[hi], PID: p.PIDs[i], Executable: p.Executables[ci]}
	}
	return proctable.New(entries)
}

type pals struct {
	opts Options
	log  *slog.Logger
	jobs registry
	base *url.URL
	cfg  PALSConfig
}

func newPALS(o Options) (*pals, error) {
	cfg := o.PALS
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultPALSEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPALSPoll
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("pals endpoint: %w", err)
	}
	if cfg.Token == "" {
		tok, err := readPALSToken(cfg, base.Hostname())
		if err != nil {
			return nil, err
		}
		cfg.Token = tok
	}
	return &pals{opts: o, log: o.Logger, base: base, cfg: cfg}, nil
}

// readPALSToken reads access_token from <dir>/<host>.<tenant>, with dots in
// the host replaced by underscores.
func readPALSToken(cfg PALSConfig, host string) (string, error) {
	dir := cfg.TokenDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("pals token dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "cray", "tokens")
	}
	name := strings.ReplaceAll(host, ".", "_")
	if cfg.Tenant != "" {
		name += "." + cfg.Tenant
	}
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("pals token: %w", err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(b, &tok); err != nil {
		return "", fmt.Errorf("pals token %s: %w", name, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("pals token %s: no access_token", name)
	}
	return tok.AccessToken, nil
}

func (p *pals) Variant() Variant { return PALS }

func (p *pals) ToolPath(job *Job) string {
	if p.opts.ToolDir != "" {
		return p.opts.ToolDir
	}
	return fmt.Sprintf(palsToolDirFmt, job.ID())
}

func (p *pals) do(ctx context.Context, method, path string, query url.Values, body io.Reader, ctype string, out any) error {
	u := *p.base
	u.Path += path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := p.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &PALSStatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *pals) postJSON(ctx context.Context, path string, in any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return p.do(ctx, http.MethodPost, path, nil, bytes.NewReader(b), "application/json", nil)
}

func appPath(apid string) string { return "/apps/" + url.PathEscape(apid) }

// lookup fetches the application and its process info. Process info is
// polled until PALS reports it or PollTimeout expires.
func (p *pals) lookup(ctx context.Context, apid string) (*proctable.Table, error) {
	var app palsApp
	var info palsProcInfo
	op := func() error {
		if err := p.do(ctx, http.MethodGet, appPath(apid), nil, nil, "", &app); err != nil {
			return retryable(err)
		}
		return retryable(p.do(ctx, http.MethodGet, appPath(apid)+"/procinfo", nil, nil, "", &info))
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = p.cfg.PollTimeout
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("pals application %s: %w", apid, err)
	}
	return info.table(app.Hosts)
}

// retryable marks everything except not-yet-available replies permanent.
func retryable(err error) error {
	var se *PALSStatusError
	if err == nil {
		return nil
	}
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable:
			return err
		}
	}
	return backoff.Permanent(err)
}

func (p *pals) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	name := p.opts.launcherName(mpiexecLauncher)
	path, err := p.opts.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("find launcher %s: %w", name, err)
	}
	l, err := launchHeld(ctx, p.opts, append([]string{path}, req.Argv...), req)
	if err != nil {
		return nil, err
	}
	job, err := p.adopt(ctx, l, req.HoldAtBarrier)
	if err != nil {
		discard(p.log, l)
		return nil, err
	}
	job.markLaunched()
	if err := settle(l, req.HoldAtBarrier); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *pals) adopt(ctx context.Context, l Launcher, hold bool) (*Job, error) {
	apid, err := l.ReadString(mpir.SymTotalviewJobID)
	if err != nil {
		return nil, err
	}
	native, err := p.lookup(ctx, apid)
	if err != nil {
		return nil, err
	}
	table := l.ProcTable()
	if err := checkPlacement(table, native.Len(), native.Hosts(), l.PID()); err != nil {
		return nil, err
	}
	job := newJob(PALS, apid, table, hold)
	job.launcher = l
	if cur, added := p.jobs.add(job); !added {
		return cur, nil
	}
	return job, nil
}

// Attach reads the proctable of a running application through the REST API.
func (p *pals) Attach(ctx context.Context, nativeID string) (*Job, error) {
	if nativeID == "" {
		return nil, errors.New("pals: empty apid")
	}
	if j, ok := p.jobs.get(nativeID); ok {
		return j, nil
	}
	table, err := p.lookup(ctx, nativeID)
	if err != nil {
		return nil, err
	}
	job, _ := p.jobs.add(newJob(PALS, nativeID, table, false))
	return job, nil
}

func (p *pals) ProcTable(_ context.Context, job *Job) (*proctable.Table, error) {
	if t := job.ProcTable(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("pals application %s: no proctable", job.ID())
}

func (p *pals) Release(_ context.Context, job *Job) error {
	return job.releaseOnce(func() error {
		if job.launcher == nil {
			return nil
		}
		return job.launcher.Release()
	})
}

func (p *pals) Kill(ctx context.Context, job *Job, sig syscall.Signal) error {
	err := p.postJSON(ctx, appPath(job.ID())+"/signal", map[string]int{"signum": int(sig)})
	var se *PALSStatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		p.log.Debug("signal: application gone", "apid", job.ID())
		return nil
	}
	return err
}

func (p *pals) Ship(ctx context.Context, job *Job, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	q := url.Values{"name": {filepath.Base(localPath)}}
	return p.do(ctx, http.MethodPost, appPath(job.ID())+"/files", q, f, "application/octet-stream", nil)
}

func (p *pals) SpawnDaemon(ctx context.Context, job *Job, argv, extraEnv []string) (*process.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty daemon argv")
	}
	body := struct {
		Argv []string `json:"argv"`
		Env  []string `json:"env,omitempty"`
	}{Argv: argv, Env: extraEnv}
	if err := p.postJSON(ctx, appPath(job.ID())+"/tools", body); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *pals) Close() error {
	closeLaunchers(p.log, p.jobs.all())
	return nil
}
