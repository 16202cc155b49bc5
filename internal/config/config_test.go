package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hpcattach.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", envOf(nil))
	require.NoError(t, err)
	require.Equal(t, "info", c.Log.Slog.Level)
	require.Equal(t, 5*time.Minute, c.Staging.Grace)
	require.True(t, c.Staging.GCOnStart)
	require.Equal(t, 30*time.Second, c.Timeouts.Attach)
	require.Equal(t, 60*time.Second, c.Timeouts.Readiness)
	require.Equal(t, 3*time.Second, c.Timeouts.StopGrace)
	require.Equal(t, "memory://", c.Ledger.DSN)
	require.Empty(t, c.History.DSN)
	require.Equal(t, "hpcattach-daemon1.0", c.DaemonName())
	require.True(t, c.UseOSEnv)
}

func TestLoadFile(t *testing.T) {
	p := writeTOML(t, `
wlm = "slurm"
version = "2.3"
tool_dir = "/scratch/tools"

[log.slog]
level = "debug"
format = "json"

[staging]
grace = "90s"
gc_on_start = false

[timeouts]
attach = "5s"
readiness = "2m"

[daemon]
listen_host = "0.0.0.0"
advertise_host = "login1"
package_max_bytes = 1048576

[ledger]
dsn = "sqlite:///var/tmp/ledger.db"

[history]
dsn = "clickhouse://ch:9000?table=events"

[ssh]
user = "alice"
port = "2222"
timeout = "7s"

[pals]
endpoint = "https://pals.local"
tenant = "t1"
`)
	c, err := Load(p, envOf(nil))
	require.NoError(t, err)
	require.Equal(t, "slurm", c.WLM)
	require.Equal(t, "hpcattach-daemon2.3", c.DaemonName())
	require.Equal(t, "/scratch/tools", c.ToolDir)
	require.Equal(t, "json", c.Log.Slog.Format)
	require.Equal(t, 90*time.Second, c.Staging.Grace)
	require.False(t, c.Staging.GCOnStart)
	require.Equal(t, 5*time.Second, c.Timeouts.Attach)
	require.Equal(t, 2*time.Minute, c.Timeouts.Readiness)
	require.Equal(t, "login1", c.Daemon.AdvertiseHost)
	require.Equal(t, int64(1048576), c.Daemon.PackageMaxBytes)
	require.Equal(t, "sqlite:///var/tmp/ledger.db", c.Ledger.DSN)
	require.Equal(t, "clickhouse://ch:9000?table=events", c.History.DSN)
	require.Equal(t, "alice", c.SSH.User)
	require.Equal(t, "2222", c.SSH.Port)
	require.Equal(t, 7*time.Second, c.SSH.Timeout)
	require.Equal(t, "https://pals.local", c.PALS.Endpoint)
}

func TestSiteVariablesOverrideFile(t *testing.T) {
	p := writeTOML(t, `
wlm = "slurm"
[staging]
root = "/from/file"
`)
	c, err := Load(p, envOf(map[string]string{
		EnvWLMImpl:     "flux",
		EnvCfgDir:      "/from/env",
		EnvStageDir:    "mystage",
		EnvDebugLogDir: "/var/log/dbg",
		EnvInstallDir:  "/opt/hpcattach",
		EnvVersion:     "9",
	}))
	require.NoError(t, err)
	require.Equal(t, "flux", c.WLM)
	require.Equal(t, "/from/env", c.Staging.Root)
	require.Equal(t, "mystage", c.Staging.StageName)
	require.Equal(t, "/var/log/dbg", c.DebugLogDir)
	require.Equal(t, "/opt/hpcattach", c.InstallDir)
	require.Equal(t, "hpcattach-daemon9", c.DaemonName())
}

func TestPrefixedEnvironmentOverlay(t *testing.T) {
	t.Setenv("HPCATTACH_LEDGER_DSN", "postgres://db/ledger")
	t.Setenv("HPCATTACH_TIMEOUTS_READINESS", "15s")
	c, err := Load("", envOf(nil))
	require.NoError(t, err)
	require.Equal(t, "postgres://db/ledger", c.Ledger.DSN)
	require.Equal(t, 15*time.Second, c.Timeouts.Readiness)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"wlm":     `wlm = "pbs"`,
		"stage":   "[staging]\nstage_name = \"a/b\"",
		"timeout": "[timeouts]\nattach = \"-1s\"",
		"env":     `env = ["NOEQUALS"]`,
		"package": "[daemon]\npackage_max_bytes = -5",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data), envOf(nil))
			require.Error(t, err)
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), envOf(nil))
	require.Error(t, err)
	_, err = Load(writeTOML(t, "wlm = ["), envOf(nil))
	require.Error(t, err)
}

func TestLibexecPath(t *testing.T) {
	root := t.TempDir()
	libexec := filepath.Join(root, "libexec")
	require.NoError(t, os.MkdirAll(libexec, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libexec, OverwatchBinary), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(libexec, DaemonBinary), []byte("x"), 0o644))

	c := &Config{InstallDir: root}
	p, err := c.LibexecPath(OverwatchBinary)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(libexec, OverwatchBinary), p)

	_, err = c.LibexecPath(DaemonBinary)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), root))
}
