package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/hpcattach/internal/logger"
	"github.com/loykin/hpcattach/internal/remote"
	"github.com/loykin/hpcattach/internal/wlm"
)

// Environment variables honored on top of the config file.
const (
	EnvPrefix      = "HPCATTACH"
	EnvCfgDir      = "CRAY_CTI_CFG_DIR"
	EnvStageDir    = "CRAY_CTI_STAGE_DIR"
	EnvDebugLogDir = "CRAY_DBG_LOG_DIR"
	EnvInstallDir  = "CTI_INSTALL_DIR"
	EnvWLMImpl     = "CTI_WLM_IMPL"
	EnvLauncher    = "CTI_LAUNCHER_NAME"
	EnvVersion     = "CTI_VERSION"
)

const (
	DaemonBinary    = "hpcattach-daemon"
	OverwatchBinary = "hpcattach-overwatch"
	DefaultVersion  = "1.0"
)

// Config is the frontend configuration.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log logger.Config `mapstructure:"log"`
	// DebugLogDir receives rotating debug logs of the frontend and of
	// daemons started with --debug.
	DebugLogDir string `mapstructure:"debug_log_dir"`

	// WLM forces a workload manager variant; empty probes the machine.
	WLM          string `mapstructure:"wlm"`
	LauncherName string `mapstructure:"launcher_name"`
	// InstallDir holds libexec/ with the daemon and overwatch binaries.
	InstallDir string `mapstructure:"install_dir"`
	// Version suffixes the daemon name shipped to the nodes.
	Version string `mapstructure:"version"`
	ToolDir string `mapstructure:"tool_dir"`

	Staging  StagingConfig  `mapstructure:"staging"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Ledger   StoreConfig    `mapstructure:"ledger"`
	History  StoreConfig    `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	SSH  remote.Config  `mapstructure:"ssh"`
	PALS wlm.PALSConfig `mapstructure:"pals"`
}

type StagingConfig struct {
	// Root replaces config root discovery.
	Root      string        `mapstructure:"root"`
	StageName string        `mapstructure:"stage_name"`
	Grace     time.Duration `mapstructure:"grace"`
	// GCOnStart removes stale staging directories when the frontend starts.
	GCOnStart bool `mapstructure:"gc_on_start"`
}

type TimeoutsConfig struct {
	Attach    time.Duration `mapstructure:"attach"`
	Handshake time.Duration `mapstructure:"handshake"`
	Readiness time.Duration `mapstructure:"readiness"`
	Ship      time.Duration `mapstructure:"ship"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

type DaemonConfig struct {
	ListenHost      string `mapstructure:"listen_host"`
	AdvertiseHost   string `mapstructure:"advertise_host"`
	PackageMaxBytes int64  `mapstructure:"package_max_bytes"`
}

// StoreConfig selects a backend by DSN; empty disables it.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("debug_log_dir", "")
	v.SetDefault("wlm", "")
	v.SetDefault("launcher_name", "")
	v.SetDefault("install_dir", "")
	v.SetDefault("version", DefaultVersion)
	v.SetDefault("tool_dir", "")
	v.SetDefault("staging.root", "")
	v.SetDefault("staging.stage_name", "")
	v.SetDefault("staging.grace", "5m")
	v.SetDefault("staging.gc_on_start", true)
	v.SetDefault("timeouts.attach", "30s")
	v.SetDefault("timeouts.handshake", "5m")
	v.SetDefault("timeouts.readiness", "60s")
	v.SetDefault("timeouts.ship", "10m")
	v.SetDefault("timeouts.stop_grace", "3s")
	v.SetDefault("daemon.listen_host", "")
	v.SetDefault("daemon.advertise_host", "")
	v.SetDefault("daemon.package_max_bytes", 0)
	v.SetDefault("ledger.dsn", "memory://")
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.port", remote.DefaultPort)
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.use_agent", true)
	v.SetDefault("ssh.parallel", remote.DefaultParallel)
	v.SetDefault("pals.endpoint", "")
	v.SetDefault("pals.tenant", "")
}

// Load reads the TOML file at path (optional), overlays HPCATTACH_* and the
// CRAY_*/CTI_* variables from getenv and validates the result. A nil getenv
// reads the process environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyEnv(getenv)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv lets the site variables win over the file.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Staging.Root, EnvCfgDir)
	set(&c.Staging.StageName, EnvStageDir)
	set(&c.DebugLogDir, EnvDebugLogDir)
	set(&c.InstallDir, EnvInstallDir)
	set(&c.WLM, EnvWLMImpl)
	set(&c.LauncherName, EnvLauncher)
	set(&c.Version, EnvVersion)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.WLM != "" {
		if _, err := wlm.ParseVariant(c.WLM); err != nil {
			errs = append(errs, fmt.Errorf("wlm: %w", err))
		}
	}
	if strings.ContainsAny(c.Staging.StageName, "/ ") {
		errs = append(errs, fmt.Errorf("staging.stage_name %q is not a directory name", c.Staging.StageName))
	}
	if strings.ContainsAny(c.Version, "/ ") {
		errs = append(errs, fmt.Errorf("version %q is not usable in a file name", c.Version))
	}
	for name, d := range map[string]time.Duration{
		"staging.grace":       c.Staging.Grace,
		"timeouts.attach":     c.Timeouts.Attach,
		"timeouts.handshake":  c.Timeouts.Handshake,
		"timeouts.readiness":  c.Timeouts.Readiness,
		"timeouts.ship":       c.Timeouts.Ship,
		"timeouts.stop_grace": c.Timeouts.StopGrace,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Daemon.PackageMaxBytes < 0 {
		errs = append(errs, errors.New("daemon.package_max_bytes must not be negative"))
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q is not KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// DaemonName is the file name of the backend daemon on the nodes.
func (c *Config) DaemonName() string {
	v := c.Version
	if v == "" {
		v = DefaultVersion
	}
	return DaemonBinary + v
}

// LibexecPath locates a helper binary: InstallDir/libexec first, then the
// directory of the running executable.
func (c *Config) LibexecPath(name string) (string, error) {
	var dirs []string
	if c.InstallDir != "" {
		dirs = append(dirs, filepath.Join(c.InstallDir, "libexec"), filepath.Join(c.InstallDir, "bin"))
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, d := range dirs {
		p := filepath.Join(d, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	if c.InstallDir == "" {
		return "", fmt.Errorf("%s not found; set %s", name, EnvInstallDir)
	}
	return "", fmt.Errorf("%s not found below %s", name, c.InstallDir)
}

// Environ merges the configured environment: the OS environment when
// UseOSEnv is set, then env_files in order, then the env list.
func (c *Config) Environ() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// Getenv returns a lookup over Environ.
func (c *Config) Getenv() (func(string) string, error) {
	kvs, err := c.Environ()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return func(k string) string { return m[k] }, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
