// Package remote copies files to and runs commands on compute nodes over SSH.
// It backs the ship and daemon-spawn operations of WLMs without a native
// file distribution or remote exec primitive.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort     = "22"
	DefaultParallel = 32
	DefaultTimeout  = 30 * time.Second
)

// Config holds the SSH options shared by every host of a job.
type Config struct {
	User                        string        `mapstructure:"user"`
	Port                        string        `mapstructure:"port"`
	KeyPath                     string        `mapstructure:"key_path"`
	Passphrase                  string        `mapstructure:"passphrase"`
	KnownHostsPath              string        `mapstructure:"known_hosts"`
	InsecureSkipHostKeyChecking bool          `mapstructure:"insecure_skip_host_key_checking"`
	UseAgent                    bool          `mapstructure:"use_agent"`
	Timeout                     time.Duration `mapstructure:"timeout"`
	// Parallel bounds the number of hosts handled at once.
	Parallel int `mapstructure:"parallel"`
}

// Client runs operations against many hosts. It dials a fresh connection per
// operation and host.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and fills defaults.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.User == "" {
		if u := os.Getenv("USER"); u != "" {
			cfg.User = u
		} else {
			return nil, errors.New("ssh user is required")
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = DefaultParallel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log.With("component", "ssh")}, nil
}

// Run executes argv on host and returns combined output.
func (c *Client) Run(ctx context.Context, host string, argv []string, env []string) (string, error) {
	client, err := c.dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()
	stop := closeOnDone(ctx, sess)
	defer stop()
	out, err := sess.CombinedOutput(Command(argv, env))
	if err != nil {
		return string(out), fmt.Errorf("%s: %s: %w", host, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Start launches argv on host in the background, detached from the SSH
// session, and returns once the remote shell has forked it.
func (c *Client) Start(ctx context.Context, host string, argv []string, env []string) error {
	cmd := "nohup " + Command(argv, env) + " </dev/null >/dev/null 2>&1 &"
	_, err := c.Run(ctx, host, []string{"sh", "-c", cmd}, nil)
	return err
}

// Copy streams localPath to remotePath on host, creating the parent
// directory and preserving the mode bits.
func (c *Client) Copy(ctx context.Context, host, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	client, err := c.dial(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	stop := closeOnDone(ctx, sess)
	defer stop()

	q := shellquote.Join(remotePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		shellquote.Join(path.Dir(remotePath)), q, fi.Mode().Perm(), q)
	sess.Stdin = f
	var stderr strings.Builder
	sess.Stderr = &stderr
	if err := sess.Run(shellquote.Join("sh", "-c", script)); err != nil {
		return fmt.Errorf("copy %s to %s:%s: %s: %w", filepath.Base(localPath), host, remotePath,
			strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// CopyAll copies localPath to every host in parallel. It fails if any host
// fails.
func (c *Client) CopyAll(ctx context.Context, hosts []string, localPath, remotePath string) error {
	return c.each(ctx, hosts, func(ctx context.Context, h string) error {
		return c.Copy(ctx, h, localPath, remotePath)
	})
}

// StartAll starts argv on every host in parallel.
func (c *Client) StartAll(ctx context.Context, hosts []string, argv, env []string) error {
	return c.each(ctx, hosts, func(ctx context.Context, h string) error {
		return c.Start(ctx, h, argv, env)
	})
}

func (c *Client) each(ctx context.Context, hosts []string, f func(context.Context, string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallel)
	for _, h := range hosts {
		g.Go(func() error { return f(gctx, h) })
	}
	return g.Wait()
}

// Command renders argv with env assignments as a single shell word list.
func Command(argv []string, env []string) string {
	if len(env) == 0 {
		return shellquote.Join(argv...)
	}
	return shellquote.Join(append(append([]string{"env"}, env...), argv...)...)
}

func closeOnDone(ctx context.Context, c io.Closer) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *Client) dial(ctx context.Context, host string) (*ssh.Client, error) {
	address, err := c.address(host)
	if err != nil {
		return nil, err
	}
	config, closeAgent, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	// agent signers are only needed for the handshake
	defer closeAgent()
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (c *Client) address(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	port := c.cfg.Port
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port), nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, func(), error) {
	auth, closeAgent, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}
	var hostKeyCallback ssh.HostKeyCallback
	if c.cfg.InsecureSkipHostKeyChecking {
		// #nosec G106
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		cb, err := c.knownHostsCallback()
		if err != nil {
			closeAgent()
			return nil, nil, err
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.Timeout,
	}, closeAgent, nil
}

// authMethods returns the credentials for one connection and a func that
// closes the agent connection they may hold.
func (c *Client) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}
	if c.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closeAgent = func() { _ = conn.Close() }
			} else {
				c.log.Debug("ssh agent unavailable", "error", err)
			}
		}
	}
	keys := []string{c.cfg.KeyPath}
	if c.cfg.KeyPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			for _, n := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				keys = append(keys, filepath.Join(home, ".ssh", n))
			}
		}
	}
	var signers []ssh.Signer
	for _, k := range keys {
		if k == "" {
			continue
		}
		s, err := c.signer(k)
		if err != nil {
			if k == c.cfg.KeyPath {
				closeAgent()
				return nil, nil, err
			}
			continue
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh credentials: set a key path or enable the agent")
	}
	return methods, closeAgent, nil
}

func (c *Client) signer(keyPath string) (ssh.Signer, error) {
	privateKey, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	if c.cfg.Passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, []byte(c.cfg.Passphrase))
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c *Client) knownHostsCallback() (ssh.HostKeyCallback, error) {
	p := strings.TrimSpace(c.cfg.KnownHostsPath)
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		p = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(p)
}
