package wlm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/proctable"
)

const palsApid = "2c5e4a4a-1b1f-4bd4-9e2e-6a0f7f1c0b11"

type palsServer struct {
	mu       sync.Mutex
	misses   atomic.Int32
	signals  []int
	files    map[string]string
	tools    [][]string
	authSeen string
}

func (s *palsServer) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/apis/pals/v1")
	api.Use(func(c *gin.Context) {
		s.mu.Lock()
		s.authSeen = c.GetHeader("Authorization")
		s.mu.Unlock()
		c.Next()
	})
	api.GET("/apps/:apid", func(c *gin.Context) {
		if c.Param("apid") != palsApid {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such app"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"apid":  palsApid,
			"hosts": []string{"x1000c0s0b0n0", "x1000c0s0b0n1"},
			"cmds":  []gin.H{{"argv": []string{"./a.out"}, "nranks": 3}},
		})
	})
	api.GET("/apps/:apid/procinfo", func(c *gin.Context) {
		// the first lookup races application startup
		if s.misses.Add(1) == 1 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"apid":        palsApid,
			"executables": []string{"/home/u/a.out"},
			"cmdidxs":     []int{0, 0, 0},
			"pids":        []int{500, 501, 600},
			"placement":   []int{0, 0, 1},
		})
	})
	api.POST("/apps/:apid/signal", func(c *gin.Context) {
		if c.Param("apid") != palsApid {
			c.JSON(http.StatusNotFound, gin.H{"error": "gone"})
			return
		}
		var body struct {
			Signum int `json:"signum"`
		}
		if err := c.BindJSON(&body); err != nil {
			return
		}
		s.mu.Lock()
		s.signals = append(s.signals, body.Signum)
		s.mu.Unlock()
		c.Status(http.StatusOK)
	})
	api.POST("/apps/:apid/files", func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		s.mu.Lock()
		s.files[c.Query("name")] = string(b)
		s.mu.Unlock()
		c.Status(http.StatusCreated)
	})
	api.POST("/apps/:apid/tools", func(c *gin.Context) {
		var body struct {
			Argv []string `json:"argv"`
		}
		if err := c.BindJSON(&body); err != nil {
			return
		}
		s.mu.Lock()
		s.tools = append(s.tools, body.Argv)
		s.mu.Unlock()
		c.Status(http.StatusOK)
	})
	return r
}

func newPALSFixture(t *testing.T, dbg Debugger) (*pals, *palsServer) {
	t.Helper()
	srv := &palsServer{files: map[string]string{}}
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	tokDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tokDir, "127_0_0_1.shasta"), []byte(`{"access_token":"tok-123"}`), 0o600))

	opts := Options{
		Getenv:   envMap(nil),
		LookPath: lookPathIdentity,
		Debugger: dbg,
		Runner:   &fakeRunner{},
		HTTP:     ts.Client(),
		Logger:   quietLog(),
		PALS: PALSConfig{
			Endpoint:    ts.URL + "/apis/pals/v1",
			TokenDir:    tokDir,
			Tenant:      "shasta",
			PollTimeout: 5 * time.Second,
		},
	}
	opts.defaults()
	p, err := newPALS(opts)
	require.NoError(t, err)
	return p, srv
}

func TestPALSAttachThroughREST(t *testing.T) {
	p, srv := newPALSFixture(t, &fakeDebugger{})
	ctx := context.Background()

	job, err := p.Attach(ctx, palsApid)
	require.NoError(t, err)
	tab, err := p.ProcTable(ctx, job)
	require.NoError(t, err)
	require.Equal(t, []proctable.Entry{
		{Rank: 0, Host: "x1000c0s0b0n0", PID: 500, Executable: "/home/u/a.out"},
		{Rank: 1, Host: "x1000c0s0b0n0", PID: 501, Executable: "/home/u/a.out"},
		{Rank: 2, Host: "x1000c0s0b0n1", PID: 600, Executable: "/home/u/a.out"},
	}, tab.Entries())
	require.Equal(t, "Bearer tok-123", srv.authSeen)
	require.GreaterOrEqual(t, srv.misses.Load(), int32(2))

	again, err := p.Attach(ctx, palsApid)
	require.NoError(t, err)
	require.Same(t, job, again)

	pkg := filepath.Join(t.TempDir(), "cti_daemonXyZ.tar.gz")
	require.NoError(t, os.WriteFile(pkg, []byte("payload"), 0o600))
	require.NoError(t, p.Ship(ctx, job, pkg))
	require.Equal(t, "payload", srv.files["cti_daemonXyZ.tar.gz"])
	require.Equal(t, "/var/run/palsd/"+palsApid+"/files", p.ToolPath(job))

	_, err = p.SpawnDaemon(ctx, job, []string{"daemon", "--apid", palsApid}, nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"daemon", "--apid", palsApid}}, srv.tools)

	require.NoError(t, p.Kill(ctx, job, syscall.SIGTERM))
	require.Equal(t, []int{15}, srv.signals)

	gone := newJob(PALS, "finished-app", nil, false)
	require.NoError(t, p.Kill(ctx, gone, syscall.SIGTERM))
}

func TestPALSLaunchUnderMPIR(t *testing.T) {
	l := &fakeLauncher{pid: 77, strs: map[string]string{mpir.SymTotalviewJobID: palsApid}}
	l.table = mustTable(t,
		proctable.Entry{Rank: 0, Host: "x1000c0s0b0n0", PID: 500},
		proctable.Entry{Rank: 1, Host: "x1000c0s0b0n0", PID: 501},
		proctable.Entry{Rank: 2, Host: "x1000c0s0b0n1", PID: 600},
	)
	dbg := &fakeDebugger{launcher: l}
	p, _ := newPALSFixture(t, dbg)

	job, err := p.Launch(context.Background(), LaunchRequest{Argv: []string{"-n", "3", "./a.out"}, HoldAtBarrier: true})
	require.NoError(t, err)
	require.Equal(t, palsApid, job.ID())
	require.Equal(t, []string{"/usr/bin/mpiexec", "-n", "3", "./a.out"}, dbg.specs[0].Argv)
	require.True(t, job.Held())
	require.NoError(t, p.Release(context.Background(), job))
	require.NoError(t, p.Release(context.Background(), job))
	rel, _, _ := l.counts()
	require.Equal(t, 1, rel)
}

func TestPALSTokenErrors(t *testing.T) {
	_, err := readPALSToken(PALSConfig{TokenDir: t.TempDir()}, "api.example")
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api_example"), []byte(`{}`), 0o600))
	_, err = readPALSToken(PALSConfig{TokenDir: dir}, "api.example")
	require.ErrorContains(t, err, "no access_token")
}
