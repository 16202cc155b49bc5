package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fresh registers the collectors on a private registry.
func fresh(t *testing.T) *prometheus.Registry {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
	return reg
}

func TestAttachResultsSplitByLabel(t *testing.T) {
	reg := fresh(t)
	okBefore := testutil.ToFloat64(attaches.WithLabelValues("slurm", "ok"))
	errBefore := testutil.ToFloat64(attaches.WithLabelValues("slurm", "error"))

	IncAttach("slurm", nil)
	IncAttach("slurm", nil)
	IncAttach("slurm", errors.New("srun exited"))
	ObserveAttachDuration("slurm", 0.4)

	require.Equal(t, okBefore+2, testutil.ToFloat64(attaches.WithLabelValues("slurm", "ok")))
	require.Equal(t, errBefore+1, testutil.ToFloat64(attaches.WithLabelValues("slurm", "error")))
	n, err := testutil.GatherAndCount(reg, "hpcattach_job_attach_duration_seconds")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}

func TestShipAndStagingCounters(t *testing.T) {
	fresh(t)
	files := testutil.ToFloat64(shipFiles.WithLabelValues("pals"))
	bytes := testutil.ToFloat64(shipBytes.WithLabelValues("pals"))
	removed := testutil.ToFloat64(stagingRemoved)

	AddShipped("pals", 3, 4096)
	AddStagingRemoved(2)

	require.Equal(t, files+3, testutil.ToFloat64(shipFiles.WithLabelValues("pals")))
	require.Equal(t, bytes+4096, testutil.ToFloat64(shipBytes.WithLabelValues("pals")))
	require.Equal(t, removed+2, testutil.ToFloat64(stagingRemoved))
}

func TestSessionGaugeBalances(t *testing.T) {
	fresh(t)
	start := testutil.ToFloat64(sessionsActive)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			SessionOpened()
			IncDaemonLaunch("flux", nil)
			SessionClosed()
		}()
	}
	wg.Wait()
	require.Equal(t, start, testutil.ToFloat64(sessionsActive))
}

func TestHelpersInertBeforeRegister(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	before := testutil.ToFloat64(wlmDetections.WithLabelValues("alps"))
	IncDetect("alps")
	AddShipped("alps", 1, 1)
	SessionOpened()
	require.Equal(t, before, testutil.ToFloat64(wlmDetections.WithLabelValues("alps")))
}

func TestHandlerExposesDefaultRegistry(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	IncDetect("generic")

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.True(t, strings.Contains(string(b), `hpcattach_wlm_detect_total{variant="generic"}`))
}

type failingRegisterer struct{ prometheus.Registerer }

func (failingRegisterer) Register(prometheus.Collector) error { return errors.New("registry closed") }

func TestRegisterPropagatesFailure(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)
	require.EqualError(t, Register(failingRegisterer{}), "registry closed")
	require.False(t, regOK.Load())
}
