package wlm

import (
	"context"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/proctable"
)

const stepLayout = `Job step layout:
  4 tasks, 2 nodes (nid00010,nid00011)

  Node 0 (nid00010), 2 task(s): 0 1
  Node 1 (nid00011), 2 task(s): 2 3
`

func slurmRanks(t *testing.T) *proctable.Table {
	return mustTable(t,
		proctable.Entry{Rank: 0, Host: "nid00010", PID: 100, Executable: "/home/u/a.out"},
		proctable.Entry{Rank: 1, Host: "nid00010", PID: 101, Executable: "/home/u/a.out"},
		proctable.Entry{Rank: 2, Host: "nid00011", PID: 200, Executable: "/home/u/a.out"},
		proctable.Entry{Rank: 3, Host: "nid00011", PID: 201, Executable: "/home/u/a.out"},
	)
}

type slurmFixture struct {
	cap    *slurm
	runner *fakeRunner
	dbg    *fakeDebugger
	l      *fakeLauncher
}

func newSlurmFixture(t *testing.T, env map[string]string) *slurmFixture {
	t.Helper()
	l := &fakeLauncher{pid: 4242, table: slurmRanks(t), strs: map[string]string{
		mpir.SymTotalviewJobID: "1234",
		mpir.SymTotalviewStep:  "0",
	}}
	runner := &fakeRunner{outputs: map[string]string{
		"srun --version":   "slurm 23.02.5\n",
		"sattach --layout": stepLayout,
	}}
	dbg := &fakeDebugger{launcher: l}
	opts := Options{
		Getenv:   envMap(env),
		LookPath: lookPathIdentity,
		Runner:   runner,
		Debugger: dbg,
		Logger:   quietLog(),
	}
	opts.defaults()
	c, err := newSlurm(opts)
	require.NoError(t, err)
	return &slurmFixture{cap: c, runner: runner, dbg: dbg, l: l}
}

func TestParseSlurmMajor(t *testing.T) {
	for in, want := range map[string]int{
		"slurm 23.02.5\n":    23,
		"slurm 18.08.9":      18,
		"slurm-wlm 21.08.5 ": 21,
	} {
		got, err := parseSlurmMajor(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseSlurmMajor("garbage")
	require.Error(t, err)
}

func TestSrunArgsByVersionAndEnv(t *testing.T) {
	_, daemon, err := srunArgs(18, envMap(nil))
	require.NoError(t, err)
	require.Contains(t, daemon, "--mem_bind=no")
	require.Contains(t, daemon, "--share")

	app, daemon, err := srunArgs(20, envMap(nil))
	require.NoError(t, err)
	require.Empty(t, app)
	require.Contains(t, daemon, "--oversubscribe")
	require.Contains(t, daemon, "--ntasks-per-node=1")

	app, daemon, err = srunArgs(20, envMap(map[string]string{
		EnvSrunOverrideArgs: "--mpi=pmix",
		EnvSrunAppendArgs:   `--comment "two words"`,
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"--mpi=pmix", "--comment", "two words"}, app)
	require.Equal(t, []string{"--mpi=pmix", "--comment", "two words"}, daemon)

	_, _, err = srunArgs(20, envMap(map[string]string{EnvSrunAppendArgs: `"unterminated`}))
	require.Error(t, err)
}

func TestParseStepID(t *testing.T) {
	j, s, err := ParseStepID("1234.5")
	require.NoError(t, err)
	require.Equal(t, uint64(1234), j)
	require.Equal(t, uint64(5), s)
	for _, bad := range []string{"1234", "a.b", "1.", ".2"} {
		_, _, err := ParseStepID(bad)
		require.Error(t, err, bad)
	}
}

func TestSlurmLaunchHeldReleaseTwice(t *testing.T) {
	f := newSlurmFixture(t, map[string]string{EnvSrunAppendArgs: "--exclusive"})
	ctx := context.Background()

	job, err := f.cap.Launch(ctx, LaunchRequest{Argv: []string{"-n4", "./a.out"}, InputFile: "/dev/null", HoldAtBarrier: true})
	require.NoError(t, err)
	require.Equal(t, "1234.0", job.ID())
	require.True(t, job.Held())
	require.Equal(t, []bool{true}, f.dbg.holds)
	require.Equal(t, []string{"/usr/bin/srun", "--input=/dev/null", "--exclusive", "-n4", "./a.out"}, f.dbg.specs[0].Argv)
	require.Nil(t, f.dbg.specs[0].Stdin)

	rel, _, _ := f.l.counts()
	require.Zero(t, rel)
	require.NoError(t, f.cap.Release(ctx, job))
	require.NoError(t, f.cap.Release(ctx, job))
	rel, _, _ = f.l.counts()
	require.Equal(t, 1, rel)
	require.False(t, job.Held())
}

func TestSlurmLaunchWithoutHoldReleasesImmediately(t *testing.T) {
	f := newSlurmFixture(t, nil)
	job, err := f.cap.Launch(context.Background(), LaunchRequest{Argv: []string{"./a.out"}})
	require.NoError(t, err)
	rel, _, _ := f.l.counts()
	require.Equal(t, 1, rel)
	require.NoError(t, f.cap.Release(context.Background(), job))
	rel, _, _ = f.l.counts()
	require.Equal(t, 1, rel)
}

func TestSlurmAttachMatchesAllocation(t *testing.T) {
	f := newSlurmFixture(t, nil)
	ctx := context.Background()

	job, err := f.cap.Attach(ctx, "1234.0")
	require.NoError(t, err)
	tab, err := f.cap.ProcTable(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 4, tab.Len())
	require.Equal(t, []string{"nid00010", "nid00011"}, tab.Hosts())
	require.Equal(t, []string{"/usr/bin/sattach", "-Q", "1234.0"}, f.dbg.specs[0].Argv)
	require.Equal(t, []string{"sattach", "--layout", "-Q", "1234.0"}, f.runner.called("sattach --layout"))

	again, err := f.cap.Attach(ctx, "1234.0")
	require.NoError(t, err)
	require.Same(t, job, again)
	require.Len(t, f.dbg.specs, 1)
}

func TestSlurmAttachRejectsTableOutsideAllocation(t *testing.T) {
	f := newSlurmFixture(t, nil)
	f.l.table = mustTable(t,
		proctable.Entry{Rank: 0, Host: "nid00010", PID: 1},
		proctable.Entry{Rank: 1, Host: "nid00099", PID: 2},
		proctable.Entry{Rank: 2, Host: "nid00011", PID: 3},
		proctable.Entry{Rank: 3, Host: "nid00011", PID: 4},
	)
	_, err := f.cap.Attach(context.Background(), "1234.0")
	require.ErrorIs(t, err, &mpir.AttachError{Kind: mpir.CorruptProcTable})
	_, _, killed := f.l.counts()
	require.Equal(t, 1, killed)

	f.l.table = mustTable(t, proctable.Entry{Rank: 0, Host: "nid00010", PID: 1})
	_, err = f.cap.Attach(context.Background(), "1234.0")
	require.ErrorIs(t, err, &mpir.AttachError{Kind: mpir.CorruptProcTable})
}

func TestSlurmAttachLauncher(t *testing.T) {
	f := newSlurmFixture(t, nil)
	f.l.strs[mpir.SymTotalviewJobID] = "77"
	f.l.strs[mpir.SymTotalviewStep] = "3"
	job, err := f.cap.AttachLauncher(context.Background(), 999)
	require.NoError(t, err)
	require.Equal(t, "77.3", job.ID())
	require.Equal(t, []int{999}, f.dbg.attached)
}

func TestSlurmShipSpawnKill(t *testing.T) {
	f := newSlurmFixture(t, nil)
	ctx := context.Background()
	job, err := f.cap.Attach(ctx, "1234.0")
	require.NoError(t, err)

	require.NoError(t, f.cap.Ship(ctx, job, "/cfg/cti_daemonAbC123.tar.gz"))
	require.Equal(t,
		[]string{"sbcast", "-C", "-j", "1234", "/cfg/cti_daemonAbC123.tar.gz", "--force", "/tmp/cti_daemonAbC123.tar.gz"},
		f.runner.called("sbcast"))

	p, err := f.cap.SpawnDaemon(ctx, job, []string{"/tmp/hpcattach-daemon", "-a", "1234.0"}, []string{"FOO=bar"})
	require.NoError(t, err)
	require.NotNil(t, p)
	spec := f.runner.started[0]
	require.Equal(t, "/usr/bin/srun", spec.Path)
	args := strings.Join(spec.Args, " ")
	require.True(t, strings.HasPrefix(args, "--jobid=1234 --nodes=2 --gres=none"), args)
	require.Contains(t, args, "--nodelist=nid00010,nid00011 /tmp/hpcattach-daemon -a 1234.0")
	require.Contains(t, spec.Env, "SLURM_NTASKS=")
	require.Contains(t, spec.Env, "FOO=bar")

	f.runner.fail = map[string]error{"scancel -Q": &ExitError{Argv: []string{"scancel"}, Code: 1}}
	require.NoError(t, f.cap.Kill(ctx, job, syscall.SIGTERM))
	require.Equal(t, []string{"scancel", "-Q", "-s", "15", "1234.0"}, f.runner.called("scancel"))
}

func TestSlurmCloseKillsHeldLaunchers(t *testing.T) {
	f := newSlurmFixture(t, nil)
	_, err := f.cap.Launch(context.Background(), LaunchRequest{Argv: []string{"./a.out"}, HoldAtBarrier: true})
	require.NoError(t, err)
	require.NoError(t, f.cap.Close())
	_, _, killed := f.l.counts()
	require.Equal(t, 1, killed)
}
