package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestHelperWritersDerivedFromDir(t *testing.T) {
	dir := t.TempDir()
	f := FileConfig{Dir: dir}
	require.True(t, f.Enabled())
	out, errW, err := f.Writers("srun-3")
	require.NoError(t, err)
	_, _ = out.Write([]byte("step launched\n"))
	_, _ = errW.Write([]byte("srun: warning\n"))
	require.NoError(t, out.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "srun-3.stdout.log"))
	require.NoError(t, err)
	require.Equal(t, "step launched\n", string(b))
	require.FileExists(t, filepath.Join(dir, "srun-3.stderr.log"))
}

func TestExplicitPathBeatsDir(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "overwatch.err")
	f := FileConfig{Dir: filepath.Join(dir, "unused"), StderrPath: explicit}
	out, errW, err := f.Writers("overwatch")
	require.NoError(t, err)
	require.Equal(t, explicit, errW.(*lj.Logger).Filename)
	require.Equal(t, filepath.Join(dir, "unused", "overwatch.stdout.log"), out.(*lj.Logger).Filename)
}

func TestWritersAbsentWithoutDestination(t *testing.T) {
	var f FileConfig
	require.False(t, f.Enabled())
	out, errW, err := f.Writers("aprun")
	require.NoError(t, err)
	require.Nil(t, out)
	require.Nil(t, errW)

	f = FileConfig{StdoutPath: filepath.Join(t.TempDir(), "only.log")}
	out, errW, _ = f.Writers("aprun")
	require.NotNil(t, out)
	require.Nil(t, errW)
}

func TestRotationSettings(t *testing.T) {
	def := FileConfig{}.rotating("x.log")
	require.Equal(t, DefaultMaxSizeMB, def.MaxSize)
	require.Equal(t, DefaultMaxBackups, def.MaxBackups)
	require.Equal(t, DefaultMaxAgeDays, def.MaxAge)
	require.False(t, def.Compress)

	set := FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.rotating("x.log")
	require.Equal(t, 1, set.MaxSize)
	require.Equal(t, 9, set.MaxBackups)
	require.Equal(t, 11, set.MaxAge)
	require.True(t, set.Compress)
}
