package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/gotostar/internal/mount"
)

func readSession(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "gotostar_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecordWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 1000}, nil)

	base := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	l.Record(mount.Status{
		Time:           base,
		Connected:      true,
		RightAscension: 10.5,
		Declination:    -20.25,
		SideOfPier:     mount.PierEast,
		Guiding:        true,
	})
	// inside the interval, dropped
	l.Record(mount.Status{Time: base.Add(500 * time.Millisecond), Connected: true})
	l.Record(mount.Status{Time: base.Add(time.Second)})
	l.Close()

	rows := readSession(t, dir)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])

	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "10.500000", rows[1][2])
	assert.Equal(t, "-20.25000", rows[1][3])
	assert.Equal(t, "east", rows[1][6])
	assert.Equal(t, "1", rows[1][9])

	assert.Equal(t, "0", rows[2][1])
	assert.Empty(t, rows[2][2], "disconnected rows carry no position")
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, nil)
	assert.False(t, l.IsEnabled())

	l.Record(mount.Status{Connected: true})
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	assert.Empty(t, files)

	l.SetEnabled(true)
	assert.True(t, l.IsEnabled())
	l.Record(mount.Status{Connected: true})
	l.SetEnabled(false)
	assert.Len(t, readSession(t, dir), 2)
}
