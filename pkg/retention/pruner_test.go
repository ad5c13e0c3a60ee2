package retention

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:   filepath.Join(t.TempDir(), "stats.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPruner_RetentionWindows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Unix(1720000800, 0)
	day := int64(86400)

	for _, age := range []int64{8 * day, 6 * day, 60} {
		require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{Timestamp: now.Unix() - age - now.Unix()%60, SampleCount: 60}))
	}
	for _, age := range []int64{91 * day, 89 * day} {
		ts := now.Unix() - age - now.Unix()%3600
		require.NoError(t, store.UpsertHour(ctx, storage.HourRow{Timestamp: ts, SampleCount: 60}))
		require.NoError(t, store.MergeProcessHours(ctx, []storage.ProcessHourRow{{Timestamp: ts, Name: "code", SampleCount: 1, ActiveSeconds: 1}}))
	}
	require.NoError(t, store.UpsertDay(ctx, storage.DayRow{Date: "2020-01-01", Timestamp: 1577836800, SampleCount: 1}))

	p := New(store, Config{}, zerolog.Nop())
	rep, err := p.Run(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), rep.Deleted[storage.TierMinute])
	assert.Equal(t, int64(1), rep.Deleted[storage.TierHour])
	assert.Equal(t, int64(1), rep.Deleted[storage.TierProcessHour])

	lo, _, ok, err := store.TimestampBounds(ctx, storage.TierMinute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, lo, now.Unix()-7*day)

	lo, _, ok, err = store.TimestampBounds(ctx, storage.TierHour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, lo, now.Unix()-90*day)

	// Day rows are kept forever
	days, err := store.DayRange(ctx, 0, now.Unix())
	require.NoError(t, err)
	assert.Len(t, days, 1)

	require.NotNil(t, p.LastReport())
}

func TestPruner_MaybeRunIsGated(t *testing.T) {
	store := newStore(t)
	p := New(store, Config{Interval: time.Hour}, zerolog.Nop())
	ctx := context.Background()
	now := time.Unix(1720000800, 0)

	_, ran, err := p.MaybeRun(ctx, now)
	require.NoError(t, err)
	assert.True(t, ran)

	_, ran, err = p.MaybeRun(ctx, now.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, ran)

	_, ran, err = p.MaybeRun(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPruner_StoreNotReady(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())

	p := New(store, Config{}, zerolog.Nop())
	_, err := p.Run(context.Background(), time.Unix(1720000800, 0))
	assert.ErrorIs(t, err, storage.ErrNotReady)
}

func TestPruneRawLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw_usage.csv")
	content := "timestamp,cpu,ram,gpu\n" +
		"1000,10,20,0\n" +
		"1999.5,11,21,0\n" +
		"2000,12,22,0\n" +
		"garbage,1,1,1\n" +
		"2500.25,13,23,0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))

	res, err := PruneRawLog(path, 2000)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, 3, res.Dropped)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,cpu,ram,gpu\n2000,12,22,0\n2500.25,13,23,0\n", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPruneRawLog_Missing(t *testing.T) {
	res, err := PruneRawLog(filepath.Join(t.TempDir(), "nope.csv"), 0)
	require.NoError(t, err)
	assert.Equal(t, RawLogResult{}, res)
}

func TestPruner_RawLogThroughRun(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(t.TempDir(), "raw_usage.csv")
	now := time.Unix(1720000800, 0)
	old := now.Add(-25 * time.Hour).Unix()
	fresh := now.Add(-time.Hour).Unix()
	require.NoError(t, os.WriteFile(path, []byte(
		"ts,cpu\n"+
			strconv.FormatInt(old, 10)+",1\n"+
			strconv.FormatInt(fresh, 10)+",2\n"), 0o644))

	p := New(store, Config{RawLogPath: path}, zerolog.Nop())
	rep, err := p.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RawLog.Kept)
	assert.Equal(t, 1, rep.RawLog.Dropped)
}
