package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/fsutil"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

const testPath = "/home/u/.config/ciadpi/history/test_history.json"

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func newMemStore(t *testing.T, opts ...Option) (*Store, *fsutil.MemoryFileSystem, *timeutil.MockClock) {
	t.Helper()
	quiet(t)
	mfs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	opts = append([]Option{WithFileSystem(mfs), WithClock(clock)}, opts...)
	return Open(testPath, opts...), mfs, clock
}

func rec(params string, ok bool, latency time.Duration) Record {
	return Record{Candidate: candidate.Parse(params), Success: ok, Latency: latency}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, _, _ := newMemStore(t)
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Snapshot().LastTested)
}

func TestOpenMalformedFileIsEmpty(t *testing.T) {
	quiet(t)
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile(testPath, []byte("{not json"), 0o644))

	s := Open(testPath, WithFileSystem(mfs))
	assert.Equal(t, 0, s.Len())
}

func TestAppendNewestFirstAndPersisted(t *testing.T) {
	s, mfs, clock := newMemStore(t)

	require.NoError(t, s.Append(rec("-o1 -T 3", false, 0)))
	clock.Advance(time.Minute)
	require.NoError(t, s.Append(rec("-o2 -T 2", true, 1500*time.Millisecond)))

	recent := s.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "-o2 -T 2", recent[0].Candidate.Key())
	assert.Equal(t, "-o1 -T 3", recent[1].Candidate.Key())
	assert.Equal(t, clock.Now(), recent[0].Timestamp)

	last := s.Snapshot().LastTested
	require.NotNil(t, last)
	assert.Equal(t, clock.Now(), *last)

	// Reopen from the same filesystem.
	reopened := Open(testPath, WithFileSystem(mfs))
	got := reopened.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, "-o2 -T 2", got[0].Candidate.Key())
	assert.True(t, got[0].Success)
	assert.Equal(t, 1500*time.Millisecond, got[0].Latency)
	assert.True(t, got[0].Timestamp.Equal(clock.Now()))
}

func TestAppendCapsAtCapacity(t *testing.T) {
	s, _, _ := newMemStore(t)
	for i := 0; i < 105; i++ {
		require.NoError(t, s.Append(rec(fmt.Sprintf("-o%d", i), false, 0)))
		assert.LessOrEqual(t, s.Len(), DefaultCapacity)
	}
	recent := s.Recent(0)
	require.Len(t, recent, 100)
	assert.Equal(t, "-o104", recent[0].Candidate.Key())
	assert.Equal(t, "-o5", recent[99].Candidate.Key())
}

func TestWithCapacity(t *testing.T) {
	s, _, _ := newMemStore(t, WithCapacity(3))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(rec(fmt.Sprintf("-o%d", i), false, 0)))
	}
	assert.Equal(t, 3, s.Len())
}

func TestRecentLimit(t *testing.T) {
	s, _, _ := newMemStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(rec(fmt.Sprintf("-o%d", i), false, 0)))
	}
	assert.Len(t, s.Recent(2), 2)
	assert.Len(t, s.Recent(10), 4)
	assert.Len(t, s.Recent(-1), 4)

	// Returned slices are copies.
	r := s.Recent(1)
	r[0].Notes = "changed"
	assert.Empty(t, s.Recent(1)[0].Notes)
}

func TestClearIsIdempotent(t *testing.T) {
	s, mfs, _ := newMemStore(t)
	require.NoError(t, s.Append(rec("-o1", true, time.Second)))

	require.NoError(t, s.Clear())
	first, err := mfs.ReadFile(testPath)
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	second, err := mfs.ReadFile(testPath)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Snapshot().LastTested)
	assert.JSONEq(t, string(first), string(second))
	assert.JSONEq(t, `{"tests": [], "last_tested": null}`, string(second))
}

func TestPersistFailureKeepsRecordInMemory(t *testing.T) {
	s, mfs, _ := newMemStore(t)
	injected := errors.New("read-only filesystem")
	mfs.SetWriteErr(injected)

	err := s.Append(rec("-o1", true, time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, injected)
	assert.Equal(t, 1, s.Len())
}

func TestReadsTrayWrittenFile(t *testing.T) {
	quiet(t)
	mfs := fsutil.NewMemoryFileSystem()
	content := `{
  "tests": [
    {"params": "-o1 -o25+s -T3 -At o--tlsrec 1+s", "timestamp": "2024-05-01T12:30:00.123456",
     "success": true, "speed": 0.84, "notes": "ok"},
    {"params": "-o2 -o15+s -T2", "timestamp": "2024-05-01T12:29:00",
     "success": false, "speed": 0, "notes": "fail"}
  ],
  "last_tested": "2024-05-01T12:30:01.000001"
}`
	require.NoError(t, mfs.WriteFile(testPath, []byte(content), 0o644))

	s := Open(testPath, WithFileSystem(mfs))
	recs := s.Recent(0)
	require.Len(t, recs, 2)
	assert.Equal(t, "-o1 -o25+s -T3 -At o--tlsrec 1+s", recs[0].Candidate.Key())
	assert.Equal(t, 840*time.Millisecond, recs[0].Latency)

	want := time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.Local)
	assert.True(t, recs[0].Timestamp.Equal(want), "got %v", recs[0].Timestamp)
	require.NotNil(t, s.Snapshot().LastTested)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2025-01-02T03:04:05Z", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"2025-01-02T03:04:05.5+02:00", time.Date(2025, 1, 2, 1, 4, 5, 500000000, time.UTC), false},
		{"2025-01-02T03:04:05", time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local), false},
		{"2025-01-02 03:04:05.25", time.Date(2025, 1, 2, 3, 4, 5, 250000000, time.Local), false},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestRecordJSONFieldNames(t *testing.T) {
	r := Record{
		Candidate: candidate.Parse("-o1 -T 3"),
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Success:   true,
		Latency:   2500 * time.Millisecond,
		Notes:     "n",
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"params":"-o1 -T 3","timestamp":"2025-01-01T00:00:00Z","success":true,"speed":2.5,"notes":"n"}`, string(data))
}

func TestOSFileSystemStore(t *testing.T) {
	quiet(t)
	path := filepath.Join(t.TempDir(), "history", "test_history.json")
	s := Open(path)
	require.NoError(t, s.Append(rec("-o3", true, time.Second)))

	again := Open(path)
	require.Equal(t, 1, again.Len())
	assert.Equal(t, "-o3", again.Recent(1)[0].Candidate.Key())
}
