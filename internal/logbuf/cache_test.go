package logbuf_test

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/planrun/internal/logbuf"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	now atomic.Int64
}

func newClock() *clock {
	c := &clock{}
	c.now.Store(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *clock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

func (c *clock) Add(d time.Duration) {
	c.now.Add(int64(d))
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	clk := newClock()
	cache := logbuf.New(5*time.Minute, logbuf.WithClock(clk.Now))

	const n = 42
	for i := range n {
		cache.Append("k", "line "+strconv.Itoa(i))
	}

	lines, completed, err := cache.Read("k", 0)
	require.NoError(t, err)
	require.Len(t, lines, n)
	require.False(t, completed)

	require.NoError(t, cache.MarkCompleted("k"))
	lines, completed, err = cache.Read("k", 0)
	require.NoError(t, err)
	require.Len(t, lines, n)
	require.True(t, completed)

	t.Run("kept within retention", func(t *testing.T) {
		clk.Add(4 * time.Minute)
		cache.Append("other", "x")
		require.NoError(t, cache.MarkCompleted("other"))
		_, _, err := cache.Read("k", 0)
		require.NoError(t, err)
	})

	t.Run("evicted after retention", func(t *testing.T) {
		clk.Add(2 * time.Minute)
		cache.Append("another", "x")
		require.NoError(t, cache.MarkCompleted("another"))
		_, _, err := cache.Read("k", 0)
		require.ErrorIs(t, err, logbuf.ErrNotFound)
		// "other" completed 2 minutes ago, still there
		_, _, err = cache.Read("other", 0)
		require.NoError(t, err)
		require.Equal(t, 2, cache.Len())
	})
}

func TestSweepKeepsRunning(t *testing.T) {
	t.Parallel()
	clk := newClock()
	cache := logbuf.New(time.Minute, logbuf.WithClock(clk.Now))

	cache.Append("running", "x")
	clk.Add(time.Hour)
	require.Equal(t, 0, cache.Sweep())

	_, completed, err := cache.Read("running", 0)
	require.NoError(t, err)
	require.False(t, completed)
}

func TestRead(t *testing.T) {
	t.Parallel()
	cache := logbuf.New(0)
	require.Equal(t, logbuf.DefaultRetention, cache.Retention())

	for _, l := range []string{"a", "b", "c"} {
		cache.Append("k", l)
	}

	type then struct {
		lines []string
		err   error
	}
	var testCases = []struct {
		scenario string
		key      string
		from     int
		then     then
	}{
		{"from start", "k", 0, then{[]string{"a", "b", "c"}, nil}},
		{"from middle", "k", 2, then{[]string{"c"}, nil}},
		{"at end", "k", 3, then{[]string{}, nil}},
		{"past end", "k", 4, then{[]string{}, logbuf.ErrOutOfRange}},
		{"negative", "k", -1, then{[]string{}, logbuf.ErrOutOfRange}},
		{"unknown key", "nope", 0, then{[]string{}, logbuf.ErrNotFound}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			lines, _, err := cache.Read(tc.key, tc.from)
			if tc.then.err != nil {
				require.ErrorIs(t, err, tc.then.err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.then.lines, lines)
		})
	}
}

func TestTouchAndDone(t *testing.T) {
	t.Parallel()
	cache := logbuf.New(time.Minute)

	_, err := cache.Done("k")
	require.ErrorIs(t, err, logbuf.ErrNotFound)
	require.ErrorIs(t, cache.MarkCompleted("k"), logbuf.ErrNotFound)

	cache.Touch("k")
	lines, completed, err := cache.Read("k", 0)
	require.NoError(t, err)
	require.Empty(t, lines)
	require.False(t, completed)

	done, err := cache.Done("k")
	require.NoError(t, err)
	select {
	case <-done:
		t.Fatal("done before completion")
	default:
	}

	require.NoError(t, cache.MarkCompleted("k"))
	require.NoError(t, cache.MarkCompleted("k"))
	<-done

	ok, err := cache.Completed("k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()
	cache := logbuf.New(time.Minute)
	const n = 2000

	cache.Touch("k")
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range n {
			cache.Append("k", strconv.Itoa(i))
		}
		if err := cache.MarkCompleted("k"); err != nil {
			t.Errorf("mark completed: %v", err)
		}
	})

	// an unrelated writer must not disturb the readers of k
	wg.Go(func() {
		for i := range n {
			cache.Append("noise", strconv.Itoa(i))
		}
	})

	for range 4 {
		wg.Go(func() {
			for {
				lines, completed, err := cache.Read("k", 0)
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				for i, l := range lines {
					if l != strconv.Itoa(i) {
						t.Errorf("line %d: got %q", i, l)
						return
					}
				}
				if completed {
					if len(lines) != n {
						t.Errorf("completed with %d lines", len(lines))
					}
					return
				}
			}
		})
	}
	wg.Wait()
}

func TestIncrementalRead(t *testing.T) {
	t.Parallel()
	cache := logbuf.New(time.Minute)

	var got []string
	from := 0
	for i := range 10 {
		cache.Append("k", strconv.Itoa(i))
		lines, _, err := cache.Read("k", from)
		require.NoError(t, err)
		got = append(got, lines...)
		from += len(lines)
	}
	require.Len(t, got, 10)
	require.Equal(t, 10, from)
}
