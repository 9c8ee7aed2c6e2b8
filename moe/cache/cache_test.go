package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymind/polymind/moe"
)

func testConfig() moe.Config {
	cfg := moe.DefaultConfig()
	cfg.CacheTTL = time.Minute
	cfg.CacheMaxEntries = 4
	return cfg
}

func resp(text string) *moe.FinalResponse {
	return &moe.FinalResponse{Text: text}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello   World!!", "hello world"},
		{"  Show Me  PIZZA  ", "show me pizza"},
		{"what's up?", "what's up"},
		{"done.", "done"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "in=%q", tt.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, s := range []string{"Hello,  World!", "ok", "A  B  C..."} {
		assert.Equal(t, Normalize(s), Normalize(Normalize(s)))
	}
}

func TestFingerprintStability(t *testing.T) {
	q1 := moe.Query{Text: "Show me  Pizza!"}
	q2 := moe.Query{Text: "show me pizza"}
	assert.Equal(t, Fingerprint(q1, nil), Fingerprint(q2, nil))

	// Session context participates in the key.
	withSession := moe.Query{Text: "show me pizza", Context: map[string]any{"session_id": "s1"}}
	otherSession := moe.Query{Text: "show me pizza", Context: map[string]any{"session_id": "s2"}}
	keys := []string{"session_id"}
	assert.NotEqual(t, Fingerprint(withSession, keys), Fingerprint(otherSession, keys))
	// Keys outside the configured subset are ignored.
	assert.Equal(t, Fingerprint(q2, keys), Fingerprint(moe.Query{Text: "show me pizza", Context: map[string]any{"other": "x"}}, keys))
}

func TestGetPutAndTTL(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = 30 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)

	c.Put("fp", resp("hello"))
	got, ok := c.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("fp")
	assert.False(t, ok, "entry must expire after its TTL")
}

func TestLRUEviction(t *testing.T) {
	cfg := testConfig()
	cfg.CacheMaxEntries = 2
	c, err := New(cfg)
	require.NoError(t, err)

	c.Put("a", resp("a"))
	c.Put("b", resp("b"))
	c.Get("a") // refresh a; b becomes the eviction candidate
	c.Put("c", resp("c"))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestDisabledCache(t *testing.T) {
	cfg := testConfig()
	cfg.CacheEnabled = false
	c, err := New(cfg)
	require.NoError(t, err)

	c.Put("fp", resp("x"))
	_, ok := c.Get("fp")
	assert.False(t, ok)

	release, err := c.AcquireBuildSlot(context.Background(), "fp")
	require.NoError(t, err)
	release()
}

func TestSingleFlightOneBuilder(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	const waiters = 8
	var builds atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.AcquireBuildSlot(context.Background(), "fp")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			if _, ok := c.Get("fp"); ok {
				return // coalesced: the response was built by someone else
			}
			builds.Add(1)
			time.Sleep(20 * time.Millisecond) // simulated pipeline
			c.Put("fp", resp("built"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load(), "exactly one waiter may build")
}

func TestSingleFlightWaiterCancellation(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	release, err := c.AcquireBuildSlot(context.Background(), "fp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.AcquireBuildSlot(ctx, "fp")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The holder is unaffected and other waiters still get through.
	done := make(chan struct{})
	go func() {
		r2, err := c.AcquireBuildSlot(context.Background(), "fp")
		assert.NoError(t, err)
		r2()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestStats(t *testing.T) {
	c, err := New(testConfig())
	require.NoError(t, err)

	c.Get("missing")
	c.Put("fp", resp("x"))
	c.Get("fp")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Entries)
}

func TestPersistenceWarmsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	cfg := testConfig()
	cfg.CachePersistPath = path

	c1, err := New(cfg)
	require.NoError(t, err)
	c1.Put("fp", resp("persisted"))
	require.NoError(t, c1.Close())

	c2, err := New(cfg)
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.Get("fp")
	require.True(t, ok, "restart must find the persisted entry")
	assert.Equal(t, "persisted", got.Text)
}
