package frontier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitegraph/crawler/internal/crawl"
)

func TestEnqueueDedupesByNormalizedURL(t *testing.T) {
	t.Parallel()

	f := New(3)
	require.True(t, f.Enqueue("https://example.com/a", 0, ""))
	require.False(t, f.Enqueue("https://EXAMPLE.com/a", 1, "https://example.com"))
	require.False(t, f.Enqueue("https://example.com:443/a#frag", 2, "https://example.com"))
	require.Equal(t, 1, f.Len())
}

func TestEnqueueFirstDiscoveredDepthWins(t *testing.T) {
	t.Parallel()

	f := New(crawl.UnboundedDepth)
	require.True(t, f.Enqueue("https://example.com/deep", 4, "https://example.com/x"))
	// A shorter path found later does not revise the recorded depth.
	require.False(t, f.Enqueue("https://example.com/deep", 1, "https://example.com"))

	e, ok := f.Dequeue()
	require.True(t, ok)
	require.Equal(t, 4, e.Depth)
	require.Equal(t, "https://example.com/x", e.ParentURL)
}

func TestEnqueueRespectsDepthBound(t *testing.T) {
	t.Parallel()

	f := New(1)
	require.True(t, f.Enqueue("https://example.com", 0, ""))
	require.True(t, f.Enqueue("https://example.com/a", 1, "https://example.com"))
	require.False(t, f.Enqueue("https://example.com/b", 2, "https://example.com/a"))
	require.Equal(t, 2, f.Len())
}

func TestEnqueueUnboundedDepth(t *testing.T) {
	t.Parallel()

	f := New(crawl.UnboundedDepth)
	require.True(t, f.Enqueue("https://example.com/deep", 10_000, ""))
}

func TestEnqueueDropsUnparseableSilently(t *testing.T) {
	t.Parallel()

	f := New(2)
	require.False(t, f.Enqueue("mailto:x@example.com", 0, ""))
	require.False(t, f.Enqueue("not a url ::", 0, ""))
	require.True(t, f.IsEmpty())
}

func TestDequeueIsFIFO(t *testing.T) {
	t.Parallel()

	f := New(crawl.UnboundedDepth)
	f.Enqueue("https://example.com/1", 0, "")
	f.Enqueue("https://example.com/2", 1, "")
	f.Enqueue("https://example.com/3", 1, "")

	var got []string
	for {
		e, ok := f.Dequeue()
		if !ok {
			break
		}
		got = append(got, e.URL)
	}
	require.Equal(t, []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
	}, got)
	require.Equal(t, int64(3), f.Dequeued())
}

func TestConcurrentEnqueueAdmitsOnce(t *testing.T) {
	t.Parallel()

	f := New(crawl.UnboundedDepth)
	const workers = 32
	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Everybody races on the same 8 URLs.
			for j := 0; j < 8; j++ {
				if f.Enqueue(fmt.Sprintf("https://example.com/page-%d", j), 1, "https://example.com") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(8), admitted)
	require.Equal(t, 8, f.Len())
}
