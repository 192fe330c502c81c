// Package frontier implements the breadth-first traversal queue for one
// crawl: a FIFO of discovered-but-unprocessed URLs plus the visited set that
// bounds breadth.
package frontier

import (
	"sync"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Entry is one queued unit of traversal work. Depth is recorded at first
// discovery and never revised, even if a shorter path to the same URL is
// found later.
type Entry struct {
	URL       string
	Depth     int
	ParentURL string
}

// Frontier is a FIFO queue with a visited set keyed by normalized URL. The
// visited mark is taken atomically with the enqueue decision so concurrent
// producers can never double-admit one URL.
type Frontier struct {
	mu       sync.Mutex
	queue    []Entry
	visited  map[string]struct{}
	maxDepth int
	dequeued int64
}

// New creates a Frontier. maxDepth bounds the hop count from the start URL;
// crawl.UnboundedDepth disables the bound.
func New(maxDepth int) *Frontier {
	return &Frontier{
		visited:  make(map[string]struct{}),
		maxDepth: maxDepth,
	}
}

// Enqueue admits a URL at the given depth. It returns false when the URL
// fails to normalize, exceeds the depth bound, or was already visited; true
// means the entry was newly queued and the caller may count it as found.
func (f *Frontier) Enqueue(rawURL string, depth int, parentURL string) bool {
	if f.maxDepth != crawl.UnboundedDepth && depth > f.maxDepth {
		return false
	}
	key, err := crawl.NormalizeURL(rawURL)
	if err != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	f.queue = append(f.queue, Entry{URL: key, Depth: depth, ParentURL: parentURL})
	return true
}

// Dequeue pops the oldest entry. The second return value is false when the
// queue is empty.
func (f *Frontier) Dequeue() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Entry{}, false
	}
	e := f.queue[0]
	f.queue = f.queue[1:]
	f.dequeued++
	return e, true
}

// IsEmpty reports whether no entries are queued.
func (f *Frontier) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Dequeued returns how many entries have ever been popped; terminal jobs
// must report exactly this many processed URLs.
func (f *Frontier) Dequeued() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dequeued
}
