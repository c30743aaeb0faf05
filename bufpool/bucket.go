package bufpool

import (
	"sync"
	"time"

	"github.com/edgecam/medialib/internal/errs"
)

// slot is one piece of backing storage inside a bucket: a DMA-FD (or CMA
// userptr) region of bucket.bufferSize bytes.
type slot struct {
	fd       int
	userPtr  uintptr
	index    uint32 // position this slot was allocated at, stable for its lifetime
}

// bucket holds every slot for one plane-kind (e.g. NV12's "y" or "uv", or a
// single-plane format's "mono"). |available|+|used| == capacity always
// holds once init() has run.
type bucket struct {
	mu         sync.Mutex
	cond       *sync.Cond
	key        string
	bufferSize uint32
	capacity   uint32
	available  []*slot
	used       map[*slot]struct{}
	allocFn    func(size uint32, memType MemType, index uint32) (fd int, userPtr uintptr, err error)
	freeFn     func(fd int, userPtr uintptr)
	memType    MemType
}

func newBucket(key string, bufferSize, capacity uint32, memType MemType, allocFn func(uint32, MemType, uint32) (int, uintptr, error), freeFn func(int, uintptr)) *bucket {
	b := &bucket{
		key:        key,
		bufferSize: bufferSize,
		capacity:   capacity,
		used:       make(map[*slot]struct{}, capacity),
		allocFn:    allocFn,
		freeFn:     freeFn,
		memType:    memType,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// init pre-allocates every slot for this bucket up front.
func (b *bucket) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint32(0); i < b.capacity; i++ {
		fd, uptr, err := b.allocFn(b.bufferSize, b.memType, i)
		if err != nil {
			// roll back everything allocated so far
			for _, s := range b.available {
				b.freeFn(s.fd, s.userPtr)
			}
			b.available = nil
			return errs.Wrap("bucket.init", errs.DMA, err)
		}
		b.available = append(b.available, &slot{fd: fd, userPtr: uptr, index: i})
	}
	return nil
}

// acquire takes the head of available into used. It never blocks.
func (b *bucket) acquire() (*slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.available) == 0 {
		return nil, errs.New("bucket.acquire", errs.BufferAllocation, "bucket \""+b.key+"\" exhausted")
	}
	s := b.available[0]
	b.available = b.available[1:]
	b.used[s] = struct{}{}
	return s, nil
}

// release returns a slot to the head of available.
func (b *bucket) release(s *slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.used[s]; !ok {
		// double release; ignore rather than corrupt the deque.
		return
	}
	delete(b.used, s)
	b.available = append([]*slot{s}, b.available...)
	b.cond.Broadcast()
}

func (b *bucket) usedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.used)
}

// waitForDrain blocks until used is empty or timeout elapses. It is woken
// promptly by release() via the bucket's condition variable, falling back to
// the deadline if no release ever arrives.
func (b *bucket) waitForDrain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.used) > 0 {
		if !time.Now().Before(deadline) {
			return errs.New("bucket.waitForDrain", errs.Pipeline, "timed out waiting for used buffers to drain")
		}
		b.cond.Wait()
	}
	return nil
}

// free deallocates every slot. If failIfUsed is true and used is non-empty,
// it returns an error without freeing anything; otherwise it reclaims used
// slots forcibly.
func (b *bucket) free(failIfUsed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failIfUsed && len(b.used) > 0 {
		return errs.New("bucket.free", errs.Pipeline, "bucket \""+b.key+"\" has in-use buffers")
	}
	for s := range b.used {
		b.freeFn(s.fd, s.userPtr)
	}
	for _, s := range b.available {
		b.freeFn(s.fd, s.userPtr)
	}
	b.used = make(map[*slot]struct{})
	b.available = nil
	return nil
}
