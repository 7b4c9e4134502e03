package utils

import (
	"sync"
	"time"
)

// Chunk and flow-control limits for the data channel.
const (
	MinChunkSize     = 4 * 1024
	DefaultChunkSize = 16 * 1024
	// MaxChunkSize leaves room for the frame header under the 64 KiB SCTP
	// message limit.
	MaxChunkSize = 60 * 1024

	HighWaterMark = 2 * 1024 * 1024
	LowWaterMark  = 512 * 1024

	SendTimeout  = 60 * time.Second
	DrainTimeout = 30 * time.Second
)

// speed bands in bytes per second and the chunk size used inside each
var speedBands = []struct {
	below float64
	chunk int
}{
	{50 * 1024, MinChunkSize},
	{200 * 1024, 8 * 1024},
	{500 * 1024, 16 * 1024},
	{1024 * 1024, 32 * 1024},
}

// ChunkSizeController adapts the chunk size to the measured throughput.
type ChunkSizeController struct {
	mu        sync.Mutex
	size      int
	fixed     bool
	window    int64
	since     time.Time
	speed     float64
	now       func() time.Time
	minWindow time.Duration
}

// NewChunkSizeController starts at DefaultChunkSize.
func NewChunkSizeController() *ChunkSizeController {
	return &ChunkSizeController{
		size:      DefaultChunkSize,
		since:     time.Now(),
		now:       time.Now,
		minWindow: 500 * time.Millisecond,
	}
}

// NewFixedChunkSizeController always reports size, clamped to the limits.
func NewFixedChunkSizeController(size int) *ChunkSizeController {
	c := NewChunkSizeController()
	c.size = max(1, min(MaxChunkSize, size))
	c.fixed = true
	return c
}

// ChunkSize returns the size to read next.
func (c *ChunkSizeController) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Speed returns the smoothed throughput in bytes per second.
func (c *ChunkSizeController) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Record accounts n bytes as sent and re-evaluates the chunk size every
// half second or every ten chunks, whichever comes first.
func (c *ChunkSizeController) Record(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window += n
	elapsed := c.now().Sub(c.since)
	if elapsed < c.minWindow && c.window < int64(c.size*10) {
		return
	}
	if elapsed <= 0 {
		return
	}

	current := float64(c.window) / elapsed.Seconds()
	if c.speed > 0 {
		c.speed = c.speed*0.7 + current*0.3
	} else {
		c.speed = current
	}
	c.window = 0
	c.since = c.now()

	if c.fixed {
		return
	}
	target := targetChunkSize(c.speed)
	// move a quarter of the way to avoid oscillating between bands
	step := (target - c.size) / 4
	if step == 0 {
		step = target - c.size
	}
	c.size = max(MinChunkSize, min(MaxChunkSize, c.size+step))
}

func targetChunkSize(speed float64) int {
	for _, band := range speedBands {
		if speed < band.below {
			return band.chunk
		}
	}
	return MaxChunkSize
}
