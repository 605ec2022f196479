package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique job identifiers. Implementations must be
// safe for concurrent use; the engine never shares mutable id state beyond
// the generator instance injected at construction.
type IDGenerator interface {
	NextID() string
}

// TimeSuffixGenerator generates ids of the form <unix_millis><letter>,
// incrementing the letter when the timestamp collides with the previous
// id. When the suffix wraps past 'z' the timestamp is advanced by one
// millisecond so ids stay distinct even under heavy bursts.
type TimeSuffixGenerator struct {
	mu     sync.Mutex
	last   int64
	suffix byte

	// now is swappable for tests.
	now func() time.Time
}

func NewTimeSuffixGenerator() *TimeSuffixGenerator {
	return &TimeSuffixGenerator{suffix: 'a' - 1, now: time.Now}
}

func (g *TimeSuffixGenerator) NextID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.last {
		ms = g.last
	}
	if ms == g.last {
		g.suffix++
		if g.suffix > 'z' {
			g.suffix = 'a'
			g.last++
			ms = g.last
		}
	} else {
		g.last = ms
		g.suffix = 'a'
	}
	return fmt.Sprintf("%d%c", g.last, g.suffix)
}

// UUIDGenerator generates random UUID ids.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() string { return uuid.NewString() }
