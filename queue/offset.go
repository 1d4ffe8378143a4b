package queue

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Offsets encode publish time and a per-millisecond sequence so that
// lexicographic string order equals chronological order, even across
// process restarts. The millisecond part is base36, zero padded to a
// fixed width.
const (
	offsetTimeWidth = 10
	offsetSeqWidth  = 6
)

// FormatOffset renders an offset from a unix-millisecond timestamp and a
// sequence number.
func FormatOffset(millis int64, seq int) string {
	return fmt.Sprintf("%0*s-%0*d", offsetTimeWidth, strconv.FormatInt(millis, 36), offsetSeqWidth, seq)
}

// offsetGenerator issues strictly increasing offsets. It tolerates a
// wall clock stepping backwards by never going below the last issued
// millisecond.
type offsetGenerator struct {
	mu     sync.Mutex
	millis int64
	seq    int
}

func (g *offsetGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= g.millis {
		g.seq++
		return FormatOffset(g.millis, g.seq)
	}
	g.millis = now
	g.seq = 0
	return FormatOffset(now, 0)
}
