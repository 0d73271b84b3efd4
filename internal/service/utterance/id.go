package utterance

import (
	"fmt"
	"sync/atomic"
)

// IDGenerator hands out utterance ids of the form "<callID>-utt-<n>".
// One generator is used per call so numbering starts at 1 for every call.
type IDGenerator struct {
	counter uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

func (g *IDGenerator) Next(callID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-utt-%d", callID, n)
}

// Count returns how many ids have been issued.
func (g *IDGenerator) Count() uint64 {
	return atomic.LoadUint64(&g.counter)
}
