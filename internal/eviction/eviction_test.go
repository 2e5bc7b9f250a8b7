package eviction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeFront struct {
	clocks []int64
	freed  []uint64
}

func (f *fakeFront) PeekClock() (int64, bool) {
	if len(f.clocks) == 0 {
		return 0, false
	}
	return f.clocks[0], true
}

func (f *fakeFront) EvictOldest() (uint64, bool) {
	if len(f.clocks) == 0 {
		return 0, false
	}
	f.clocks = f.clocks[1:]
	n := f.freed[0]
	f.freed = f.freed[1:]
	return n, true
}

func TestFreeSpacePicksGloballyOldest(t *testing.T) {
	history := &fakeFront{clocks: []int64{10, 20}, freed: []uint64{5, 5}}
	discovery := &fakeFront{clocks: []int64{5}, freed: []uint64{5}}
	autoreg := &fakeFront{}

	freed, evicted, ok := FreeSpace(5, history, discovery, autoreg)
	assert.True(t, ok, "expected eviction to meet target")
	assert.Equal(t, uint64(5), freed)
	// discovery's clock 5 is globally oldest, so it must be the one evicted.
	assert.Empty(t, discovery.clocks, "expected discovery's front to be evicted first")
	assert.Len(t, history.clocks, 2, "history's front must be untouched")
	assert.Equal(t, []int{0, 1, 0}, evicted, "only discovery's slot should count an eviction")
}

func TestFreeSpaceTieBreaksByArgumentOrder(t *testing.T) {
	history := &fakeFront{clocks: []int64{7}, freed: []uint64{3}}
	discovery := &fakeFront{clocks: []int64{7}, freed: []uint64{3}}

	_, evicted, _ := FreeSpace(3, history, discovery)

	assert.Empty(t, history.clocks, "expected history to win the tie and be evicted")
	assert.Len(t, discovery.clocks, 1, "expected discovery to be left untouched on a tie")
	assert.Equal(t, []int{1, 0}, evicted)
}

func TestFreeSpaceStopsWhenAllEmpty(t *testing.T) {
	history := &fakeFront{}
	discovery := &fakeFront{}

	freed, evicted, ok := FreeSpace(100, history, discovery)
	assert.False(t, ok, "expected ok=false when nothing can be evicted")
	assert.Zero(t, freed)
	assert.Equal(t, []int{0, 0}, evicted)
}

func TestFreeSpaceAccumulatesAcrossMultipleEvictions(t *testing.T) {
	history := &fakeFront{clocks: []int64{1, 2, 3}, freed: []uint64{10, 10, 10}}

	freed, evicted, ok := FreeSpace(25, history)
	assert.True(t, ok, "expected target to be met")
	assert.Equal(t, uint64(30), freed, "evicts until target is met or exceeded")
	assert.Equal(t, []int{3}, evicted, "all three records from the single store should be counted")
}
