package pipeline

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Sampler keeps a deterministic fraction of rows. A row's fate depends only
// on its ordinal and the seed, so two runs with the same seed over the same
// source keep the same rows.
type Sampler struct {
	// Rate is the kept fraction: 0 keeps nothing, 1 keeps everything.
	Rate float64
	Seed uint64
}

// Keep reports whether the row at ordinal survives sampling.
func (s Sampler) Keep(ordinal int64) bool {
	switch {
	case s.Rate <= 0:
		return false
	case s.Rate >= 1:
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(ordinal))
	h := xxh3.HashSeed(buf[:], s.Seed)
	return float64(h>>11)/(1<<53) < s.Rate
}
