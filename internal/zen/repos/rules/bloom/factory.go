package bloom

import (
	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/anassk/zenflowd/internal/zen/repos/rules"
)

// factory implements rules.BloomFactory using the sizing formulas below.
type factory struct{}

// NewFactory returns a BloomFactory that sizes filters from rule capacity
// and a target false-positive rate.
func NewFactory() rules.BloomFactory { return factory{} }

func (factory) New(capacity uint64, fpRate float64) rules.BloomFilter {
	m, k := size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}
