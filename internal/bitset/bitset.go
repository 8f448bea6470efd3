// Package bitset implements a fixed-length, word-packed boolean vector.
package bitset

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"strings"
)

var ErrIndexOutOfRange = errors.New("bitset: index out of range")

const wordBits = 64

// BitSet is a fixed-length boolean vector. The zero value is an empty set of
// length zero; use New or FromBools to size it.
type BitSet struct {
	count int
	words []uint64
}

func New(count int) *BitSet {
	if count < 0 {
		count = 0
	}
	return &BitSet{
		count: count,
		words: make([]uint64, (count+wordBits-1)/wordBits),
	}
}

func FromBools(values []bool) *BitSet {
	b := New(len(values))
	for i, v := range values {
		if v {
			b.words[i/wordBits] |= 1 << uint(i%wordBits)
		}
	}
	return b
}

func (b *BitSet) Len() int {
	return b.count
}

// Get returns the bit at i.
func (b *BitSet) Get(i int) (bool, error) {
	if i < 0 || i >= b.count {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, b.count)
	}
	return b.Test(i), nil
}

// Set writes the bit at i.
func (b *BitSet) Set(i int, value bool) error {
	if i < 0 || i >= b.count {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, b.count)
	}
	if value {
		b.words[i/wordBits] |= 1 << uint(i%wordBits)
	} else {
		b.words[i/wordBits] &^= 1 << uint(i%wordBits)
	}
	return nil
}

// Test is the unchecked read used by hot loops. It panics when i is out of
// range, like a slice index would.
func (b *BitSet) Test(i int) bool {
	if i < 0 || i >= b.count {
		panic(fmt.Sprintf("bitset: index %d out of range [0,%d)", i, b.count))
	}
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// All yields every (index, value) pair in index order. The sequence can be
// ranged over any number of times.
func (b *BitSet) All() iter.Seq2[int, bool] {
	return func(yield func(int, bool) bool) {
		for i := 0; i < b.count; i++ {
			if !yield(i, b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0) {
				return
			}
		}
	}
}

// Ones yields the indices of set bits in increasing order.
func (b *BitSet) Ones() iter.Seq[int] {
	return func(yield func(int) bool) {
		for w, word := range b.words {
			for word != 0 {
				tz := bits.TrailingZeros64(word)
				if !yield(w*wordBits + tz) {
					return
				}
				word &= word - 1
			}
		}
	}
}

func (b *BitSet) Bools() []bool {
	out := make([]bool, b.count)
	for i, v := range b.All() {
		out[i] = v
	}
	return out
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

func (b *BitSet) Equal(other *BitSet) bool {
	if other == nil || b.count != other.count {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

func (b *BitSet) Clone() *BitSet {
	return &BitSet{count: b.count, words: append([]uint64(nil), b.words...)}
}

// Key returns a comparable identity for the contents, suitable as a map key.
func (b *BitSet) Key() string {
	var sb strings.Builder
	sb.Grow(len(b.words)*8 + 8)
	writeWord(&sb, uint64(b.count))
	for _, w := range b.words {
		writeWord(&sb, w)
	}
	return sb.String()
}

func writeWord(sb *strings.Builder, w uint64) {
	for shift := 0; shift < 64; shift += 8 {
		sb.WriteByte(byte(w >> uint(shift)))
	}
}

func (b *BitSet) String() string {
	var sb strings.Builder
	sb.Grow(b.count)
	for _, v := range b.All() {
		if v {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// transposeBlock is the side of the square tile Transpose works through, so
// the rows it writes stay cache resident.
const transposeBlock = 32

// Transpose turns rows bitmaps of equal length n into n bitmaps of length
// len(rows): bit j of result i is bit i of rows[j].
func Transpose(rows []*BitSet) ([]*BitSet, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	width := rows[0].count
	for j, r := range rows {
		if r.count != width {
			return nil, fmt.Errorf("bitset: row %d has length %d, want %d", j, r.count, width)
		}
	}

	out := make([]*BitSet, width)
	for i := range out {
		out[i] = New(len(rows))
	}
	for rowStart := 0; rowStart < len(rows); rowStart += transposeBlock {
		rowEnd := min(rowStart+transposeBlock, len(rows))
		for colStart := 0; colStart < width; colStart += transposeBlock {
			colEnd := min(colStart+transposeBlock, width)
			for j := rowStart; j < rowEnd; j++ {
				for i := colStart; i < colEnd; i++ {
					if rows[j].Test(i) {
						out[i].words[j/wordBits] |= 1 << uint(j%wordBits)
					}
				}
			}
		}
	}
	return out, nil
}
