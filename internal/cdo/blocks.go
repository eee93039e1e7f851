package cdo

import "fmt"

// MaxBlockDepth is the number of nested begin/end blocks a stream supports.
const MaxBlockDepth = 10

// BlockStack holds the end offsets of the open begin/end blocks of a stream.
//
// Begin pushes the offset of its matching end command; break resolves a
// level to one of those offsets and hands it to Command.BreakTo. The stack
// belongs to the stream and survives chunk boundaries.
type BlockStack struct {
	ends []uint32
}

// Depth returns the number of open blocks.
func (b *BlockStack) Depth() int {
	return len(b.ends)
}

// Push opens a block whose end command starts at end.
func (b *BlockStack) Push(end uint32) error {
	if len(b.ends) >= MaxBlockDepth {
		return fmt.Errorf("block stack full: max %d nested begin supported", MaxBlockDepth)
	}
	b.ends = append(b.ends, end)
	return nil
}

// Pop closes the innermost block and returns its end offset.
func (b *BlockStack) Pop() (uint32, error) {
	if len(b.ends) == 0 {
		return 0, fmt.Errorf("block stack empty: end has no matching begin")
	}
	end := b.ends[len(b.ends)-1]
	b.ends = b.ends[:len(b.ends)-1]
	return end, nil
}

// JumpTarget resolves a break level to the end offset it jumps to.
//
// Level 1 is the innermost block. For level n the n-1 inner blocks are
// discarded so the end command reached by the jump pops the right entry.
func (b *BlockStack) JumpTarget(level int) (uint32, error) {
	if level < 1 || level > len(b.ends) {
		return 0, fmt.Errorf("break level %d invalid with %d open block(s)", level, len(b.ends))
	}
	b.ends = b.ends[:len(b.ends)-(level-1)]
	return b.ends[len(b.ends)-1], nil
}

// Reset discards all open blocks.
func (b *BlockStack) Reset() {
	b.ends = b.ends[:0]
}
