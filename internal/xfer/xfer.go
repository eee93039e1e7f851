// Package xfer defines the transfer engine used by data-moving commands and
// provides Memory, a sparse simulated address space implementing it.
package xfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Flags modify a transfer.
type Flags uint32

const (
	// FlagFill writes the src value itself to every destination word.
	FlagFill Flags = 1 << iota

	// FlagFromPayload marks a transfer whose source is command payload
	// staged by the caller.
	FlagFromPayload
)

// String lists the set flags, "incr" when none is set.
func (f Flags) String() string {
	var parts []string
	if f&FlagFill != 0 {
		parts = append(parts, "fill")
	}
	if f&FlagFromPayload != 0 {
		parts = append(parts, "payload")
	}
	if len(parts) == 0 {
		return "incr"
	}
	return strings.Join(parts, "|")
}

// Engine moves words between addresses.
//
// Transfer copies words 32-bit words from src to dst, or with FlagFill
// writes the value src to words destination words. Addresses are byte
// addresses and must be word aligned.
type Engine interface {
	Transfer(ctx context.Context, src, dst uint64, words uint32, flags Flags) error
}

// ErrUnaligned is returned for an address that is not word aligned.
var ErrUnaligned = errors.New("unaligned address")

// ErrFault is returned for an access to a faulted range.
var ErrFault = errors.New("bus fault")

// ErrTooLarge is returned for a transfer longer than the Memory allows.
var ErrTooLarge = errors.New("transfer too large")

// DefaultMaxTransferWords bounds a single Memory transfer (4 MiB).
const DefaultMaxTransferWords uint32 = 1 << 20

// cancelStride is how many words are checked between context polls.
const cancelStride = 4096

// FaultError reports the address of a failed access.
type FaultError struct {
	Addr uint64
	Op   string
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Record describes one completed transfer.
type Record struct {
	Src   uint64
	Dst   uint64
	Words uint32
	Flags Flags
}

type addrRange struct {
	start, end uint64 // [start, end)
}

// Memory is a sparse, word-addressed simulated address space.
//
// Unwritten words read as zero. Scripted addresses return a queued sequence
// of values on successive reads (the last value repeats) so polling
// commands can be exercised. Memory is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	words     map[uint64]uint32
	scripts   map[uint64][]uint32
	faults    []addrRange
	transfers []Record
	maxWords  uint32
	logger    *slog.Logger
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// WithMaxTransferWords bounds the length of one transfer.
// Default: DefaultMaxTransferWords.
func WithMaxTransferWords(n uint32) MemoryOption {
	return func(m *Memory) {
		m.maxWords = n
	}
}

// NewMemory creates an empty address space.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		words:    make(map[uint64]uint32),
		scripts:  make(map[uint64][]uint32),
		maxWords: DefaultMaxTransferWords,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Fault makes every access to [start, start+size) fail with ErrFault.
func (m *Memory) Fault(start, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, addrRange{start: start, end: start + size})
}

// Script queues values returned by successive reads of addr.
func (m *Memory) Script(addr uint64, values ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[addr] = append(m.scripts[addr], values...)
}

// Read32 reads one word.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, "read"); err != nil {
		return 0, err
	}
	return m.read(addr), nil
}

// Write32 writes one word.
func (m *Memory) Write32(addr uint64, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, "write"); err != nil {
		return err
	}
	m.words[addr] = v
	return nil
}

// Transfer implements Engine.
//
// The whole destination range is checked before any word is written, so a
// faulted, oversized or cancelled transfer leaves memory unchanged.
func (m *Memory) Transfer(ctx context.Context, src, dst uint64, words uint32, flags Flags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if words > m.maxWords {
		return &FaultError{
			Addr: dst,
			Op:   "transfer",
			Err:  fmt.Errorf("%w: %d words, limit %d", ErrTooLarge, words, m.maxWords),
		}
	}

	for i := uint64(0); i < uint64(words); i++ {
		if i%cancelStride == cancelStride-1 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := m.check(dst+i*4, "write"); err != nil {
			return err
		}
		if flags&FlagFill == 0 {
			if err := m.check(src+i*4, "read"); err != nil {
				return err
			}
		}
	}

	for i := uint64(0); i < uint64(words); i++ {
		v := uint32(src)
		if flags&FlagFill == 0 {
			v = m.read(src + i*4)
		}
		m.words[dst+i*4] = v
	}
	m.transfers = append(m.transfers, Record{Src: src, Dst: dst, Words: words, Flags: flags})
	m.logger.Debug("transfer",
		"src", fmt.Sprintf("%#x", src),
		"dst", fmt.Sprintf("%#x", dst),
		"words", words,
		"flags", flags.String(),
	)
	return nil
}

// Words returns count words starting at addr without consuming scripts.
func (m *Memory) Words(addr uint64, count int) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, count)
	for i := range out {
		out[i] = m.words[addr+uint64(i)*4]
	}
	return out
}

// Transfers returns the completed transfers in order.
func (m *Memory) Transfers() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.transfers...)
}

// Snapshot returns every written word, ordered by address.
func (m *Memory) Snapshot() []Word {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Word, 0, len(m.words))
	for a, v := range m.words {
		out = append(out, Word{Addr: a, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Word is one address/value pair of a Snapshot.
type Word struct {
	Addr  uint64 `json:"addr"`
	Value uint32 `json:"value"`
}

func (m *Memory) check(addr uint64, op string) error {
	if addr%4 != 0 {
		return &FaultError{Addr: addr, Op: op, Err: ErrUnaligned}
	}
	for _, r := range m.faults {
		if addr >= r.start && addr < r.end {
			return &FaultError{Addr: addr, Op: op, Err: ErrFault}
		}
	}
	return nil
}

// read must be called with mu held.
func (m *Memory) read(addr uint64) uint32 {
	if q := m.scripts[addr]; len(q) > 0 {
		v := q[0]
		if len(q) > 1 {
			m.scripts[addr] = q[1:]
		}
		return v
	}
	return m.words[addr]
}
