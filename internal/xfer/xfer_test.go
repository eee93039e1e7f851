package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory()

	v, err := m.Read32(0x1000)
	require.NoError(t, err)
	assert.Zero(t, v, "unwritten words read as zero")

	require.NoError(t, m.Write32(0x1000, 0xCAFE))
	v, err = m.Read32(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFE), v)

	_, err = m.Read32(0x1002)
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestMemory_TransferCopy(t *testing.T) {
	m := NewMemory()
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, m.Write32(0x100+i*4, uint32(10+i)))
	}

	require.NoError(t, m.Transfer(context.Background(), 0x100, 0x2000, 4, 0))
	assert.Equal(t, []uint32{10, 11, 12, 13}, m.Words(0x2000, 4))

	recs := m.Transfers()
	require.Len(t, recs, 1)
	assert.Equal(t, Record{Src: 0x100, Dst: 0x2000, Words: 4}, recs[0])
}

func TestMemory_TransferFill(t *testing.T) {
	m := NewMemory()

	require.NoError(t, m.Transfer(context.Background(), 0xA5A5A5A5, 0x3000, 3, FlagFill))
	assert.Equal(t, []uint32{0xA5A5A5A5, 0xA5A5A5A5, 0xA5A5A5A5, 0}, m.Words(0x3000, 4))
	assert.Equal(t, "fill", m.Transfers()[0].Flags.String())
}

func TestMemory_FaultLeavesMemoryUnchanged(t *testing.T) {
	m := NewMemory()
	m.Fault(0x4008, 4)

	err := m.Transfer(context.Background(), 7, 0x4000, 4, FlagFill)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFault)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, uint64(0x4008), fe.Addr)
	assert.Equal(t, []uint32{0, 0, 0, 0}, m.Words(0x4000, 4))
	assert.Empty(t, m.Transfers())

	assert.ErrorIs(t, m.Write32(0x4008, 1), ErrFault)
}

func TestMemory_Script(t *testing.T) {
	m := NewMemory()
	m.Script(0x10, 0, 0, 1)

	var got []uint32
	for i := 0; i < 5; i++ {
		v, err := m.Read32(0x10)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []uint32{0, 0, 1, 1, 1}, got)
}

func TestMemory_TransferCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().Transfer(ctx, 0, 0, 1, FlagFill)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_TransferLimit(t *testing.T) {
	m := NewMemory(WithMaxTransferWords(8))

	require.NoError(t, m.Transfer(context.Background(), 7, 0x100, 8, FlagFill))

	err := m.Transfer(context.Background(), 9, 0x200, 9, FlagFill)
	assert.ErrorIs(t, err, ErrTooLarge)
	var ferr *FaultError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, uint64(0x200), ferr.Addr)
	assert.Equal(t, []uint32{0}, m.Words(0x200, 1), "rejected transfer writes nothing")
	assert.Len(t, m.Transfers(), 1)

	err = NewMemory().Transfer(context.Background(), 0, 0, 0xFFFFFFFF, FlagFill)
	assert.ErrorIs(t, err, ErrTooLarge, "default limit applies")
}

func TestMemory_TransferStopsOnDeadline(t *testing.T) {
	m := NewMemory(WithMaxTransferWords(0xFFFFFFFF))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Transfer(ctx, 0, 0x1000, 0xFFFFFFFF, FlagFill)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, m.Snapshot())
}

func TestMemory_Snapshot(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Write32(0x20, 2))
	require.NoError(t, m.Write32(0x10, 1))

	assert.Equal(t, []Word{{Addr: 0x10, Value: 1}, {Addr: 0x20, Value: 2}}, m.Snapshot())
	assert.Equal(t, "fill|payload", (FlagFill | FlagFromPayload).String())
	assert.Equal(t, "incr", Flags(0).String())
}
