package cdo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHeader_Valid(t *testing.T) {
	words := []uint32{0x0, HeaderMagic, 0x1, 0x3, Checksum(0x0, HeaderMagic, 0x1, 0x3)}

	h, err := VerifyHeader(words)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1), h.Version)
	assert.Equal(t, uint32(0x3), h.Length)
}

func TestVerifyHeader_BadMagic(t *testing.T) {
	words := []uint32{0x0, 0x12345678, 0x1, 0x3, Checksum(0x0, 0x12345678, 0x1, 0x3)}

	_, err := VerifyHeader(words)
	require.Error(t, err)
	assert.Equal(t, ErrCodeBadMagic, CodeOf(err))
	assert.True(t, IsIntegrityError(err))
}

func TestVerifyHeader_BadChecksum(t *testing.T) {
	words := []uint32{0x0, HeaderMagic, 0x1, 0x3, 0xDEADBEEF}

	_, err := VerifyHeader(words)
	require.Error(t, err)
	assert.Equal(t, ErrCodeBadChecksum, CodeOf(err))
	assert.True(t, IsIntegrityError(err))
	assert.False(t, IsStructuralError(err))
}

func TestVerifyHeader_MagicCheckedFirst(t *testing.T) {
	words := []uint32{0x0, 0x1, 0x1, 0x3, 0x0}

	_, err := VerifyHeader(words)
	assert.Equal(t, ErrCodeBadMagic, CodeOf(err))
}

func TestEncodeHeader_Verifies(t *testing.T) {
	h := EncodeHeader(DefaultVersion, 42)

	got, err := VerifyHeader(h[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.Length)
	assert.Equal(t, DefaultVersion, got.Version)
}

func TestStream_HeaderRejectedForEverySplit(t *testing.T) {
	body := shortCmd(0x0020, 1, 2)

	badMagic := concat([]uint32{0x0, 0xCAFEF00D, 0x1, 0x3, Checksum(0x0, 0xCAFEF00D, 0x1, 0x3)}, body)
	badSum := concat([]uint32{0x0, HeaderMagic, 0x1, 0x3, 0x0}, body)

	cases := []struct {
		name  string
		words []uint32
		code  ErrorCode
	}{
		{"bad magic", badMagic, ErrCodeBadMagic},
		{"bad checksum", badSum, ErrCodeBadChecksum},
	}

	for _, tc := range cases {
		for split := 1; split < len(tc.words); split++ {
			calls := 0
			table := handlerTable{0x0020: execFunc(func(context.Context, *Command) error {
				calls++
				return nil
			})}
			s := NewProcessor(table).NewStream()

			status, err := feed(t, s, tc.words, split, len(tc.words))
			require.Error(t, err, "%s split=%d", tc.name, split)
			assert.Equal(t, StatusFailed, status)
			assert.Equal(t, tc.code, CodeOf(err), "%s split=%d", tc.name, split)
			assert.Zero(t, calls, "%s split=%d: no command may run", tc.name, split)
			assert.Zero(t, s.Processed())
		}
	}
}

func TestStream_PartialHeaderNeedsData(t *testing.T) {
	s := NewProcessor(handlerTable{}).NewStream()
	words := image()

	status, err := s.Process(context.Background(), EncodeWords(words[:3]))
	require.NoError(t, err)
	assert.Equal(t, StatusNeedData, status)
	_, verified := s.Header()
	assert.False(t, verified)

	status, err = s.Process(context.Background(), EncodeWords(words[3:]))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status, "empty body completes once the header is verified")
}
