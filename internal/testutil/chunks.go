// Package testutil holds helpers shared by tests and the scenario harness:
// chunk splitters for feeding images to a stream and deterministic ids.
package testutil

import (
	"context"
	"math/rand/v2"

	"github.com/roach88/cdo/internal/cdo"
)

// Chunks splits words into byte chunks of size words each; the last chunk
// may be shorter. size <= 0 yields a single chunk.
func Chunks(words []uint32, size int) [][]byte {
	if size <= 0 || size >= len(words) {
		return [][]byte{cdo.EncodeWords(words)}
	}
	var out [][]byte
	for i := 0; i < len(words); i += size {
		out = append(out, cdo.EncodeWords(words[i:min(i+size, len(words))]))
	}
	return out
}

// RandomChunks splits words at random word boundaries. The same seed gives
// the same split.
func RandomChunks(words []uint32, seed uint64) [][]byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	var out [][]byte
	for i := 0; i < len(words); {
		n := 1 + rng.IntN(8)
		out = append(out, cdo.EncodeWords(words[i:min(i+n, len(words))]))
		i += n
	}
	return out
}

// Feed passes chunks to s in order and returns the last status.
// It stops early on error or once the stream is done.
func Feed(ctx context.Context, s *cdo.Stream, chunks [][]byte) (cdo.Status, error) {
	status := cdo.StatusNeedData
	for _, c := range chunks {
		var err error
		status, err = s.Process(ctx, c)
		if err != nil || status == cdo.StatusDone {
			return status, err
		}
	}
	return status, nil
}
