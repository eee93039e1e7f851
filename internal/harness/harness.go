package harness

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/compiler"
	"github.com/roach88/cdo/internal/generic"
	"github.com/roach88/cdo/internal/module"
	"github.com/roach88/cdo/internal/store"
	"github.com/roach88/cdo/internal/testutil"
	"github.com/roach88/cdo/internal/trace"
	"github.com/roach88/cdo/internal/xfer"
)

// Harness is the test execution engine.
// It runs scenarios with deterministic clocks and session ids.
type Harness struct {
	store    *store.Store
	sessions trace.IDGenerator
	logger   *slog.Logger
}

// run is the outcome of one chunking.
type run struct {
	label     string
	status    cdo.Status
	err       error
	processed uint32
	events    []trace.Event
	digest    string
	console   string
	mem       *xfer.Memory
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Build the image from source, words or image
// 2. Run it once per chunking on a fresh interpreter and memory
// 3. Require every run to agree on outcome and trace digest
// 4. Store the first run as a session and read the trace back
// 5. Check expect and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:    st,
		sessions: testutil.NewFixedSessionGenerator(scenario.SessionID),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	return h.run(context.Background(), scenario)
}

func (h *Harness) run(ctx context.Context, scenario *Scenario) (*Result, error) {
	words, err := scenario.image()
	if err != nil {
		return nil, err
	}

	var runs []run
	for _, c := range scenario.chunkings(words) {
		r, err := h.runOnce(ctx, scenario, c.chunks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.label, err)
		}
		r.label = c.label
		runs = append(runs, r)
	}

	first := runs[0]
	result := NewResult()
	result.Status = first.status.String()
	result.ErrorCode = string(cdo.CodeOf(first.err))
	result.Processed = first.processed
	result.Runs = len(runs)
	result.Digest = first.digest
	result.Console = first.console
	result.Memory = first.mem.Snapshot()

	for _, r := range runs[1:] {
		compareRuns(result, first, r)
	}

	result.Trace, err = h.persist(ctx, scenario, words, first)
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	checkExpect(result, scenario.Expect, first)

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// runOnce feeds chunks to a fresh processor.
func (h *Harness) runOnce(ctx context.Context, scenario *Scenario, chunks [][]byte) (run, error) {
	mem := xfer.NewMemory(xfer.WithLogger(h.logger))
	for _, m := range scenario.Memory {
		for i, v := range m.Values {
			if err := mem.Write32(m.Addr+uint64(i)*4, v); err != nil {
				return run{}, fmt.Errorf("seed memory: %w", err)
			}
		}
	}
	for _, p := range scenario.Polls {
		mem.Script(p.Addr, p.Values...)
	}
	for _, f := range scenario.Faults {
		mem.Fault(f.Addr, f.Size)
	}

	var console bytes.Buffer
	gen := generic.New(mem, mem, generic.WithLogger(h.logger), generic.WithConsole(&console))
	reg := module.NewRegistry()
	if err := gen.Register(reg); err != nil {
		return run{}, err
	}
	if err := registerStubs(reg, scenario.Handlers); err != nil {
		return run{}, err
	}

	recovery, _ := cdo.ParseRecoveryMode(scenario.Recovery)
	rec := trace.NewRecorder(trace.WithNames(reg.Name))
	opts := []cdo.Option{
		cdo.WithLogger(h.logger),
		cdo.WithObserver(rec),
		cdo.WithRecoveryMode(recovery),
	}
	if scenario.MaxDepth > 0 {
		opts = append(opts, cdo.WithMaxDepth(scenario.MaxDepth))
	}
	proc := cdo.NewProcessor(reg, opts...)
	gen.Attach(proc)

	s := proc.NewStream()
	status, err := testutil.Feed(ctx, s, chunks)

	digest, derr := rec.Digest()
	if derr != nil {
		return run{}, derr
	}
	return run{
		status:    status,
		err:       err,
		processed: s.Processed(),
		events:    rec.Events(),
		digest:    digest,
		console:   console.String(),
		mem:       mem,
	}, nil
}

var errStub = errors.New("stub failure")

// registerStubs groups stub handlers into one module per module id.
func registerStubs(reg *module.Registry, stubs []HandlerStub) error {
	byModule := map[uint8][]module.Command{}
	var order []uint8
	for _, stub := range stubs {
		modID := uint8(stub.ID >> 8)
		if _, ok := byModule[modID]; !ok {
			order = append(order, modID)
		}
		name := stub.Name
		if name == "" {
			name = fmt.Sprintf("stub_%04x", stub.ID)
		}
		result := stub.Result
		byModule[modID] = append(byModule[modID], module.Command{
			API:  uint8(stub.ID),
			Name: name,
			Handler: module.Buffered(func(context.Context, *cdo.Command) error {
				switch result {
				case StubFail:
					return errStub
				case StubDefer:
					return cdo.Defer(errStub)
				}
				return nil
			}),
		})
	}
	slices.Sort(order)
	for _, id := range order {
		if err := reg.Register(module.Module{
			ID:       id,
			Name:     fmt.Sprintf("stub%02x", id),
			Commands: byModule[id],
		}); err != nil {
			return fmt.Errorf("register stubs: %w", err)
		}
	}
	return nil
}

// persist stores the run as a session and reads its trace back.
func (h *Harness) persist(ctx context.Context, scenario *Scenario, words []uint32, r run) ([]trace.Event, error) {
	sum := sha256.Sum256(cdo.EncodeWords(words))
	declared := uint32(0)
	if len(words) >= cdo.HeaderWords {
		declared = words[3]
	}
	chunkWords := 0
	if len(scenario.Chunks) > 0 {
		chunkWords = scenario.Chunks[0]
	}

	id := h.sessions.Generate()
	if err := h.store.CreateSession(ctx, store.Session{
		ID:          id,
		Source:      scenario.Name,
		ImageSHA256: hex.EncodeToString(sum[:]),
		Declared:    declared,
		ChunkWords:  chunkWords,
		Recovery:    recoveryName(scenario.Recovery),
		Seq:         1,
	}); err != nil {
		return nil, err
	}
	if err := h.store.WriteDispatches(ctx, id, r.events); err != nil {
		return nil, err
	}

	out := store.Outcome{
		Status:    statusName(r.status),
		Processed: r.processed,
		ErrorCode: string(cdo.CodeOf(r.err)),
		Digest:    r.digest,
	}
	if r.err != nil {
		out.Error = r.err.Error()
	}
	if err := h.store.FinishSession(ctx, id, out); err != nil {
		return nil, err
	}
	return h.store.ReadDispatches(ctx, id)
}

func recoveryName(s string) string {
	m, _ := cdo.ParseRecoveryMode(s)
	return m.String()
}

// statusName maps a stream status to a session status.
func statusName(s cdo.Status) string {
	switch s {
	case cdo.StatusDone:
		return store.StatusDone
	case cdo.StatusFailed:
		return store.StatusFailed
	default:
		return store.StatusRunning
	}
}

// compareRuns flags any difference between two chunkings.
func compareRuns(result *Result, first, r run) {
	if r.status != first.status {
		result.AddError(fmt.Sprintf("%s: status %s, %s gave %s", r.label, r.status, first.label, first.status))
	}
	if cdo.CodeOf(r.err) != cdo.CodeOf(first.err) {
		result.AddError(fmt.Sprintf("%s: error code %q, %s gave %q", r.label, cdo.CodeOf(r.err), first.label, cdo.CodeOf(first.err)))
	}
	if r.processed != first.processed {
		result.AddError(fmt.Sprintf("%s: processed %d, %s gave %d", r.label, r.processed, first.label, first.processed))
	}
	if r.digest != first.digest {
		result.AddError(fmt.Sprintf("%s: trace digest differs from %s", r.label, first.label))
	}
	if r.console != first.console {
		result.AddError(fmt.Sprintf("%s: console output differs from %s", r.label, first.label))
	}
	if !slices.Equal(r.mem.Snapshot(), first.mem.Snapshot()) {
		result.AddError(fmt.Sprintf("%s: memory differs from %s", r.label, first.label))
	}
}

// checkExpect validates the first run against the expect clause.
func checkExpect(result *Result, expect Expect, r run) {
	if result.Status != expect.Status {
		result.AddError(fmt.Sprintf("expect.status: got %s, want %s (error: %v)", result.Status, expect.Status, r.err))
	}
	if result.ErrorCode != expect.ErrorCode {
		result.AddError(fmt.Sprintf("expect.error_code: got %q, want %q", result.ErrorCode, expect.ErrorCode))
	}
	if expect.Processed != nil && result.Processed != *expect.Processed {
		result.AddError(fmt.Sprintf("expect.processed: got %d, want %d", result.Processed, *expect.Processed))
	}
	if expect.Dispatches != nil && len(result.Trace) != *expect.Dispatches {
		result.AddError(fmt.Sprintf("expect.dispatches: got %d, want %d", len(result.Trace), *expect.Dispatches))
	}
	for _, m := range expect.Memory {
		got := r.mem.Words(m.Addr, len(m.Values))
		if !slices.Equal(got, m.Values) {
			result.AddError(fmt.Sprintf("expect.memory at %#x: got %#x, want %#x", m.Addr, got, m.Values))
		}
	}
	if expect.Console != nil && result.Console != *expect.Console {
		result.AddError(fmt.Sprintf("expect.console: got %q, want %q", result.Console, *expect.Console))
	}
}

// chunking is one way of splitting the image.
type chunking struct {
	label  string
	chunks [][]byte
}

func (s *Scenario) chunkings(words []uint32) []chunking {
	var out []chunking
	for _, size := range s.Chunks {
		label := fmt.Sprintf("chunks=%d", size)
		if size == 0 {
			label = "whole"
		}
		out = append(out, chunking{label: label, chunks: testutil.Chunks(words, size)})
	}
	for _, seed := range s.Seeds {
		out = append(out, chunking{label: fmt.Sprintf("seed=%d", seed), chunks: testutil.RandomChunks(words, seed)})
	}
	if len(out) == 0 {
		out = append(out, chunking{label: "whole", chunks: testutil.Chunks(words, 0)})
	}
	return out
}

// image builds the full image words.
func (s *Scenario) image() ([]uint32, error) {
	switch {
	case len(s.Image) > 0:
		return s.Image, nil
	case len(s.Words) > 0:
		h := cdo.EncodeHeader(cdo.DefaultVersion, uint32(len(s.Words)))
		return append(h[:], s.Words...), nil
	}

	src, err := os.ReadFile(s.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	v := cuecontext.New().CompileBytes(src, cue.Filename(s.Source))
	p, err := compiler.CompileSource(v)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", s.Source, err)
	}
	return p.Words(), nil
}
