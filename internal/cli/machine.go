package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/roach88/cdo/internal/cdo"
	"github.com/roach88/cdo/internal/generic"
	"github.com/roach88/cdo/internal/module"
	"github.com/roach88/cdo/internal/trace"
	"github.com/roach88/cdo/internal/xfer"
)

// machineConfig controls one interpreter run.
type machineConfig struct {
	MaxDepth int
	Recovery cdo.RecoveryMode
	Logger   *slog.Logger
	Console  io.Writer
}

// machine is a processor bound to simulated memory and the generic module,
// with a recorder observing every dispatch.
type machine struct {
	mem  *xfer.Memory
	reg  *module.Registry
	rec  *trace.Recorder
	proc *cdo.Processor
}

func newMachine(cfg machineConfig) (*machine, error) {
	console := cfg.Console
	if console == nil {
		console = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mem := xfer.NewMemory(xfer.WithLogger(cfg.Logger))
	gen := generic.New(mem, mem, generic.WithLogger(cfg.Logger), generic.WithConsole(console))
	reg := module.NewRegistry()
	if err := gen.Register(reg); err != nil {
		return nil, err
	}

	rec := trace.NewRecorder(trace.WithNames(reg.Name))
	opts := []cdo.Option{
		cdo.WithLogger(cfg.Logger),
		cdo.WithObserver(rec),
		cdo.WithRecoveryMode(cfg.Recovery),
	}
	if cfg.MaxDepth > 0 {
		opts = append(opts, cdo.WithMaxDepth(cfg.MaxDepth))
	}
	proc := cdo.NewProcessor(reg, opts...)
	gen.Attach(proc)

	return &machine{mem: mem, reg: reg, rec: rec, proc: proc}, nil
}

// outcome is the result of feeding an image.
type outcome struct {
	Status    cdo.Status
	Err       error
	Processed uint32
	Declared  uint32
	Chunks    int
	Failures  int // handler failures recorded under lockdown
	Events    []trace.Event
	Digest    string
}

// feed delivers chunks to a new stream until it finishes, fails, is
// cancelled or the chunks run out.
func (m *machine) feed(ctx context.Context, chunks [][]byte) (outcome, error) {
	s := m.proc.NewStream()
	out := outcome{Status: cdo.StatusNeedData}
	for _, chunk := range chunks {
		out.Chunks++
		out.Status, out.Err = s.Process(ctx, chunk)
		if out.Err != nil || out.Status != cdo.StatusNeedData {
			break
		}
	}
	out.Processed = s.Processed()
	out.Declared = s.Declared()
	out.Failures = len(s.Failures())
	out.Events = m.rec.Events()

	digest, err := m.rec.Digest()
	if err != nil {
		return out, err
	}
	out.Digest = digest
	return out, nil
}

// splitImage cuts an image into chunks of chunkWords words; 0 means one
// chunk. The last chunk may be shorter.
func splitImage(data []byte, chunkWords int) [][]byte {
	if chunkWords <= 0 {
		return [][]byte{data}
	}
	size := chunkWords * 4
	var chunks [][]byte
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}
