// Package harness runs conformance scenarios against the CDO interpreter.
//
// A scenario is a YAML file naming an image (a CUE source, body words or a
// raw image), the chunkings to feed it in, the simulated memory it runs
// against, and what must come out:
//
//	name: block_break
//	description: break leaves the innermost block
//	source: block_break.cue
//	chunks: [0, 1, 3]
//	expect:
//	  status: done
//	  processed: 12
//	  memory:
//	    - {addr: 0x100, values: [1, 0]}
//	assertions:
//	  - type: trace_count
//	    command: write
//	    count: 1
//
// Every chunking runs on a fresh processor, generic module and memory. The
// runs must agree on status, error code, processed length, console output,
// memory and trace digest; any difference fails the scenario. The first run
// is then stored as a session in an in-memory store, and assertions are
// evaluated on the trace read back from it.
//
// Golden files (testdata/golden/*.golden) hold the canonical JSON of the
// outcome and trace. Regenerate them with:
//
//	go test ./internal/harness -update
package harness
