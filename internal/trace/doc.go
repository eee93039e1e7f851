// Package trace records what a CDO stream dispatched and fingerprints it.
//
// A Recorder observes a cdo.Processor and joins the resume slices of each
// command into one Event. Digest hashes the canonical JSON (RFC 8785) of the
// events with a domain prefix, so the same image fed in any chunking yields
// the same digest. Documents export as canonical CBOR.
//
// Session ids come from an IDGenerator: UUIDv7 in production, a
// FixedGenerator in tests and golden runs.
package trace
