// Package serialization reads and writes host tensors in the SafeTensors format, so
// the tensors of a failing conformance unit can be inspected with standard tooling.
//
// File layout:
//
//	[8 bytes: header size N, uint64 little-endian]
//	[N bytes: JSON header {name: {dtype, shape, data_offsets}, "__metadata__": {...}}]
//	[tensor data, in header order]
//
// Writers store a SHA-256 of the data section under the "sha256" metadata key;
// readers verify it when present.
package serialization
