// Package util provides shared utility functions.
package util

import "hash/fnv"

// Checksum returns a 4-byte FNV-1a digest of a payload. It only labels
// payloads in trace output so that both ends of a link can be compared.
func Checksum(payload []byte) uint32 {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}
