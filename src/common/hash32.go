package common

import "hash/fnv"

// Hash32 derives the short numeric form of an identity: FNV-1a over the raw
// public key bytes. It is used for log fields and selector bookkeeping, never
// for anything security-relevant.
func Hash32(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}
