package lock

import (
	"hash/fnv"
	"math"
)

// MaxIdentifier is the largest identifier HashKey can return.
const MaxIdentifier = math.MaxInt32

// Hasher maps a lock key to the integer identifier used by the database.
//
// Every process contending on the same key must use the same Hasher.
// Changing the algorithm, or running old and new instances side by side with
// different hashers, silently breaks mutual exclusion between them.
type Hasher func(key string) int64

// HashKey hashes key with 32-bit FNV-1a over its UTF-8 bytes and clears the
// sign bit, yielding an identifier in [0, 2^31-1]. It is the default Hasher.
func HashKey(key string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum32() & MaxIdentifier)
}

// HashKey63 hashes key with 64-bit FNV-1a and clears the sign bit, yielding an
// identifier in [0, 2^63-1]. It uses the full width of pg_advisory_lock's
// bigint argument and collides far less often than HashKey, but it is not
// interchangeable with it: see Hasher.
func HashKey63(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & math.MaxInt64)
}
