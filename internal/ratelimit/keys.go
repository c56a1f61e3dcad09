package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identity kinds a bucket can key on.
const (
	KindIP   = "ip"
	KindUser = "user"
)

const keyDigestLength = 16

// Key derives the storage key for one identity dimension of a bucket. The
// identity is digested so raw addresses and user IDs never reach the quota
// store; the kind prefix keeps ip and user digests disjoint within a bucket.
func Key(bucket, kind, value string) string {
	sum := sha256.Sum256([]byte(kind + "|" + value))
	return "rl:" + bucket + ":" + hex.EncodeToString(sum[:])[:keyDigestLength]
}
