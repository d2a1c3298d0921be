// Package store implements Store: the durable directory/KV layout (§4.8).
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package store

import "golang.org/x/crypto/blake2b"

// DigestSize is the fixed width of a stored password digest (§3 "fixed-
// width digest"). The hashing algorithm itself is explicitly out of
// scope (§1): callers elsewhere in the broker (the wire protocol, the
// admin UI) are expected to hand SimQ an already-opaque digest. Compute
// is the one place SimQ must turn a Change payload's plaintext field
// into that opaque form, so it picks a concrete primitive rather than
// leaving it unspecified.
const DigestSize = 32

type Digest [DigestSize]byte

// Compute derives a fixed-width digest from a plaintext password.
func Compute(plaintext []byte) Digest {
	sum := blake2b.Sum256(plaintext)
	return Digest(sum)
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}
