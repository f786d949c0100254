// Package digest computes the keyed content digest used to address
// chunks, and derives that key from a datastore's encryption secret.
//
// Chunk digests are keyed so that an attacker who only has access to
// ciphertext chunks cannot confirm the presence of known plaintext by
// recomputing an unkeyed SHA-256 over it.
package digest

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is the content address of a chunk: SHA-256 of the plaintext
// concatenated with the datastore's id_key.
type Digest [Size]byte

// idKeySalt is the fixed salt used to derive the id_key from a
// datastore's master encryption key via PBKDF2-HMAC-SHA-256.
const idKeySalt = "_id_key"

const idKeyIterations = 10

// DeriveIDKey derives the 32-byte id_key used to compute keyed chunk
// digests from a datastore's raw encryption key. An empty encKey (an
// unencrypted datastore) yields the all-zero key; Compute still appends
// it, so such digests are SHA-256 over the plaintext followed by 32 zero
// bytes.
func DeriveIDKey(encKey []byte) [32]byte {
	var key [32]byte
	if len(encKey) == 0 {
		return key
	}
	derived := pbkdf2.Key(encKey, []byte(idKeySalt), idKeyIterations, 32, sha256.New)
	copy(key[:], derived)
	return key
}

// Compute returns the keyed digest of plaintext under idKey.
func Compute(plaintext []byte, idKey [32]byte) Digest {
	h := sha256.New()
	h.Write(plaintext)
	h.Write(idKey[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String returns the lowercase hex encoding used for on-disk chunk paths
// and index entries.
func (d Digest) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, Size*2)
	for i, b := range d {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// ShardPrefix returns the first four hex characters (the digest's first
// two bytes) used to select one of the chunk store's 65536 shard
// directories.
func (d Digest) ShardPrefix() string {
	return d.String()[:4]
}

// Parse decodes a 64-character lowercase hex digest string.
func Parse(s string) (Digest, bool) {
	var d Digest
	if len(s) != Size*2 {
		return d, false
	}
	for i := range d {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return Digest{}, false
		}
		d[i] = hi<<4 | lo
	}
	return d, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
