// Package blob implements the on-disk/on-wire framing of a chunk or
// small metadata object:
//
//	magic[8] | crc32[4] | [iv[16] | tag[16]] | ciphertext
//
// or, for the authenticated variants:
//
//	magic[8] | crc32[4] | hmac[32] | payload
//
// The magic selects one of ten {plain, zstd, authenticated, encrypted,
// encrypted+zstd} x {blob, chunk} framings (authenticated chunks are not
// a defined variant: chunk integrity is already carried by the keyed
// content digest used to address them). The CRC covers whatever bytes
// are actually stored after it in the frame (ciphertext for the
// encrypted variants, plaintext otherwise) and exists to detect storage
// corruption without a key; authenticity is provided by HMAC or
// AES-256-GCM where applicable. Blobs are self-describing: a reader
// dispatches purely on the 8-byte magic prefix.
package blob

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"chunkvault/internal/vaulterr"

	"github.com/klauspost/compress/zstd"
)

const (
	ivSize   = 16
	tagSize  = 16
	hmacSize = 32
)

// Errors returned by Decode, classified via vaulterr.KindOf.
var (
	ErrWrongMagic     = errors.New("blob: wrong magic")
	ErrCrcMismatch    = errors.New("blob: crc mismatch")
	ErrAuthFailure    = errors.New("blob: authentication failed")
	ErrKeyMissing     = errors.New("blob: key required but not provided")
	ErrCorruptPayload = errors.New("blob: corrupt payload")
)

// Key carries the material needed to encrypt/decrypt and authenticate a
// datastore's blobs. Both fields derive from the datastore's master
// encryption key; EncKey feeds AES-256-GCM directly and HMACKey feeds
// HMAC-SHA-256, kept distinct so a compromise of one primitive does not
// immediately compromise the other.
type Key struct {
	EncKey  [32]byte
	HMACKey [32]byte
}

// DeriveKey derives a blob Key from a datastore's raw master key.
func DeriveKey(masterKey []byte) Key {
	var k Key
	h1 := sha256.Sum256(append([]byte("blob-enc\x00"), masterKey...))
	h2 := sha256.Sum256(append([]byte("blob-hmac\x00"), masterKey...))
	k.EncKey = h1
	k.HMACKey = h2
	return k
}

// Kind distinguishes chunk framing from general blob framing. Chunk
// framing never carries the standalone-authenticated variants.
type Kind int

const (
	KindChunk Kind = iota
	KindBlob
)

// Mode selects compression/encryption treatment independent of Kind.
type Mode int

const (
	ModePlain Mode = iota
	ModeCompressed
	ModeEncrypted
	ModeCompressedEncrypted
	ModeAuthenticated
	ModeCompressedAuthenticated
)

func magicFor(kind Kind, mode Mode) (Magic, error) {
	if kind == KindChunk {
		switch mode {
		case ModePlain:
			return MagicUncompressedChunk, nil
		case ModeCompressed:
			return MagicCompressedChunk, nil
		case ModeEncrypted:
			return MagicEncryptedChunk, nil
		case ModeCompressedEncrypted:
			return MagicCompressedEncryptedChunk, nil
		default:
			return Magic{}, fmt.Errorf("blob: mode %d has no chunk framing", mode)
		}
	}
	switch mode {
	case ModePlain:
		return MagicUncompressedBlob, nil
	case ModeCompressed:
		return MagicCompressedBlob, nil
	case ModeEncrypted:
		return MagicEncryptedBlob, nil
	case ModeCompressedEncrypted:
		return MagicCompressedEncryptedBlob, nil
	case ModeAuthenticated:
		return MagicAuthenticatedBlob, nil
	case ModeCompressedAuthenticated:
		return MagicCompressedAuthenticated, nil
	default:
		return Magic{}, fmt.Errorf("blob: unknown mode %d", mode)
	}
}

var encoderPool = func() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return enc
}()

var decoderPool = func() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return dec
}()

// Encode frames plaintext as kind, applying compression when
// tryCompress is true and it shrinks the payload, and AES-256-GCM
// encryption when key is non-nil. It never applies HMAC authentication;
// EncodeAuthenticated produces the authenticated blob variants.
func Encode(kind Kind, plaintext []byte, tryCompress bool, key *Key) ([]byte, error) {
	return encode(kind, plaintext, tryCompress, key, false)
}

// EncodeAuthenticated frames plaintext as a KindBlob with HMAC
// authentication (no encryption). It is only valid for KindBlob.
func EncodeAuthenticated(plaintext []byte, tryCompress bool, key *Key) ([]byte, error) {
	if key == nil {
		return nil, vaulterr.New(vaulterr.Invalid, ErrKeyMissing)
	}
	return encode(KindBlob, plaintext, tryCompress, key, true)
}

func encode(kind Kind, plaintext []byte, tryCompress bool, key *Key, authenticate bool) ([]byte, error) {
	payload := plaintext
	compressed := false
	if tryCompress {
		c := encoderPool.EncodeAll(plaintext, nil)
		if len(c) < len(plaintext) {
			payload = c
			compressed = true
		}
	}

	var mode Mode
	switch {
	case authenticate && compressed:
		mode = ModeCompressedAuthenticated
	case authenticate:
		mode = ModeAuthenticated
	case key != nil && compressed:
		mode = ModeCompressedEncrypted
	case key != nil:
		mode = ModeEncrypted
	case compressed:
		mode = ModeCompressed
	default:
		mode = ModePlain
	}

	magic, err := magicFor(kind, mode)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Invalid, err)
	}

	switch mode {
	case ModeEncrypted, ModeCompressedEncrypted:
		return encryptFrame(magic, payload, key)
	case ModeAuthenticated, ModeCompressedAuthenticated:
		return authenticateFrame(magic, payload, key)
	default:
		return plainFrame(magic, payload), nil
	}
}

func plainFrame(magic Magic, payload []byte) []byte {
	crc := crc32.ChecksumIEEE(payload)
	buf := make([]byte, 0, 8+4+len(payload))
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	buf = append(buf, payload...)
	return buf
}

func authenticateFrame(magic Magic, payload []byte, key *Key) ([]byte, error) {
	if key == nil {
		return nil, vaulterr.New(vaulterr.Invalid, ErrKeyMissing)
	}
	crc := crc32.ChecksumIEEE(payload)
	mac := hmac.New(sha256.New, key.HMACKey[:])
	mac.Write(payload)
	tag := mac.Sum(nil)

	buf := make([]byte, 0, 8+4+hmacSize+len(payload))
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	buf = append(buf, tag...)
	buf = append(buf, payload...)
	return buf, nil
}

func encryptFrame(magic Magic, payload []byte, key *Key) ([]byte, error) {
	if key == nil {
		return nil, vaulterr.New(vaulterr.Invalid, ErrKeyMissing)
	}
	block, err := aes.NewCipher(key.EncKey[:])
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, vaulterr.New(vaulterr.Transient, err)
	}

	sealed := gcm.Seal(nil, iv, payload, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	// CRC covers the stored ciphertext, not the plaintext, so VerifyCRC
	// can detect storage corruption in an encrypted chunk without a key.
	crc := crc32.ChecksumIEEE(ciphertext)

	buf := make([]byte, 0, 8+4+ivSize+tagSize+len(ciphertext))
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, crc)
	buf = append(buf, iv...)
	buf = append(buf, tag...)
	buf = append(buf, ciphertext...)
	return buf, nil
}

// Decode parses a framed blob/chunk and returns its plaintext, verifying
// the CRC and, for encrypted/authenticated variants, decrypting or
// verifying the HMAC under key.
func Decode(framed []byte, key *Key) ([]byte, error) {
	if len(framed) < 8 {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	}
	var magic Magic
	copy(magic[:], framed[:8])
	variant := variantOf(magic)
	if variant == VariantUnknown {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	}
	rest := framed[8:]

	switch {
	case variant.isEncrypted():
		return decodeEncrypted(rest, key, variant)
	case variant.isAuthenticated():
		return decodeAuthenticated(rest, key, variant)
	default:
		return decodePlain(rest, variant)
	}
}

func decodePlain(rest []byte, variant Variant) ([]byte, error) {
	if len(rest) < 4 {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
	}
	crc := binary.LittleEndian.Uint32(rest[:4])
	payload := rest[4:]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCrcMismatch)
	}
	return maybeDecompress(payload, variant.isCompressed())
}

func decodeAuthenticated(rest []byte, key *Key, variant Variant) ([]byte, error) {
	if key == nil {
		return nil, vaulterr.New(vaulterr.Invalid, ErrKeyMissing)
	}
	if len(rest) < 4+hmacSize {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
	}
	crc := binary.LittleEndian.Uint32(rest[:4])
	tag := rest[4 : 4+hmacSize]
	payload := rest[4+hmacSize:]

	if crc32.ChecksumIEEE(payload) != crc {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCrcMismatch)
	}

	mac := hmac.New(sha256.New, key.HMACKey[:])
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return nil, vaulterr.New(vaulterr.AuthFailure, ErrAuthFailure)
	}
	return maybeDecompress(payload, variant.isCompressed())
}

func decodeEncrypted(rest []byte, key *Key, variant Variant) ([]byte, error) {
	if key == nil {
		return nil, vaulterr.New(vaulterr.Invalid, ErrKeyMissing)
	}
	if len(rest) < 4+ivSize+tagSize {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
	}
	crc := binary.LittleEndian.Uint32(rest[:4])
	iv := rest[4 : 4+ivSize]
	tag := rest[4+ivSize : 4+ivSize+tagSize]
	ciphertext := rest[4+ivSize+tagSize:]

	if crc32.ChecksumIEEE(ciphertext) != crc {
		return nil, vaulterr.New(vaulterr.Corrupt, ErrCrcMismatch)
	}

	block, err := aes.NewCipher(key.EncKey[:])
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	payload, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.AuthFailure, ErrAuthFailure)
	}
	return maybeDecompress(payload, variant.isCompressed())
}

func maybeDecompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	out, err := decoderPool.DecodeAll(payload, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Corrupt, fmt.Errorf("%w: %v", ErrCorruptPayload, err))
	}
	return out, nil
}

// VerifyCRC checks the CRC stored in a framed blob/chunk without
// touching the cipher: for encrypted variants this covers the stored
// ciphertext, for everything else the plaintext (or compressed)
// payload. It is O(size) and used by the verify engine for variants it
// cannot otherwise authenticate without a key. It does not prove the
// plaintext is intact on its own for encrypted variants; Decode's AEAD
// tag check is what guarantees that once a key is available.
func VerifyCRC(framed []byte) error {
	if len(framed) < 8 {
		return vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	}
	var magic Magic
	copy(magic[:], framed[:8])
	variant := variantOf(magic)
	if variant == VariantUnknown {
		return vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	}
	rest := framed[8:]
	if len(rest) < 4 {
		return vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
	}
	crc := binary.LittleEndian.Uint32(rest[:4])

	var payload []byte
	switch {
	case variant.isEncrypted():
		if len(rest) < 4+ivSize+tagSize {
			return vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
		}
		payload = rest[4+ivSize+tagSize:]
	case variant.isAuthenticated():
		if len(rest) < 4+hmacSize {
			return vaulterr.New(vaulterr.Corrupt, ErrCorruptPayload)
		}
		payload = rest[4+hmacSize:]
	default:
		payload = rest[4:]
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return vaulterr.New(vaulterr.Corrupt, ErrCrcMismatch)
	}
	return nil
}

// CryptMode classifies how a framed blob or chunk is protected.
type CryptMode int

const (
	CryptNone     CryptMode = iota // plain or compressed only
	CryptSignOnly                  // HMAC-authenticated, plaintext payload
	CryptEncrypt                   // AES-256-GCM encrypted
)

func (m CryptMode) String() string {
	switch m {
	case CryptSignOnly:
		return "sign-only"
	case CryptEncrypt:
		return "encrypt"
	default:
		return "none"
	}
}

// CryptModeOf reports a framed blob/chunk's protection, dispatching on
// the magic alone without touching the payload.
func CryptModeOf(framed []byte) (CryptMode, error) {
	if len(framed) < 8 {
		return CryptNone, vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	}
	var magic Magic
	copy(magic[:], framed[:8])
	variant := variantOf(magic)
	switch {
	case variant == VariantUnknown:
		return CryptNone, vaulterr.New(vaulterr.Corrupt, ErrWrongMagic)
	case variant.isEncrypted():
		return CryptEncrypt, nil
	case variant.isAuthenticated():
		return CryptSignOnly, nil
	default:
		return CryptNone, nil
	}
}

// MagicOf reports the Magic at the start of framed, for callers that
// only need to dispatch without decoding.
func MagicOf(framed []byte) (Magic, bool) {
	if len(framed) < 8 {
		return Magic{}, false
	}
	var m Magic
	copy(m[:], framed[:8])
	if bytes.Equal(m[:], make([]byte, 8)) {
		return m, false
	}
	return m, true
}
