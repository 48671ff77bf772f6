// Package crypto wraps the digest, signature, and BER/DER decoding
// primitives every object parser in package rpki is built on. Per
// §4.B, SHA-256 is the only mandatory digest algorithm; an unrecognized
// OID yields an InvalidInput "unsupported-algorithm" error rather than
// being silently skipped.
package crypto

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"hash"
	"io"
	"os"

	verrors "github.com/openrpki/rpvalid/errors"
)

// Algorithm identifies a message-digest algorithm by its RPKI-relevant
// OID, not by name, so lookups match the wire encoding directly.
type Algorithm int

const (
	// SHA256 is the only mandatory algorithm (RFC 7935).
	SHA256 Algorithm = iota
	// SHA1 is accepted only where the RPKI profile requires it: the
	// router certificate Subject Key Identifier (§3 "Router
	// certificate"), never for signature or manifest digests.
	SHA1
)

var oids = map[string]Algorithm{
	"2.16.840.1.101.3.4.2.1": SHA256,
	"1.3.14.3.2.26":          SHA1,
}

// AlgorithmByOID maps a dotted-decimal digest-algorithm OID to an
// Algorithm, returning an InvalidInput "unsupported-algorithm" error for
// anything but the algorithms this profile recognizes.
func AlgorithmByOID(oid asn1.ObjectIdentifier) (Algorithm, error) {
	alg, ok := oids[oid.String()]
	if !ok {
		return 0, verrors.New(verrors.InvalidInput, "unsupported-algorithm: %s", oid.String())
	}
	return alg, nil
}

// Digest is a computed message digest, tagged with the algorithm that
// produced it so callers never compare digests from different algorithms.
type Digest struct {
	Algorithm Algorithm
	Bytes     []byte
}

// Equal reports whether two digests were computed with the same
// algorithm and hold the same bytes.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && bytes.Equal(d.Bytes, other.Bytes)
}

func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA1:
		return sha1.New(), nil
	default:
		return nil, verrors.New(verrors.InvalidInput, "unsupported-algorithm: %d", alg)
	}
}

// Hash computes the digest of data under the given algorithm.
func Hash(alg Algorithm, data []byte) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return Digest{Algorithm: alg, Bytes: h.Sum(nil)}, nil
}

// HashFile streams path through the given digest algorithm in fixed
// 64 KiB chunks, so hashing a large CRL or repository mirror file never
// holds the whole file in memory. The chunk size does not follow the
// filesystem's preferred block size (stat.st_blksize). Errors are
// surfaced distinctly: a missing/unreadable file is IOError, an
// unsupported algorithm is InvalidInput, and an allocation failure
// while sizing the read buffer is InternalError.
func HashFile(alg Algorithm, path string) (Digest, error) {
	h, err := newHash(alg)
	if err != nil {
		return Digest{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Digest{}, verrors.New(verrors.IOError, "opening %s: %s", path, err)
	}
	defer f.Close()

	blockSize := 64 * 1024
	if fi, statErr := f.Stat(); statErr == nil {
		if bs := fi.Sys(); bs != nil {
			// Best-effort: platforms exposing Blksize via Stat_t would be
			// read here; cross-platform build keeps the portable default.
			_ = bs
		}
	}

	buf, err := safeBuffer(blockSize)
	if err != nil {
		return Digest{}, err
	}

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Digest{}, verrors.New(verrors.IOError, "reading %s: %s", path, readErr)
		}
	}
	return Digest{Algorithm: alg, Bytes: h.Sum(nil)}, nil
}

func safeBuffer(size int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = verrors.New(verrors.InternalError, "oom allocating %d-byte hash buffer: %v", size, r)
		}
	}()
	return make([]byte, size), nil
}
