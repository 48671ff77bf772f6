package rpki

import (
	"math/big"
	"time"

	asn1 "github.com/google/certificate-transparency-go/asn1"

	"github.com/openrpki/rpvalid/crypto"
	verrors "github.com/openrpki/rpvalid/errors"
)

// OidManifest is the eContentType a manifest's CMS envelope must carry
// (RFC 6486 §4.1).
var OidManifest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}

type fileAndHash struct {
	File string
	Hash asn1.BitString
}

type manifestContent struct {
	Version        int `asn1:"optional,default:0,tag:0"`
	ManifestNumber *big.Int
	ThisUpdate     time.Time `asn1:"generalized"`
	NextUpdate     time.Time `asn1:"generalized"`
	FileHashAlg    asn1.ObjectIdentifier
	FileList       []fileAndHash
}

// ManifestEntry is one file listed on a manifest, with its digest decoded
// out of the BIT STRING wire form.
type ManifestEntry struct {
	Filename string
	Digest   crypto.Digest
}

// Manifest is a parsed RFC 6486 manifest: the set of files a CA publishes
// in its repository directory, each with an expected digest, so the
// fetch layer can tell a withheld or substituted object from one that
// simply has not changed.
type Manifest struct {
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	HashAlg    crypto.Algorithm
	Entries    []ManifestEntry
}

// ParseManifest decodes a manifest's eContent (already extracted and
// verified by VerifySignedObject) into a Manifest. Filenames are checked
// for path-traversal characters here, at parse time, since §4.C treats
// an unsafe filename as a structural defect in the object, not a later
// fetch-layer concern.
func ParseManifest(eContent []byte) (*Manifest, error) {
	var mc manifestContent
	if _, err := asn1.Unmarshal(eContent, &mc); err != nil {
		return nil, verrors.New(verrors.InvalidInput, "manifest: %s", err)
	}
	if mc.Version != 0 {
		return nil, verrors.New(verrors.InvalidInput, "manifest: unsupported version %d", mc.Version)
	}
	alg, err := crypto.AlgorithmByOID(mc.FileHashAlg)
	if err != nil {
		return nil, err
	}
	if alg != crypto.SHA256 {
		return nil, verrors.New(verrors.InvalidInput, "manifest: fileHashAlg must be SHA-256")
	}

	entries := make([]ManifestEntry, 0, len(mc.FileList))
	seen := make(map[string]bool, len(mc.FileList))
	for _, fh := range mc.FileList {
		if !safeManifestFilename(fh.File) {
			return nil, verrors.NewForObject(verrors.InvalidInput, fh.File, "manifest entry has unsafe filename")
		}
		if seen[fh.File] {
			return nil, verrors.NewForObject(verrors.InvalidInput, fh.File, "duplicate manifest entry")
		}
		seen[fh.File] = true
		entries = append(entries, ManifestEntry{
			Filename: fh.File,
			Digest:   crypto.Digest{Algorithm: crypto.SHA256, Bytes: append([]byte{}, fh.Hash.Bytes...)},
		})
	}

	return &Manifest{
		Number:     mc.ManifestNumber,
		ThisUpdate: mc.ThisUpdate,
		NextUpdate: mc.NextUpdate,
		HashAlg:    alg,
		Entries:    entries,
	}, nil
}

// CheckFreshness rejects a manifest whose validity window does not cover
// now (§4.C "stale object" / §3 edge cases).
func (m *Manifest) CheckFreshness(now time.Time) error {
	if now.Before(m.ThisUpdate) {
		return verrors.New(verrors.StaleObject, "manifest not yet valid (thisUpdate in the future)")
	}
	if now.After(m.NextUpdate) {
		return verrors.New(verrors.StaleObject, "manifest past nextUpdate")
	}
	return nil
}

// safeManifestFilename rejects any entry that isn't a bare filename: no
// path separators, no ".." segments, nothing that could escape the
// repository directory it was fetched into.
func safeManifestFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
