package validator

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	verrors "github.com/openrpki/rpvalid/errors"
)

// TAL is a parsed Trust Anchor Locator: one or more equivalent URIs for
// fetching the trust anchor certificate, and the SubjectPublicKeyInfo the
// fetched certificate must carry, per §6 "TAL file".
type TAL struct {
	Name string
	URIs []string
	SPKI []byte
}

// LoadTAL parses a TAL file: one or more URIs (one per line), a blank
// line, then a base64-encoded SubjectPublicKeyInfo, optionally
// line-wrapped.
func LoadTAL(path string) (*TAL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verrors.IOErrorf("reading TAL %s: %s", path, err)
	}
	lines := strings.Split(string(data), "\n")

	var uris []string
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			break
		}
		uris = append(uris, line)
	}
	if len(uris) == 0 {
		return nil, verrors.InvalidInputError("TAL %s: no URIs found", path)
	}

	b64 := strings.TrimSpace(strings.Join(lines[i:], ""))
	if b64 == "" {
		return nil, verrors.InvalidInputError("TAL %s: no SubjectPublicKeyInfo found", path)
	}
	spki, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, verrors.InvalidInputError("TAL %s: decoding SubjectPublicKeyInfo: %s", path, err)
	}

	return &TAL{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		URIs: uris,
		SPKI: spki,
	}, nil
}

// LoadTALDir loads every ".tal" file in dir.
func LoadTALDir(dir string) ([]*TAL, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, verrors.IOErrorf("reading TAL directory %s: %s", dir, err)
	}
	var tals []*TAL
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tal") {
			continue
		}
		tal, err := LoadTAL(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		tals = append(tals, tal)
	}
	if len(tals) == 0 {
		return nil, verrors.New(verrors.Fatal, "no TAL files found in %s", dir)
	}
	return tals, nil
}
