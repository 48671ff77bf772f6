package validator

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeTAL(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing TAL fixture: %s", err)
	}
	return path
}

func TestLoadTALSingleURI(t *testing.T) {
	dir := t.TempDir()
	spki := base64.StdEncoding.EncodeToString([]byte("fake-spki-bytes"))
	path := writeTAL(t, dir, "afrinic.tal", "rsync://rpki.afrinic.net/repository/AfriNIC.cer\n\n"+spki+"\n")

	tal, err := LoadTAL(path)
	if err != nil {
		t.Fatalf("LoadTAL: %s", err)
	}
	if tal.Name != "afrinic" {
		t.Errorf("Name = %q, want %q", tal.Name, "afrinic")
	}
	if len(tal.URIs) != 1 || tal.URIs[0] != "rsync://rpki.afrinic.net/repository/AfriNIC.cer" {
		t.Errorf("URIs = %v", tal.URIs)
	}
	if string(tal.SPKI) != "fake-spki-bytes" {
		t.Errorf("SPKI = %q, want %q", tal.SPKI, "fake-spki-bytes")
	}
}

func TestLoadTALMultipleURIsAndWrappedSPKI(t *testing.T) {
	dir := t.TempDir()
	spki := base64.StdEncoding.EncodeToString([]byte("another-fake-spki-blob-long-enough-to-wrap"))
	// Split the base64 across two lines, as TAL files from most RIRs do.
	half := len(spki) / 2
	content := "rsync://rpki.ripe.net/repository/ripe-ncc-ta.cer\n" +
		"https://rpki.ripe.net/ta/ripe-ncc-ta.cer\n\n" +
		spki[:half] + "\n" + spki[half:] + "\n"
	path := writeTAL(t, dir, "ripe.tal", content)

	tal, err := LoadTAL(path)
	if err != nil {
		t.Fatalf("LoadTAL: %s", err)
	}
	if len(tal.URIs) != 2 {
		t.Fatalf("URIs = %v, want 2 entries", tal.URIs)
	}
	if tal.URIs[0] != "rsync://rpki.ripe.net/repository/ripe-ncc-ta.cer" {
		t.Errorf("URIs[0] = %q", tal.URIs[0])
	}
	if tal.URIs[1] != "https://rpki.ripe.net/ta/ripe-ncc-ta.cer" {
		t.Errorf("URIs[1] = %q", tal.URIs[1])
	}
	want, _ := base64.StdEncoding.DecodeString(spki)
	if string(tal.SPKI) != string(want) {
		t.Errorf("SPKI decoded mismatch")
	}
}

func TestLoadTALMissingBlankLineSeparator(t *testing.T) {
	dir := t.TempDir()
	spki := base64.StdEncoding.EncodeToString([]byte("fake-spki"))
	// No blank line between the URI and the SPKI: everything folds into
	// one undifferentiated "URI" line and the SPKI section is empty.
	path := writeTAL(t, dir, "broken.tal", "rsync://rpki.example.net/ta.cer\n"+spki+"\n")

	_, err := LoadTAL(path)
	if err == nil {
		t.Fatalf("expected error for missing blank-line separator")
	}
}

func TestLoadTALInvalidBase64(t *testing.T) {
	dir := t.TempDir()
	path := writeTAL(t, dir, "badkey.tal", "rsync://rpki.example.net/ta.cer\n\nnot-valid-base64!!!\n")

	_, err := LoadTAL(path)
	if err == nil {
		t.Fatalf("expected error for invalid base64 SubjectPublicKeyInfo")
	}
}

func TestLoadTALNoURIs(t *testing.T) {
	dir := t.TempDir()
	spki := base64.StdEncoding.EncodeToString([]byte("fake-spki"))
	path := writeTAL(t, dir, "empty.tal", "\n"+spki+"\n")

	_, err := LoadTAL(path)
	if err == nil {
		t.Fatalf("expected error for a TAL file with no URIs")
	}
}

func TestLoadTALDirLoadsOnlyDotTalFiles(t *testing.T) {
	dir := t.TempDir()
	spki := base64.StdEncoding.EncodeToString([]byte("fake-spki-one"))
	writeTAL(t, dir, "afrinic.tal", "rsync://rpki.afrinic.net/ta.cer\n\n"+spki+"\n")
	spki2 := base64.StdEncoding.EncodeToString([]byte("fake-spki-two"))
	writeTAL(t, dir, "lacnic.tal", "rsync://repository.lacnic.net/ta.cer\n\n"+spki2+"\n")
	writeTAL(t, dir, "README.md", "this is not a TAL file")

	tals, err := LoadTALDir(dir)
	if err != nil {
		t.Fatalf("LoadTALDir: %s", err)
	}
	if len(tals) != 2 {
		t.Fatalf("loaded %d TALs, want 2: %+v", len(tals), tals)
	}
	names := map[string]bool{}
	for _, tal := range tals {
		names[tal.Name] = true
	}
	if !names["afrinic"] || !names["lacnic"] {
		t.Errorf("loaded TAL names = %v, want afrinic and lacnic", names)
	}
}

func TestLoadTALDirEmptyDirectoryIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTALDir(dir)
	if err == nil {
		t.Fatalf("expected error for a directory with no .tal files")
	}
}

func TestLoadTALDirMissingDirectory(t *testing.T) {
	_, err := LoadTALDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatalf("expected error for a missing TAL directory")
	}
}
