package vrpstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleRPKIClient = `{"roas":[
  {"asn":"AS13335","prefix":"1.1.1.0/24","maxLength":24,"ta":"arin"},
  {"asn":"AS7922","prefix":"10.0.0.0/8","maxLength":16,"ta":"arin"}
]}`

const sampleRoutinator = `{"validated-roa-payloads":[
  {"asn":"AS13335","prefix":"1.1.1.0/24","max-length":24,"ta":"arin"}
]}`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vrp.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFromAutoDetectsRPKIClient(t *testing.T) {
	path := writeTemp(t, sampleRPKIClient)
	ds, err := LoadFrom(path, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(ds.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(ds.Entries))
	}
	if ds.SourceFormat != FormatRPKIClient {
		t.Errorf("SourceFormat = %q, want %q", ds.SourceFormat, FormatRPKIClient)
	}
}

func TestLoadFromAutoDetectsRoutinator(t *testing.T) {
	path := writeTemp(t, sampleRoutinator)
	ds, err := LoadFrom(path, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(ds.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(ds.Entries))
	}
	if ds.SourceFormat != FormatRoutinator {
		t.Errorf("SourceFormat = %q, want %q", ds.SourceFormat, FormatRoutinator)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	if _, err := LoadFrom("/nonexistent/vrp.json", FormatAuto); err == nil {
		t.Fatal("LoadFrom() = nil error, want DataError")
	}
}

func TestLookupCoveringFindsExactAndSupernet(t *testing.T) {
	path := writeTemp(t, sampleRPKIClient)
	ds, err := LoadFrom(path, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	covering, err := ds.LookupCovering("1.1.1.0/24")
	if err != nil {
		t.Fatalf("LookupCovering() error = %v", err)
	}
	if len(covering) != 1 || covering[0].ASN != 13335 {
		t.Fatalf("LookupCovering(1.1.1.0/24) = %+v, want single AS13335 entry", covering)
	}

	none, err := ds.LookupCovering("2.2.2.0/24")
	if err != nil {
		t.Fatalf("LookupCovering() error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("LookupCovering(2.2.2.0/24) = %+v, want empty", none)
	}
}

func TestIsStale(t *testing.T) {
	ds := &Dataset{GeneratedTime: time.Now().UTC().Add(-2 * time.Hour)}
	if !ds.IsStale(time.Hour) {
		t.Error("IsStale(1h) = false, want true for a 2h-old dataset")
	}
	if ds.IsStale(3 * time.Hour) {
		t.Error("IsStale(3h) = true, want false for a 2h-old dataset")
	}
}

func TestSaveLoadRoundTripIsIdempotent(t *testing.T) {
	path := writeTemp(t, sampleRPKIClient)
	ds, err := LoadFrom(path, FormatAuto)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	savedPath := filepath.Join(t.TempDir(), "cache.json")
	if err := ds.Save(savedPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	first, err := os.ReadFile(savedPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	reloaded, err := LoadFrom(savedPath, FormatCached)
	if err != nil {
		t.Fatalf("LoadFrom(cached) error = %v", err)
	}
	reloaded.GeneratedTime = ds.GeneratedTime
	if err := reloaded.Save(savedPath); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	second, err := os.ReadFile(savedPath)
	if err != nil {
		t.Fatalf("ReadFile() second error = %v", err)
	}
	if string(first) != string(second) {
		t.Error("Save/Load/Save round-trip is not byte-equal")
	}
}
