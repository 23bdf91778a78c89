package rpki

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/networksandchill/otto-bgp/internal/vrpstore"
)

func mustDataset(t *testing.T, content string) *vrpstore.Dataset {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vrp.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ds, err := vrpstore.LoadFrom(path, vrpstore.FormatAuto)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return ds
}

const oneROA = `{"roas":[{"asn":"AS13335","prefix":"1.1.1.0/24","maxLength":24,"ta":"arin"}]}`

func TestValidatePrefixOriginValid(t *testing.T) {
	ds := mustDataset(t, oneROA)
	v := New(ds, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 13335)
	if r.State != Valid {
		t.Fatalf("State = %v, want VALID", r.State)
	}
}

func TestValidatePrefixOriginInvalidWrongASN(t *testing.T) {
	ds := mustDataset(t, oneROA)
	v := New(ds, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 64500)
	if r.State != Invalid {
		t.Fatalf("State = %v, want INVALID", r.State)
	}
}

func TestValidatePrefixOriginNotFound(t *testing.T) {
	ds := mustDataset(t, oneROA)
	v := New(ds, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("8.8.8.0/24", 13335)
	if r.State != NotFound {
		t.Fatalf("State = %v, want NOTFOUND", r.State)
	}
}

func TestValidatePrefixOriginLengthOKDominates(t *testing.T) {
	// Two covering VRPs: one permits the length (/24) for a different
	// ASN, one forbids it (max /16) for the queried ASN. length_ok
	// dominates: evaluate against it even though length_bad is non-empty.
	ds := mustDataset(t, `{"roas":[
		{"asn":"AS13335","prefix":"1.0.0.0/8","maxLength":24,"ta":"arin"},
		{"asn":"AS64500","prefix":"1.0.0.0/8","maxLength":16,"ta":"arin"}
	]}`)
	v := New(ds, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 13335)
	if r.State != Valid {
		t.Fatalf("State = %v, want VALID (length_ok dominates)", r.State)
	}
}

func TestValidatePrefixOriginFailClosedOnMissingDataset(t *testing.T) {
	v := New(nil, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 13335)
	if r.State != Error {
		t.Fatalf("State = %v, want ERROR under fail-closed", r.State)
	}
}

func TestValidatePrefixOriginFailOpenOnMissingDataset(t *testing.T) {
	v := New(nil, time.Hour, false, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 13335)
	if r.State != NotFound {
		t.Fatalf("State = %v, want NOTFOUND under fail-open", r.State)
	}
}

func TestValidatePrefixOriginStaleDataset(t *testing.T) {
	ds := mustDataset(t, oneROA)
	ds.GeneratedTime = time.Now().UTC().Add(-48 * time.Hour)
	v := New(ds, time.Hour, true, nil)
	r := v.ValidatePrefixOrigin("1.1.1.0/24", 13335)
	if r.State != Error {
		t.Fatalf("State = %v, want ERROR for stale dataset under fail-closed", r.State)
	}
}

func TestValidatePrefixesParallelPreservesOrder(t *testing.T) {
	ds := mustDataset(t, oneROA)
	v := New(ds, time.Hour, true, nil)

	prefixes := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		prefixes = append(prefixes, "1.1.1.0/24")
	}
	sequential := make([]Result, len(prefixes))
	for i, p := range prefixes {
		sequential[i] = v.ValidatePrefixOrigin(p, 13335)
	}

	parallel := v.ValidatePrefixesParallel(context.Background(), prefixes, 13335, 5, 4)
	if len(parallel) != len(sequential) {
		t.Fatalf("len(parallel) = %d, want %d", len(parallel), len(sequential))
	}
	for i := range sequential {
		if parallel[i].State != sequential[i].State {
			t.Fatalf("index %d: parallel=%v sequential=%v", i, parallel[i].State, sequential[i].State)
		}
	}
}

func TestAllowlistMarksNotFoundOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.json")
	al, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if err := al.Add("8.8.8.0/24", 13335); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ds := mustDataset(t, oneROA)
	v := New(ds, time.Hour, true, al)
	r := v.ValidatePrefixOrigin("8.8.8.0/24", 13335)
	if r.State != NotFound || !r.Allowlisted {
		t.Fatalf("Result = %+v, want NOTFOUND allowlisted=true", r)
	}
}

func TestLoadAllowlistMissingFileIsEmpty(t *testing.T) {
	al, err := LoadAllowlist("/nonexistent/allow.json")
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if al.Contains("1.1.1.0/24", 1) {
		t.Fatal("empty allowlist reports Contains = true")
	}
}
