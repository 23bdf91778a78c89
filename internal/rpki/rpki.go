// Package rpki implements RFC 6811 tri-state origin validation for
// (prefix, ASN) pairs against a loaded VRP dataset, with an allowlist
// overlay and parallel chunked validation.
package rpki

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"time"

	"github.com/networksandchill/otto-bgp/internal/vrpstore"
)

// State is the tri-state (plus ERROR) validation result.
type State string

const (
	Valid    State = "VALID"
	Invalid  State = "INVALID"
	NotFound State = "NOTFOUND"
	Error    State = "ERROR"
)

// Result is the outcome of validating a single (prefix, asn) pair.
type Result struct {
	Prefix      string
	ASN         uint32
	State       State
	Reason      string
	CoveringVRP *vrpstore.Entry
	Allowlisted bool
}

// Validator performs origin validation against a hot-swappable VRP
// dataset with an allowlist overlay.
type Validator struct {
	dataset    *vrpstore.Dataset
	maxAge     time.Duration
	failClosed bool
	allowlist  *Allowlist
}

// New constructs a Validator. dataset may be nil (no dataset loaded yet).
func New(dataset *vrpstore.Dataset, maxAge time.Duration, failClosed bool, allowlist *Allowlist) *Validator {
	return &Validator{dataset: dataset, maxAge: maxAge, failClosed: failClosed, allowlist: allowlist}
}

// SetDataset replaces the active dataset (hot-swap on reload). The
// replacement is a plain field write, not synchronized with validations
// running on other goroutines.
func (v *Validator) SetDataset(dataset *vrpstore.Dataset) {
	v.dataset = dataset
}

// ValidatePrefixOrigin validates a single (prefix, asn) pair per §4.2's
// core algorithm.
func (v *Validator) ValidatePrefixOrigin(prefix string, asn uint32) Result {
	if v.dataset == nil {
		return v.unavailable(prefix, asn, "no VRP dataset loaded")
	}
	if v.dataset.IsStale(v.maxAge) {
		return v.unavailable(prefix, asn, "VRP dataset is stale")
	}

	covering, err := v.dataset.LookupCovering(prefix)
	if err != nil {
		return Result{Prefix: prefix, ASN: asn, State: Error, Reason: err.Error()}
	}

	prefixLen, err := prefixLength(prefix)
	if err != nil {
		return Result{Prefix: prefix, ASN: asn, State: Error, Reason: err.Error()}
	}

	var lengthOK, lengthBad []*vrpstore.Entry
	for _, c := range covering {
		if prefixLen <= int(c.MaxLength) {
			lengthOK = append(lengthOK, c)
		} else {
			lengthBad = append(lengthBad, c)
		}
	}

	if len(covering) == 0 {
		r := Result{Prefix: prefix, ASN: asn, State: NotFound}
		if v.allowlist != nil && v.allowlist.Contains(prefix, asn) {
			r.Allowlisted = true
		}
		return r
	}

	// length_ok dominates when present (RFC 6811-aligned resolution):
	// evaluate against length_ok regardless of length_bad's presence.
	if len(lengthOK) == 0 {
		return Result{Prefix: prefix, ASN: asn, State: Invalid, Reason: "no covering VRP permits this prefix length", CoveringVRP: lengthBad[0]}
	}

	for _, c := range lengthOK {
		if c.ASN == asn {
			return Result{Prefix: prefix, ASN: asn, State: Valid, CoveringVRP: c}
		}
	}
	return Result{Prefix: prefix, ASN: asn, State: Invalid, Reason: "origin ASN does not match any covering VRP", CoveringVRP: lengthOK[0]}
}

func (v *Validator) unavailable(prefix string, asn uint32, reason string) Result {
	if v.failClosed {
		return Result{Prefix: prefix, ASN: asn, State: Error, Reason: reason}
	}
	return Result{Prefix: prefix, ASN: asn, State: NotFound, Reason: reason + " (fail-open)"}
}

var cidrPattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2})\b`)

// ValidatePolicyPrefixes extracts every IPv4 CIDR from a policy body via strict
// pattern match and validates each against the policy's origin AS.
func (v *Validator) ValidatePolicyPrefixes(policyBody string, asn uint32) []Result {
	matches := cidrPattern.FindAllString(policyBody, -1)
	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = v.ValidatePrefixOrigin(m, asn)
	}
	return results
}

// ValidatePrefixesParallel validates prefixes against a single origin ASN,
// parallelized across a bounded worker pool. Results are returned in input
// order. Sequential when len(prefixes) <= 10.
func (v *Validator) ValidatePrefixesParallel(ctx context.Context, prefixes []string, asn uint32, chunkSize, maxWorkers int) []Result {
	results := make([]Result, len(prefixes))

	if len(prefixes) <= 10 {
		for i, p := range prefixes {
			select {
			case <-ctx.Done():
				results[i] = Result{Prefix: p, ASN: asn, State: Error, Reason: ctx.Err().Error()}
			default:
				results[i] = v.ValidatePrefixOrigin(p, asn)
			}
		}
		return results
	}

	if chunkSize <= 0 {
		chunkSize = 50
	}
	type chunk struct{ start, end int }
	var chunks []chunk
	for start := 0; start < len(prefixes); start += chunkSize {
		end := start + chunkSize
		if end > len(prefixes) {
			end = len(prefixes)
		}
		chunks = append(chunks, chunk{start, end})
	}

	workers := maxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > 8 {
		workers = 8
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	done := make(chan struct{}, len(chunks))

	for _, c := range chunks {
		sem <- struct{}{}
		go func(c chunk) {
			defer func() { <-sem; done <- struct{}{} }()
			for i := c.start; i < c.end; i++ {
				select {
				case <-ctx.Done():
					results[i] = Result{Prefix: prefixes[i], ASN: asn, State: Error, Reason: ctx.Err().Error()}
				default:
					results[i] = v.ValidatePrefixOrigin(prefixes[i], asn)
				}
			}
		}(c)
	}
	for range chunks {
		<-done
	}
	return results
}

func prefixLength(cidr string) (int, error) {
	parts := regexp.MustCompile(`/(\d{1,2})$`).FindStringSubmatch(cidr)
	if len(parts) != 2 {
		return 0, fmt.Errorf("rpki: malformed CIDR %q", cidr)
	}
	var n int
	if _, err := fmt.Sscanf(parts[1], "%d", &n); err != nil {
		return 0, fmt.Errorf("rpki: malformed CIDR length %q: %w", cidr, err)
	}
	return n, nil
}

// allowlistKey is a comparable (prefix, asn) pair used as a map key.
type allowlistKey struct {
	prefix string
	asn    uint32
}

// Allowlist overlays (prefix, asn) tuples onto NOTFOUND results.
type Allowlist struct {
	path    string
	entries map[allowlistKey]bool
}

type allowlistFile struct {
	Entries []struct {
		Prefix string `json:"prefix"`
		ASN    uint32 `json:"asn"`
	} `json:"entries"`
	GeneratedTime time.Time `json:"generated_time"`
}

// LoadAllowlist reads an allowlist JSON file. A missing file is not an
// error — it yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	a := &Allowlist{path: path, entries: map[allowlistKey]bool{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rpki.LoadAllowlist: %w", err)
	}
	var f allowlistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rpki.LoadAllowlist: parse: %w", err)
	}
	for _, e := range f.Entries {
		a.entries[allowlistKey{e.Prefix, e.ASN}] = true
	}
	return a, nil
}

// Contains reports whether (prefix, asn) is present in the allowlist.
func (a *Allowlist) Contains(prefix string, asn uint32) bool {
	if a == nil {
		return false
	}
	return a.entries[allowlistKey{prefix, asn}]
}

// Add inserts (prefix, asn) and atomically persists the allowlist.
func (a *Allowlist) Add(prefix string, asn uint32) error {
	a.entries[allowlistKey{prefix, asn}] = true
	return a.save()
}

func (a *Allowlist) save() error {
	f := allowlistFile{GeneratedTime: time.Now().UTC()}
	for key := range a.entries {
		f.Entries = append(f.Entries, struct {
			Prefix string `json:"prefix"`
			ASN    uint32 `json:"asn"`
		}{Prefix: key.prefix, ASN: key.asn})
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("rpki.Allowlist.save: marshal: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rpki.Allowlist.save: write: %w", err)
	}
	return os.Rename(tmp, a.path)
}
