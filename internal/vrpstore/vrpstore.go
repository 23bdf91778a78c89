// Package vrpstore loads, caches, and indexes Validated ROA Payload (VRP)
// datasets used by RPKI origin validation.
//
// Two source JSON formats are accepted on load and normalized to the
// canonical cache shape: the native rpki-client format ({"roas":[...]})
// and the routinator format ({"validated-roa-payloads":[...]}).
package vrpstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"time"
)

// SourceFormat identifies how a VRP dataset was produced.
type SourceFormat string

const (
	FormatAuto       SourceFormat = "auto"
	FormatRPKIClient SourceFormat = "rpki-client"
	FormatRoutinator SourceFormat = "routinator"
	FormatCached     SourceFormat = "cached"
)

// Entry is one Validated ROA Payload.
type Entry struct {
	ASN         uint32 `json:"asn"`
	Prefix      string `json:"prefix"`
	MaxLength   uint8  `json:"max_length"`
	TrustAnchor string `json:"ta"`

	network *net.IPNet // parsed once on load, never serialized
}

// Network returns the parsed CIDR for this entry. Populated by Load.
func (e *Entry) Network() *net.IPNet { return e.network }

// Dataset is a collection of VRP Entries with load metadata.
type Dataset struct {
	Entries       []Entry      `json:"vrp_entries"`
	GeneratedTime time.Time    `json:"generated_time"`
	SourceFormat  SourceFormat `json:"source_format"`
	ExpiresTime   *time.Time   `json:"expires_time,omitempty"`

	index map[string][]*Entry
}

// DataError indicates the VRP cache file was absent or unparseable.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("vrpstore: %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

type rpkiClientFile struct {
	ROAs []struct {
		ASN       string `json:"asn"`
		Prefix    string `json:"prefix"`
		MaxLength int    `json:"maxLength"`
		TA        string `json:"ta"`
	} `json:"roas"`
}

type routinatorFile struct {
	VRPs []struct {
		ASN       string `json:"asn"`
		Prefix    string `json:"prefix"`
		MaxLength int    `json:"max-length"`
		TA        string `json:"ta"`
	} `json:"validated-roa-payloads"`
}

// LoadFrom reads a VRP dataset from disk. format hints which source
// format to parse; FormatAuto detects by probing JSON field presence.
func LoadFrom(path string, format SourceFormat) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}

	detected := format
	if detected == FormatAuto || detected == "" {
		detected = detectFormat(data)
	}

	var entries []Entry
	switch detected {
	case FormatRPKIClient:
		entries, err = parseRPKIClient(data)
	case FormatRoutinator:
		entries, err = parseRoutinator(data)
	case FormatCached:
		var cached Dataset
		if err := json.Unmarshal(data, &cached); err != nil {
			return nil, &DataError{Path: path, Err: err}
		}
		entries = cached.Entries
	default:
		return nil, &DataError{Path: path, Err: fmt.Errorf("unrecognized VRP source format")}
	}
	if err != nil {
		return nil, &DataError{Path: path, Err: err}
	}

	ds := &Dataset{
		Entries:       validateEntries(entries),
		GeneratedTime: time.Now().UTC(),
		SourceFormat:  detected,
	}
	ds.buildIndex()
	return ds, nil
}

func detectFormat(data []byte) SourceFormat {
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) != nil {
		return FormatCached
	}
	if _, ok := probe["roas"]; ok {
		return FormatRPKIClient
	}
	if _, ok := probe["validated-roa-payloads"]; ok {
		return FormatRoutinator
	}
	return FormatCached
}

func parseRPKIClient(data []byte) ([]Entry, error) {
	var f rpkiClientFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(f.ROAs))
	for _, r := range f.ROAs {
		asn, ok := parseASN(r.ASN)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			ASN:         asn,
			Prefix:      r.Prefix,
			MaxLength:   uint8(r.MaxLength),
			TrustAnchor: r.TA,
		})
	}
	return entries, nil
}

func parseRoutinator(data []byte) ([]Entry, error) {
	var f routinatorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(f.VRPs))
	for _, r := range f.VRPs {
		asn, ok := parseASN(r.ASN)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			ASN:         asn,
			Prefix:      r.Prefix,
			MaxLength:   uint8(r.MaxLength),
			TrustAnchor: r.TA,
		})
	}
	return entries, nil
}

func parseASN(s string) (uint32, bool) {
	var n uint32
	_, err := fmt.Sscanf(s, "AS%d", &n)
	if err == nil {
		return n, true
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return n, true
	}
	return 0, false
}

// validateEntries discards entries with an unparseable prefix or out of
// range max_length, logging is left to the caller (this function is pure).
func validateEntries(in []Entry) []Entry {
	out := make([]Entry, 0, len(in))
	for i := range in {
		e := in[i]
		_, ipnet, err := net.ParseCIDR(e.Prefix)
		if err != nil {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		if int(e.MaxLength) < ones || e.MaxLength > 32 {
			continue
		}
		e.network = ipnet
		out = append(out, e)
	}
	return out
}

// buildIndex constructs the supernet-walk containment index keyed on
// network address string.
func (d *Dataset) buildIndex() {
	idx := make(map[string][]*Entry, len(d.Entries))
	for i := range d.Entries {
		e := &d.Entries[i]
		if e.network == nil {
			_, ipnet, err := net.ParseCIDR(e.Prefix)
			if err != nil {
				continue
			}
			e.network = ipnet
		}
		key := e.network.IP.String()
		idx[key] = append(idx[key], e)
	}
	d.index = idx
}

// LookupCovering returns every VRP Entry whose prefix covers the query
// prefix (including equality). Walks candidate supernet lengths of the
// query prefix and checks containment at each candidate network address.
func (d *Dataset) LookupCovering(prefix string) ([]*Entry, error) {
	_, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return nil, fmt.Errorf("vrpstore.LookupCovering: %w", err)
	}

	ones, bits := ipnet.Mask.Size()
	var results []*Entry
	for l := ones; l >= 0; l-- {
		mask := net.CIDRMask(l, bits)
		supernet := &net.IPNet{IP: ipnet.IP.Mask(mask), Mask: mask}
		candidates, ok := d.index[supernet.IP.String()]
		if !ok {
			continue
		}
		for _, c := range candidates {
			cOnes, _ := c.network.Mask.Size()
			if cOnes == l && c.network.Contains(ipnet.IP) {
				results = append(results, c)
			}
		}
	}
	return results, nil
}

// IsStale reports whether the dataset should be treated as expired,
// either because it exceeds maxAge or has passed its explicit expiry.
func (d *Dataset) IsStale(maxAge time.Duration) bool {
	if d.ExpiresTime != nil && time.Now().UTC().After(*d.ExpiresTime) {
		return true
	}
	return time.Since(d.GeneratedTime) > maxAge
}

// Save writes the dataset back to path in canonical form: entries sorted
// deterministically by (asn, prefix, max_length) so repeated Load/Save
// round-trips are byte-equal.
func (d *Dataset) Save(path string) error {
	sorted := make([]Entry, len(d.Entries))
	copy(sorted, d.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ASN != sorted[j].ASN {
			return sorted[i].ASN < sorted[j].ASN
		}
		if sorted[i].Prefix != sorted[j].Prefix {
			return sorted[i].Prefix < sorted[j].Prefix
		}
		return sorted[i].MaxLength < sorted[j].MaxLength
	})

	out := Dataset{
		Entries:       sorted,
		GeneratedTime: d.GeneratedTime,
		SourceFormat:  FormatCached,
		ExpiresTime:   d.ExpiresTime,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("vrpstore.Save: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vrpstore.Save: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vrpstore.Save: rename: %w", err)
	}
	return nil
}
