package bgpq4

import (
	"testing"
)

func TestExtractPrefixesParsesJuniperStanza(t *testing.T) {
	text := `policy-options {
    prefix-list AS13335 {
        1.1.1.0/24;
        1.0.0.0/24;
    }
}`
	got := extractPrefixes(text)
	want := []string{"1.1.1.0/24", "1.0.0.0/24"}
	if len(got) != len(want) {
		t.Fatalf("extractPrefixes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("extractPrefixes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractPrefixesHandlesIPv6(t *testing.T) {
	text := `policy-options {
    prefix-list AS13335 {
        2001:db8::/32;
    }
}`
	got := extractPrefixes(text)
	if len(got) != 1 || got[0] != "2001:db8::/32" {
		t.Fatalf("extractPrefixes() = %v, want [2001:db8::/32]", got)
	}
}

func TestValidatePolicyNameRejectsShellMetacharacters(t *testing.T) {
	cases := []string{"AS13335", "AS13335; rm -rf /", "$(whoami)", "AS 1234", ""}
	wantOK := map[string]bool{"AS13335": true}
	for _, c := range cases {
		_, err := validatePolicyName(c)
		ok := err == nil
		if ok != wantOK[c] {
			t.Errorf("validatePolicyName(%q) ok = %v, want %v", c, ok, wantOK[c])
		}
	}
}

func TestParseASNumberAcceptsOptionalPrefix(t *testing.T) {
	cases := map[string]uint32{"65000": 65000, "AS65000": 65000, "as13335": 13335}
	for in, want := range cases {
		got, err := ParseASNumber(in)
		if err != nil {
			t.Fatalf("ParseASNumber(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseASNumber(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseASNumber("not-a-number"); err == nil {
		t.Fatal("ParseASNumber(\"not-a-number\") should error")
	}
	if _, err := ParseASNumber("99999999999999"); err == nil {
		t.Fatal("ParseASNumber with an out-of-range value should error")
	}
}
