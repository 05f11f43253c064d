package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	t.Parallel()
	var longLabel = strings.Repeat("a", 64) + ".com"
	var okName = strings.Join([]string{
		strings.Repeat("a", 63),
		strings.Repeat("b", 63),
		strings.Repeat("c", 63),
		strings.Repeat("d", 57),
	}, ".") + ".com" // 63*3 + 57 + 3 dots + 4 = 253, OK
	var tooLongName = "e" + okName // 254 bytes, rejects
	tc := []struct {
		name    string // name of test
		raw     string
		wantErr bool
		Err     error
		output  string
	}{
		// valid domain names
		{"valid-domain-1", "example.com", false, nil, "example.com"},
		{"valid-domain-2", "example.ORG.", false, nil, "example.org"},
		{"valid-domain-3", "bücher.example", false, nil, "xn--bcher-kva.example"},
		{"underscore-label", "_spf.Example.com", false, nil, "_spf.example.com"},
		{"max-length", okName, false, nil, okName},

		// single label domain
		{"single-label-1", "localhost", true, ErrSingleLabel, ""},
		{"single-label-2", "A2345678", true, ErrSingleLabel, ""},

		// empty label
		{"empty-lbl-1", "foo..bar.com", true, ErrEmptyLabel, ""},
		{"empty-lbl-2", ".bar.com", true, ErrEmptyLabel, ""},

		// top label
		{"hyphen-top-label", "foo-.-app-", true, ErrBadTopLabel, ""},
		{"numeric-tld", "example.123", true, ErrBadTopLabel, ""},
		{"literal", "[1.2.3.4]", true, ErrBadTopLabel, ""},

		// punycode round-trip
		{"puny-code-1", "xn--d1acufc.xn--p1ai", false, nil, "xn--d1acufc.xn--p1ai"},

		// label and name lengths
		{"long-label", longLabel, true, ErrLabelTooLong, ""},
		{"long-name", tooLongName, true, ErrDomainTooLong, ""},
	}

	for _, c := range tc {
		t.Run(c.name, func(t *testing.T) {
			domain, err := ValidateDomain(c.raw)
			if c.wantErr {
				require.ErrorIs(t, err, c.Err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.output, domain)
		})
	}
}

func TestIsTopLabel(t *testing.T) {
	cases := map[string]bool{
		"com":      true,
		"a1":       true,
		"1a":       true,
		"xn--p1ai": true,
		"1-2":      true,
		"123":      false,
		"-com":     false,
		"com-":     false,
		"co_m":     false,
		"":         false,
	}
	for l, want := range cases {
		assert.Equal(t, want, IsTopLabel(l), l)
	}
}

func TestTruncate(t *testing.T) {
	label := strings.Repeat("x", 60)
	long := strings.Repeat(label+".", 5) + "example.com" // 5*61 + 11 = 316
	got := Truncate(long)
	assert.LessOrEqual(t, len(got), MaxDomainLength)
	assert.True(t, strings.HasSuffix(got, ".example.com"))
	assert.False(t, strings.HasPrefix(got, "."))

	assert.Equal(t, "example.com", Truncate("example.com"))
	assert.Equal(t, "example.com.", Truncate("example.com."))
}

func TestIsSubdomain(t *testing.T) {
	cases := []struct {
		name, parent string
		want         bool
	}{
		{"mail.example.com", "example.com", true},
		{"example.com", "Example.COM.", true},
		{"badexample.com", "example.com", false},
		{"example.com", "mail.example.com", false},
		{"example.com", "", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsSubdomain(c.name, c.parent), c.name+" in "+c.parent)
	}
}
