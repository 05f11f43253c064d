package parser

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ========= core AST types ========= //

// Qualifier represents the prefix modifier for a mechanism as defined in
// RFC 7208 section 4.6.  It controls how a match affects the overall result.
type Qualifier rune

const (
	QPlus  Qualifier = '+' // pass
	QMinus Qualifier = '-' // fail
	QTilde Qualifier = '~' // softfail
	QMark  Qualifier = '?' // neutral
)

// Kind identifies one of the eight mechanisms of RFC 7208 section 5.  The set
// is closed; evaluators switch over it exhaustively.
type Kind int

const (
	KindAll Kind = iota
	KindInclude
	KindA
	KindMX
	KindPTR
	KindIP4
	KindIP6
	KindExists
)

var kindNames = [...]string{
	KindAll:     "all",
	KindInclude: "include",
	KindA:       "a",
	KindMX:      "mx",
	KindPTR:     "ptr",
	KindIP4:     "ip4",
	KindIP6:     "ip6",
	KindExists:  "exists",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// NeedsDNS reports whether the mechanism counts against the limit of ten
// DNS-querying terms (RFC 7208 section 4.6.4).
func (k Kind) NeedsDNS() bool {
	switch k {
	case KindInclude, KindA, KindMX, KindPTR, KindExists:
		return true
	}
	return false
}

// Modifier represents a key=value term such as "redirect" or "exp" from
// RFC 7208 section 6.  The value may contain macros which are expanded during
// evaluation.
type Modifier struct {
	Name  string // "redirect" / "exp" / anything-else, lower-case
	Value string // raw RHS (may contain macros)
	Macro bool   // value contains at least one '%'
}

// Mechanism describes one mechanism term in an SPF record.  The fields are
// populated according to the specific mechanism type as defined in RFC 7208
// section 5.
type Mechanism struct {
	Qual   Qualifier
	Kind   Kind
	Net    *net.IPNet // only ip4/ip6 set this
	Domain string     // a, mx, ptr, include, exists; "" = current domain
	Mask4  int        // a/mx ip4-cidr-length, -1 when absent
	Mask6  int        // a/mx ip6-cidr-length, -1 when absent
	Macro  bool       // Domain contains at least one '%'
}

// String renders the mechanism back into record syntax, for logs and
// results.  The default "+" qualifier is omitted.
func (m Mechanism) String() string {
	var b strings.Builder
	if m.Qual != QPlus && m.Qual != 0 {
		b.WriteRune(rune(m.Qual))
	}
	b.WriteString(m.Kind.String())
	switch m.Kind {
	case KindIP4, KindIP6:
		if m.Net != nil {
			b.WriteByte(':')
			b.WriteString(m.Net.String())
		}
		return b.String()
	}
	if m.Domain != "" {
		b.WriteByte(':')
		b.WriteString(m.Domain)
	}
	if m.Mask4 >= 0 && (m.Kind == KindA || m.Kind == KindMX) {
		b.WriteString("/" + strconv.Itoa(m.Mask4))
	}
	if m.Mask6 >= 0 && (m.Kind == KindA || m.Kind == KindMX) {
		b.WriteString("//" + strconv.Itoa(m.Mask6))
	}
	return b.String()
}

// Record holds a parsed SPF record.
type Record struct {
	Mechs    []Mechanism
	Redirect *Modifier // nil or the modifier
	Exp      *Modifier
	Unknown  []Modifier
}

// Errors returned by Parse.  All of them make the record unusable and are
// reported as permerror by the evaluator.
var (
	ErrSyntax            = errors.New("spf syntax error")
	ErrNotSPF            = errors.New("missing v=spf1")
	ErrUnknownMechanism  = errors.New("unknown mechanism")
	ErrMissingDomain     = errors.New("mechanism requires a domain-spec")
	ErrDuplicateModifier = errors.New("duplicate modifier")
	ErrNotModifier       = errors.New("-not-modifier")
)

type mechParser func(q Qualifier, args string) (*Mechanism, error)

// mechanism parsers keyed by the lower-case mechanism name
var mechParsers = map[string]mechParser{
	"all":     parseAll,
	"include": parseInclude,
	"a":       parseA,
	"mx":      parseMX,
	"ptr":     parsePTR,
	"ip4":     parseIP4,
	"ip6":     parseIP6,
	"exists":  parseExists,
}

/* ========= public parser entry-point ========= */

// Parse checks the record syntax defined in RFC 7208 section 4.6 and returns a
// structured representation.  The whole record is checked before anything is
// evaluated, so a syntax error anywhere makes the record unusable even when an
// earlier mechanism would have matched.
//
// The function performs no DNS lookups or macro expansion; evaluation
// according to section 5 is handled elsewhere.
func Parse(rawTXT string) (*Record, error) {
	tokens, tokErr := tokenizer(rawTXT)
	if tokErr != nil {
		return nil, tokErr
	}

	record := &Record{}
	for _, tok := range tokens {
		// parse mod first if not mod, then it's a mechanism.
		// redirect and exp must not appear more than once (section 6);
		// unrecognised modifiers are validated and kept as Unknown.
		mod, modErr := parserModifier(tok)
		if modErr == nil {
			switch mod.Name {
			case "redirect":
				if record.Redirect != nil {
					return nil, fmt.Errorf("%w: redirect", ErrDuplicateModifier)
				}
				if err := ValidateDomainSpec(mod.Value); err != nil {
					return nil, fmt.Errorf("%w: redirect: %w", ErrSyntax, err)
				}
				record.Redirect = mod

			case "exp":
				if record.Exp != nil {
					return nil, fmt.Errorf("%w: exp", ErrDuplicateModifier)
				}
				if err := ValidateDomainSpec(mod.Value); err != nil {
					return nil, fmt.Errorf("%w: exp: %w", ErrSyntax, err)
				}
				record.Exp = mod

			default:
				if _, err := ParseMacro(mod.Value, false); err != nil {
					return nil, fmt.Errorf("%w: %s: %w", ErrSyntax, mod.Name, err)
				}
				record.Unknown = append(record.Unknown, *mod)
			}
			continue // done with this token skip to next loop
		}

		// mechanisms are discovered from this point
		q, rest := stripQualifier(tok)
		name, args := splitMechanism(rest)
		pf, ok := mechParsers[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, tok)
		}
		mech, err := pf(q, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrSyntax, tok, err)
		}
		record.Mechs = append(record.Mechs, *mech)
	}
	return record, nil
}

// IsSPF reports whether a TXT string is an SPF version 1 record: it starts
// with "v=spf1" (any case) followed by a space or the end of the string.
func IsSPF(txt string) bool {
	if len(txt) < 6 || !strings.EqualFold(txt[:6], "v=spf1") {
		return false
	}
	return len(txt) == 6 || txt[6] == ' '
}

// tokenizer splits a raw SPF record into the space-separated terms of RFC
// 7208 section 4.6.1 and drops the leading "v=spf1" version tag.  Only SP
// separates terms; any other control character, tab included, is a syntax
// error.  A record consisting of the version tag alone is valid and yields
// no terms.
func tokenizer(raw string) ([]string, error) {
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c < ' ' || c == 0x7f {
			return nil, fmt.Errorf("%w: control character %#02x at offset %d", ErrSyntax, c, i)
		}
	}

	var fields []string
	for _, f := range strings.Split(raw, " ") {
		if f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], "v=spf1") {
		return nil, ErrNotSPF
	}
	// throw away version tag
	return fields[1:], nil
}

// stripQualifier returns the qualifier (+, -, ~, ?) and the remainder of the token.
// if no qualifier is present, QPlus is implied.
func stripQualifier(tok string) (Qualifier, string) {
	if tok == "" {
		return QPlus, tok
	}
	switch tok[0] {
	case '+', '-', '~', '?':
		return Qualifier(tok[0]), tok[1:]
	default:
		return QPlus, tok
	}
}

// splitMechanism separates the mechanism name from its arguments.  The name
// ends at the first ':' or '/'; args keeps that separator.
func splitMechanism(rest string) (name, args string) {
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		return rest[:i], rest[i:]
	}
	return rest, ""
}

// parseAll parses the "all" mechanism.  It matches any sender and has no
// arguments as specified in RFC 7208 section 5.1.
func parseAll(q Qualifier, args string) (*Mechanism, error) {
	if args != "" {
		return nil, fmt.Errorf("all takes no argument")
	}
	return &Mechanism{Qual: q, Kind: KindAll, Mask4: -1, Mask6: -1}, nil
}

// parseIP4 parses the "ip4" mechanism which matches IPv4 networks as described
// in RFC 7208 section 5.2.  Without a prefix length a single host is meant.
func parseIP4(q Qualifier, args string) (*Mechanism, error) {
	if !strings.HasPrefix(args, ":") || len(args) == 1 {
		return nil, fmt.Errorf("ip4 requires an address")
	}
	netw, err := parseIP4Network(args[1:])
	if err != nil {
		return nil, err
	}
	return &Mechanism{Qual: q, Kind: KindIP4, Net: netw, Mask4: -1, Mask6: -1}, nil
}

// parseIP6 parses the "ip6" mechanism which matches IPv6 networks as defined in
// RFC 7208 section 5.2.
func parseIP6(q Qualifier, args string) (*Mechanism, error) {
	if !strings.HasPrefix(args, ":") || len(args) == 1 {
		return nil, fmt.Errorf("ip6 requires an address")
	}
	netw, err := parseIP6Network(args[1:])
	if err != nil {
		return nil, err
	}
	return &Mechanism{Qual: q, Kind: KindIP6, Net: netw, Mask4: -1, Mask6: -1}, nil
}

// parseA parses the “a” mechanism.
//
// Grammar recap (RFC 7208  Section 5.3 + Section 5.6):
//
//	a                ; current domain, default masks
//	a/24             ; v4 mask = 24, v6 = unlimited
//	a/24//64         ; v4 = 24, v6 = 64
//	a//64            ; v4 unlimited, v6 = 64
//	a:mail.example   ; explicit domain, default masks
//	a:mail.example/24//64
//
// If a length is missing, defaults are /32 for IPv4 and /128 for IPv6; that
// default is applied by the evaluator, here -1 records "not specified".
func parseA(q Qualifier, args string) (*Mechanism, error) {
	return parseHostMech(q, KindA, args)
}

// parseMX parses the "mx" mechanism, RFC 7208 section 5.4.
//
// ABNF recap (identical to “a”):
//
//	mx                ; current domain’s MX hosts, default masks
//	mx/24             ; v4 mask 24, v6 = unlimited
//	mx:example.org/24//64
func parseMX(q Qualifier, args string) (*Mechanism, error) {
	return parseHostMech(q, KindMX, args)
}

// parseHostMech handles the shared syntax of a and mx:
// [ ":" domain-spec ] [ dual-cidr-length ].
func parseHostMech(q Qualifier, kind Kind, args string) (*Mechanism, error) {
	domain, cidr := "", args
	if strings.HasPrefix(args, ":") {
		domain, cidr = cutCIDR(args[1:])
		if domain == "" {
			return nil, ErrMissingDomain
		}
		if err := ValidateDomainSpec(domain); err != nil {
			return nil, err
		}
	}
	mask4, mask6, err := parseDualCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return &Mechanism{
		Qual:   q,
		Kind:   kind,
		Domain: domain, // "" = current domain
		Mask4:  mask4,
		Mask6:  mask6,
		Macro:  strings.ContainsRune(domain, '%'),
	}, nil
}

// cutCIDR splits "domain-spec/24//64" at the first '/' that is not inside a
// "%{...}" macro, whose delimiter list may itself contain '/'.
func cutCIDR(s string) (domain, cidr string) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				return s[:i], s[i:]
			}
		}
	}
	return s, ""
}

// parsePTR parses the “ptr” mechanism, RFC 7208 section 5.5.
//
//	ptr              ; current domain
//	ptr:example.org  ; explicit target domain (can contain macros)
//
// The RFC allows <domain-spec> to contain macros.  We store the raw text
// in Mechanism.Domain; macro expansion happens during evaluation.
// ptr is strongly discouraged in spf records and may cause unnecessary lookups
func parsePTR(q Qualifier, args string) (*Mechanism, error) {
	spec := ""
	switch {
	case args == "":
		// bare "ptr" - nothing to do here
	case strings.HasPrefix(args, ":"):
		spec = args[1:]
		if spec == "" {
			return nil, ErrMissingDomain
		}
		if err := ValidateDomainSpec(spec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ptr takes no cidr-length")
	}
	return &Mechanism{
		Qual:   q,
		Kind:   KindPTR,
		Domain: spec, // raw, possibly macro-containing string
		Mask4:  -1,
		Mask6:  -1,
		Macro:  strings.ContainsRune(spec, '%'),
	}, nil
}

// parseExists parses the “exists” mechanism, RFC 7208 section 5.7.
//
//	exists:domain-spec
//
// domain-spec may include macros (e.g. "%{i}.example.com").
// On evaluation an A lookup of the expanded domain is performed and the
// mechanism matches if there is any record.
func parseExists(q Qualifier, args string) (*Mechanism, error) {
	return parseTargetMech(q, KindExists, args)
}

// parseInclude parses the "include" mechanism (RFC 7208 section 5.2).
// The domain-spec is mandatory and no cidr-length may follow it.
func parseInclude(q Qualifier, args string) (*Mechanism, error) {
	return parseTargetMech(q, KindInclude, args)
}

func parseTargetMech(q Qualifier, kind Kind, args string) (*Mechanism, error) {
	if !strings.HasPrefix(args, ":") || len(args) == 1 {
		return nil, ErrMissingDomain
	}
	spec := args[1:]
	if err := ValidateDomainSpec(spec); err != nil {
		return nil, err
	}
	return &Mechanism{
		Qual:   q,
		Kind:   kind,
		Domain: spec,
		Mask4:  -1,
		Mask6:  -1,
		Macro:  strings.ContainsRune(spec, '%'),
	}, nil
}

// parserModifier splits one SPF term of the form “name=value” into a *Modifier.
// It performs *only* the neutral syntax work mandated by RFC 7208 section 6:
//
//   - returns (nil, ErrNotModifier) unless the token starts with a modifier
//     name (ALPHA *( ALPHA / DIGIT / "-" / "_" / "." )) directly followed by
//     ‘=’, letting the caller fall through to mechanism parsing.
//
//   - lower-cases the name.  The value keeps its case: upper-case macro
//     letters select URL escaping.
//
//   - sets m.Macro to true if the value contains ‘%’, so evaluators know whether
//     macro expansion is required later.
func parserModifier(tok string) (*Modifier, error) {
	if tok == "" || !isAlpha(tok[0]) {
		return nil, ErrNotModifier
	}
	i := 1
	for i < len(tok) && (isAlpha(tok[i]) || isDigit(tok[i]) || tok[i] == '-' || tok[i] == '_' || tok[i] == '.') {
		i++
	}
	if i == len(tok) || tok[i] != '=' {
		return nil, ErrNotModifier
	}
	value := tok[i+1:]
	return &Modifier{
		Name:  strings.ToLower(tok[:i]),
		Value: value,
		Macro: strings.ContainsRune(value, '%'),
	}, nil
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
