package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMacroSyntax = errors.New("macro syntax error")

// MacroToken is one piece of a macro-string (RFC 7208 section 7.1): either
// literal text, with the "%%", "%_" and "%-" escapes already decoded, or a
// "%{...}" macro-expand.
type MacroToken struct {
	Literal string

	Letter  byte   // lower-case macro letter, 0 for literal text
	Upper   bool   // upper-case letter: URL-escape the expansion
	Digits  int    // keep this many right-hand parts, 0 keeps all
	Reverse bool   // "r" transformer
	Delims  string // split characters, "" means "."
}

// IsMacro reports whether t is a macro-expand rather than literal text.
func (t MacroToken) IsMacro() bool { return t.Letter != 0 }

// ParseMacro splits a macro-string into tokens.  With exp set the string is
// an explanation text: spaces are allowed and so are the c, r and t macros,
// which are otherwise rejected.
func ParseMacro(s string, exp bool) ([]MacroToken, error) {
	var (
		toks []MacroToken
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			toks = append(toks, MacroToken{Literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		c := s[i]
		if c != '%' {
			if !macroLiteral(c, exp) {
				return nil, fmt.Errorf("%w: invalid character %q", ErrMacroSyntax, c)
			}
			lit.WriteByte(c)
			i++
			continue
		}

		if i+1 >= len(s) {
			return nil, fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		switch s[i+1] {
		case '%':
			lit.WriteByte('%')
			i += 2
			continue
		case '_':
			lit.WriteByte(' ')
			i += 2
			continue
		case '-':
			lit.WriteString("%20")
			i += 2
			continue
		case '{':
		default:
			return nil, fmt.Errorf("%w: invalid escape %%%c", ErrMacroSyntax, s[i+1])
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: missing closing }", ErrMacroSyntax)
		}
		tok, err := parseMacroExpand(s[i+2:i+end], exp)
		if err != nil {
			return nil, err
		}
		flush()
		toks = append(toks, tok)
		i += end + 1
	}
	flush()
	return toks, nil
}

// parseMacroExpand parses the body of "%{...}": a letter, optional digits,
// an optional "r" and optional delimiters.
func parseMacroExpand(body string, exp bool) (MacroToken, error) {
	var t MacroToken
	if body == "" {
		return t, fmt.Errorf("%w: empty macro", ErrMacroSyntax)
	}

	c := body[0]
	if c >= 'A' && c <= 'Z' {
		t.Upper = true
		c += 'a' - 'A'
	}
	switch c {
	case 's', 'l', 'o', 'd', 'i', 'p', 'h', 'v':
	case 'c', 'r', 't':
		if !exp {
			return t, fmt.Errorf("%w: %%{%c} is only allowed in explanations", ErrMacroSyntax, body[0])
		}
	default:
		return t, fmt.Errorf("%w: unknown macro letter %q", ErrMacroSyntax, body[0])
	}
	t.Letter = c

	i := 1
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i > 1 {
		n, err := strconv.Atoi(body[1:i])
		if err != nil || n == 0 {
			return t, fmt.Errorf("%w: invalid digits %q", ErrMacroSyntax, body[1:i])
		}
		t.Digits = n
	}

	if i < len(body) && (body[i] == 'r' || body[i] == 'R') {
		t.Reverse = true
		i++
	}

	t.Delims = body[i:]
	for ; i < len(body); i++ {
		if !strings.ContainsRune(".-+,/_=", rune(body[i])) {
			return t, fmt.Errorf("%w: invalid delimiter %q", ErrMacroSyntax, body[i])
		}
	}
	return t, nil
}

// macroLiteral reports whether c may appear unescaped in a macro-string:
// visible ASCII other than '%', plus space in explanation strings.
func macroLiteral(c byte, exp bool) bool {
	if c == ' ' {
		return exp
	}
	return c >= 0x21 && c <= 0x7e
}

// ErrInvalidDomainSpec is returned when a domain-spec does not end in a
// macro-expand or a valid toplabel.
var ErrInvalidDomainSpec = errors.New("invalid domain-spec")

// ValidateDomainSpec checks the syntax of a domain-spec (RFC 7208 section 7.1):
//
//	domain-spec = macro-string domain-end
//	domain-end  = ( "." toplabel [ "." ] ) / macro-expand
//
// A domain-spec without any macro is additionally held to the label rules of
// ValidateDomain, so "foo..example.com" fails at parse time.
func ValidateDomainSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDomainSpec)
	}
	s := strings.TrimSuffix(spec, ".")
	if s == "" {
		return fmt.Errorf("%w: %q", ErrInvalidDomainSpec, spec)
	}
	toks, err := ParseMacro(s, false)
	if err != nil {
		return err
	}

	last := toks[len(toks)-1]
	if last.IsMacro() {
		return nil
	}
	if len(toks) == 1 {
		if _, err := ValidateDomain(spec); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidDomainSpec, spec, err)
		}
		return nil
	}
	dot := strings.LastIndexByte(last.Literal, '.')
	if dot < 0 || !IsTopLabel(last.Literal[dot+1:]) {
		return fmt.Errorf("%w: %q: %w", ErrInvalidDomainSpec, spec, ErrBadTopLabel)
	}
	return nil
}
