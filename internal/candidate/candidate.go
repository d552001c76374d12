// Package candidate models one command-line configuration of the ciadpi
// binary as an ordered sequence of typed tokens.
package candidate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Token is a single binary parameter: a flag with at most one value, such as
// "-T 3", "-s 2+s", "-o25+s" or "-At". Bare values ("1+s") are tokens too.
type Token struct {
	Flag  string
	Value string
}

// NewToken builds a token from its text form ("-T 3", "-o1+s", "1+s").
// Leading and trailing space is ignored; interior whitespace separates the
// flag from the value.
func NewToken(text string) Token {
	fields := strings.Fields(text)
	switch len(fields) {
	case 0:
		return Token{}
	case 1:
		return Token{Flag: fields[0]}
	default:
		return Token{Flag: fields[0], Value: strings.Join(fields[1:], " ")}
	}
}

// String returns the token text, flag and value joined by one space.
func (t Token) String() string {
	if t.Value == "" {
		return t.Flag
	}
	return t.Flag + " " + t.Value
}

// IsZero reports whether the token carries nothing.
func (t Token) IsZero() bool {
	return t.Flag == "" && t.Value == ""
}

// Fields returns the argv fragment for this token.
func (t Token) Fields() []string {
	if t.Value == "" {
		return []string{t.Flag}
	}
	return append([]string{t.Flag}, strings.Fields(t.Value)...)
}

var methodRe = regexp.MustCompile(`^-o(\d+)(\+[sme])?$`)

// IsMethod reports whether the token is a bypass method ("-o<N>" with an
// optional +s, +m or +e suffix).
func (t Token) IsMethod() bool {
	return t.Value == "" && methodRe.MatchString(t.Flag)
}

// Suffix returns the "+x" part of the token text, or "" when there is none.
func (t Token) Suffix() string {
	s := t.String()
	if i := strings.IndexByte(s, '+'); i >= 0 {
		return s[i:]
	}
	return ""
}

// WithSuffix returns the token with everything from the first '+' replaced by
// suffix. An empty suffix strips it.
func (t Token) WithSuffix(suffix string) Token {
	s := t.String()
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	return NewToken(s + suffix)
}

// Candidate is an ordered parameter list. Two candidates are the same when
// their Key values match.
type Candidate struct {
	Tokens []Token
}

// New builds a candidate from tokens, dropping empty ones.
func New(tokens ...Token) Candidate {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return Candidate{Tokens: out}
}

// Parse splits s on whitespace. A field starting with '-' takes the following
// field as its value when that field does not itself start with '-'.
func Parse(s string) Candidate {
	fields := strings.Fields(s)
	tokens := make([]Token, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.HasPrefix(f, "-") && i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "-") {
			tokens = append(tokens, Token{Flag: f, Value: fields[i+1]})
			i++
			continue
		}
		tokens = append(tokens, Token{Flag: f})
	}
	return Candidate{Tokens: tokens}
}

// MustParse is Parse for package-level tables.
func MustParse(s string) Candidate {
	c := Parse(s)
	if c.Len() == 0 {
		panic("candidate: empty parameter string")
	}
	return c
}

// String returns the canonical form: token texts joined by a single space.
func (c Candidate) String() string {
	parts := make([]string, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		if s := t.String(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Key is the identity used for equality and deduplication.
func (c Candidate) Key() string {
	return c.String()
}

// Len returns the number of tokens.
func (c Candidate) Len() int {
	return len(c.Tokens)
}

// IsEmpty reports whether the candidate has no tokens.
func (c Candidate) IsEmpty() bool {
	return c.Len() == 0
}

// Equal compares canonical forms.
func (c Candidate) Equal(o Candidate) bool {
	return c.Key() == o.Key()
}

// Clone returns a deep copy safe to mutate.
func (c Candidate) Clone() Candidate {
	return Candidate{Tokens: append([]Token(nil), c.Tokens...)}
}

// Args flattens the candidate to the argument vector passed to the binary.
func (c Candidate) Args() []string {
	args := make([]string, 0, len(c.Tokens)*2)
	for _, t := range c.Tokens {
		if t.IsZero() {
			continue
		}
		args = append(args, t.Fields()...)
	}
	return args
}

// BypassMethods returns the method tokens in order.
func (c Candidate) BypassMethods() []Token {
	var out []Token
	for _, t := range c.Tokens {
		if t.IsMethod() {
			out = append(out, t)
		}
	}
	return out
}

// Lookup returns the value of the first token with the given flag.
func (c Candidate) Lookup(flag string) (string, bool) {
	for _, t := range c.Tokens {
		if t.Flag == flag {
			return t.Value, true
		}
	}
	return "", false
}

// MarshalJSON encodes the candidate as its canonical string.
func (c Candidate) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a canonical (or any whitespace-separated) string.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Parse(s)
	return nil
}

// Dedup keeps the first occurrence of every key and drops empty candidates.
func Dedup(cands []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		k := c.Key()
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
