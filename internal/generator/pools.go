package generator

import (
	"fmt"
	"strings"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
)

// Category names a family of interchangeable parameters.
type Category string

const (
	CategoryMethod     Category = "method"
	CategoryTimeout    Category = "timeout"
	CategoryAuto       Category = "auto"
	CategoryAutoToggle Category = "auto_toggle"
	CategoryAutoMode   Category = "auto_mode"
	CategoryTLSRec     Category = "tlsrec"
	CategoryMaxConn    Category = "max_conn"
	CategoryDefTTL     Category = "def_ttl"
	CategoryTTL        Category = "ttl"
	CategoryTFO        Category = "tfo"
	CategorySplit      Category = "split"
	CategoryDisorder   Category = "disorder"
	CategoryOOB        Category = "oob"
	CategoryDisOOB     Category = "disoob"
	CategoryFake       Category = "fake"
	CategoryModHTTP    Category = "mod_http"
	CategoryProto      Category = "proto"
	CategoryFakeTLSMod Category = "fake_tls_mod"
	CategoryDropSack   Category = "drop_sack"
	CategoryMD5Sig     Category = "md5sig"
	CategoryUDPFake    Category = "udp_fake"
	CategoryRound      Category = "round"
	// CategoryExtra holds bare "N+s" tokens.
	CategoryExtra Category = "extra"
)

// MethodCount is the number of -oN bypass methods.
const MethodCount = 25

// MethodSuffixes are appended to method tokens; "" means no suffix.
var MethodSuffixes = []string{"", "+s", "+m", "+e"}

// Pools maps each category to its parameter texts. An empty string in a
// pool means "omit this category".
type Pools map[Category][]string

// DefaultPools returns the parameter pools of the ciadpi binary.
func DefaultPools() Pools {
	p := Pools{
		CategoryTimeout:    {"-T 1", "-T 2", "-T 3", "-T 5", "-T 10"},
		CategoryAuto:       {"-A torst", "-A redirect", "-A ssl_err", "-A none", ""},
		CategoryAutoToggle: {"-At", ""},
		CategoryAutoMode:   {"-L 0", "-L 1", "-L 2", "-L 3", ""},
		CategoryMaxConn:    {"-c 512", "-c 1024", "-c 2048", ""},
		CategoryDefTTL:     {"-g 64", "-g 128", "-g 255", ""},
		CategoryTTL:        {"-t 8", "-t 16", "-t 32", ""},
		CategoryTFO:        {"-F", ""},
		CategoryModHTTP:    {"-M h", "-M d", "-M r", "-M h,d", "-M h,r", "-M d,r", "-M h,d,r"},
		CategoryProto:      {"-K t", "-K h", "-K u", "-K i", "-K t,h", "-K t,u", "-K h,i", ""},
		CategoryFakeTLSMod: {"-Q r", "-Q o", ""},
		CategoryDropSack:   {"-Y", ""},
		CategoryMD5Sig:     {"-S", ""},
		CategoryUDPFake:    {"-a 1", "-a 2", "-a 3", ""},
		CategoryRound:      {"-R 1", "-R 2", "-R 1-3", ""},
		CategoryExtra:      {"1+s", "2+s", "3+s"},
	}
	p[CategorySplit] = offsets("-s", 10, "+s", "+h", "+n", "+sm", "+hm", "+em")
	p[CategoryDisorder] = offsets("-d", 5, "+s", "+h", "+m")
	p[CategoryOOB] = offsets("-o", 5, "+s")
	p[CategoryDisOOB] = offsets("-q", 5, "+h")
	p[CategoryFake] = offsets("-f", 5, "+m")

	tlsrec := make([]string, 0, 11)
	for i := 0; i < 10; i++ {
		tlsrec = append(tlsrec, fmt.Sprintf("-r %d", i))
	}
	p[CategoryTLSRec] = append(tlsrec, "")

	methods := make([]string, 0, MethodCount*len(MethodSuffixes))
	for i := 1; i <= MethodCount; i++ {
		for _, s := range MethodSuffixes {
			methods = append(methods, fmt.Sprintf("-o%d%s", i, s))
		}
	}
	p[CategoryMethod] = methods
	return p
}

// offsets builds "<flag> <n><suffix>" for n in [0, count) and each suffix.
func offsets(flag string, count int, suffixes ...string) []string {
	out := make([]string, 0, count*len(suffixes)+1)
	for n := 0; n < count; n++ {
		for _, s := range suffixes {
			out = append(out, fmt.Sprintf("%s %d%s", flag, n, s))
		}
	}
	return append(out, "")
}

// NonEmpty returns the pool entries of c that produce a token.
func (p Pools) NonEmpty(c Category) []string {
	var out []string
	for _, v := range p[c] {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

var flagCategories = map[string]Category{
	"-T":  CategoryTimeout,
	"-A":  CategoryAuto,
	"-At": CategoryAutoToggle,
	"-L":  CategoryAutoMode,
	"-r":  CategoryTLSRec,
	"-c":  CategoryMaxConn,
	"-g":  CategoryDefTTL,
	"-t":  CategoryTTL,
	"-F":  CategoryTFO,
	"-s":  CategorySplit,
	"-d":  CategoryDisorder,
	"-o":  CategoryOOB,
	"-q":  CategoryDisOOB,
	"-f":  CategoryFake,
	"-M":  CategoryModHTTP,
	"-K":  CategoryProto,
	"-Q":  CategoryFakeTLSMod,
	"-Y":  CategoryDropSack,
	"-S":  CategoryMD5Sig,
	"-a":  CategoryUDPFake,
	"-R":  CategoryRound,
}

// CategoryOf maps a token to its category, or "" when it belongs to none.
// Attached short forms such as "-T3" resolve through their two-character
// flag.
func (p Pools) CategoryOf(t candidate.Token) Category {
	if t.IsMethod() {
		return CategoryMethod
	}
	if c, ok := flagCategories[t.Flag]; ok {
		return c
	}
	if !strings.HasPrefix(t.Flag, "-") {
		if t.Value == "" && strings.Contains(t.Flag, "+") {
			return CategoryExtra
		}
		return ""
	}
	if len(t.Flag) > 2 && t.Flag[:2] != "-o" {
		if c, ok := flagCategories[t.Flag[:2]]; ok {
			return c
		}
	}
	return ""
}
