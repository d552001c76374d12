// Package generator produces candidate configurations for the search: a
// fixed list of known-good seeds, randomized assembly from the parameter
// pools, mutation of existing candidates, and history-guided planning.
package generator

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/history"
)

const (
	// MaxTokens caps the length a mutation may grow a candidate to.
	MaxTokens = 12

	successIntensity = 0.3
	failureIntensity = 0.5
	successParents   = 5
	successChildren  = 2
	failureParents   = 3

	// Planner supplement: previously tested candidates appended to a short pool.
	historyWindow = 50
	historyExtra  = 20
)

var seedStrings = []string{
	"-o1 -o25+s -T3 -At o--tlsrec 1+s",
	"-o2 -o15+s -T2 -At o--tlsrec",
	"-o1 -o5+s -T1 -At",
	"-o3 -o20+s -T3 -At o--tlsrec 2+s",
	"-o4 -o25+s -T3 -At o--tlsrec",
	"-o1 -o10+s -T2 -At",
	"-o2 -o8+s -T1 -At",
	"-o1 -o15+s -T3 -At o--tlsrec 1+s",
	"-o3 -o12+s -T2 -At",
	"-o1 -o20+s -T3 -At o--tlsrec",
}

// Seeds returns the hand-curated known-working candidates, deduplicated, in
// their fixed order.
func Seeds() []candidate.Candidate {
	out := make([]candidate.Candidate, 0, len(seedStrings))
	for _, s := range seedStrings {
		out = append(out, candidate.MustParse(s))
	}
	return candidate.Dedup(out)
}

var (
	auxCategories = []Category{
		CategoryTimeout, CategoryAutoToggle, CategoryTLSRec, CategoryMaxConn,
		CategoryDefTTL, CategoryTTL, CategoryTFO, CategoryAutoMode,
	}
	modifierCategories = []Category{
		CategorySplit, CategoryDisorder, CategoryFake, CategoryModHTTP,
	}
	addCategories = []Category{
		CategoryMethod, CategoryTimeout, CategorySplit, CategoryDisorder, CategoryExtra,
	}
)

// Generator draws candidates from the pools. All randomness comes from one
// *rand.Rand so a fixed seed reproduces the same sequence. Safe for
// concurrent use.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	pools Pools
}

// New returns a Generator using rng. A nil rng is seeded from the clock.
func New(rng *rand.Rand) *Generator {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>17|1))
	}
	return &Generator{rng: rng, pools: DefaultPools()}
}

// NewSeeded returns a Generator with a deterministic PCG source.
func NewSeeded(seed uint64) *Generator {
	return New(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Pools exposes the parameter pools the generator draws from.
func (g *Generator) Pools() Pools {
	return g.pools
}

// GeneratePool returns up to n unique candidates: the seeds first, then
// random assemblies. Assembly gives up after 20*n+100 attempts, so the pool
// may come back shorter than n.
func (g *Generator) GeneratePool(n int) []candidate.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generatePool(n)
}

func (g *Generator) generatePool(n int) []candidate.Candidate {
	if n <= 0 {
		return nil
	}
	out := make([]candidate.Candidate, 0, n)
	seen := make(map[string]struct{}, n)
	add := func(c candidate.Candidate) {
		k := c.Key()
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}

	for _, s := range Seeds() {
		if len(out) >= n {
			return out
		}
		add(s)
	}

	maxAttempts := 20*n + 100
	for attempt := 0; attempt < maxAttempts && len(out) < n; attempt++ {
		add(g.assemble())
	}
	return out
}

// assemble builds one random candidate: 2-3 methods with distinct numbers,
// 1-3 auxiliary parameters and 0-2 modifiers.
func (g *Generator) assemble() candidate.Candidate {
	var tokens []candidate.Token

	methods := g.pools.NonEmpty(CategoryMethod)
	nMethods := 2 + g.rng.IntN(2)
	used := make(map[string]bool, nMethods)
	for _, i := range g.rng.Perm(len(methods)) {
		if len(used) == nMethods {
			break
		}
		t := candidate.NewToken(methods[i])
		num := t.WithSuffix("").String()
		if used[num] {
			continue
		}
		used[num] = true
		tokens = append(tokens, t)
	}

	nAux := 1 + g.rng.IntN(3)
	for _, cat := range g.pickCategories(auxCategories, nAux) {
		tokens = append(tokens, g.drawFrom(cat))
	}

	nMod := g.rng.IntN(3)
	for _, cat := range g.pickCategories(modifierCategories, nMod) {
		tokens = append(tokens, g.drawFrom(cat))
	}
	return candidate.New(tokens...)
}

func (g *Generator) pickCategories(from []Category, n int) []Category {
	if n > len(from) {
		n = len(from)
	}
	out := make([]Category, 0, n)
	for _, i := range g.rng.Perm(len(from))[:n] {
		out = append(out, from[i])
	}
	return out
}

// drawFrom picks a non-empty entry of a category.
func (g *Generator) drawFrom(cat Category) candidate.Token {
	vals := g.pools.NonEmpty(cat)
	if len(vals) == 0 {
		return candidate.Token{}
	}
	return candidate.NewToken(vals[g.rng.IntN(len(vals))])
}

type mutation int

const (
	mutReplace mutation = iota
	mutAdd
	mutRemove
	mutModify
	numMutations
)

// maxEditAttempts bounds how often a no-op edit is redrawn.
const maxEditAttempts = 64

// mutationSteps is the number of edits Mutate makes to a candidate of n
// tokens: max(1, round(n*intensity)) with intensity clamped to [0, 1].
func mutationSteps(n int, intensity float64) int {
	intensity = math.Max(0, math.Min(1, intensity))
	return max(1, int(math.Round(float64(n)*intensity)))
}

// Mutate applies mutationSteps random edits to a copy of base. Each edit is
// one of replace, add, remove or modify-suffix; an edit that would leave the
// tokens unchanged is redrawn, a bounded number of times. The result is never
// empty and differs from base whenever some edit can apply. An empty base
// comes back unchanged.
func (g *Generator) Mutate(base candidate.Candidate, intensity float64) candidate.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mutate(base, intensity)
}

func (g *Generator) mutate(base candidate.Candidate, intensity float64) candidate.Candidate {
	if base.IsEmpty() {
		return base.Clone()
	}
	tokens := base.Clone().Tokens
	for range mutationSteps(len(tokens), intensity) {
		for range maxEditAttempts {
			if next, ok := g.edit(tokens); ok {
				tokens = next
				break
			}
		}
	}

	// Edits can cancel out, e.g. a replace that restores an earlier token.
	baseKey := base.Key()
	for attempt := 0; attempt < maxEditAttempts && candidate.New(tokens...).Key() == baseKey; attempt++ {
		if next, ok := g.edit(tokens); ok {
			tokens = next
		}
	}
	return candidate.New(tokens...)
}

// edit applies one random operation to a copy of tokens and reports whether
// the copy differs from tokens.
func (g *Generator) edit(tokens []candidate.Token) ([]candidate.Token, bool) {
	switch mutation(g.rng.IntN(int(numMutations))) {
	case mutReplace:
		i := g.rng.IntN(len(tokens))
		cat := g.pools.CategoryOf(tokens[i])
		if cat == "" {
			return tokens, false
		}
		t := g.drawFrom(cat)
		if t.IsZero() || t == tokens[i] {
			return tokens, false
		}
		out := slices.Clone(tokens)
		out[i] = t
		return out, true
	case mutAdd:
		if len(tokens) >= MaxTokens {
			return tokens, false
		}
		t := g.drawFrom(addCategories[g.rng.IntN(len(addCategories))])
		if t.IsZero() {
			return tokens, false
		}
		return append(slices.Clone(tokens), t), true
	case mutRemove:
		if len(tokens) <= 2 {
			return tokens, false
		}
		i := 2 + g.rng.IntN(len(tokens)-2)
		return slices.Delete(slices.Clone(tokens), i, i+1), true
	case mutModify:
		i := g.rng.IntN(len(tokens))
		if !tokens[i].IsMethod() && tokens[i].Suffix() == "" {
			return tokens, false
		}
		t := tokens[i].WithSuffix(MethodSuffixes[g.rng.IntN(len(MethodSuffixes))])
		if t.IsZero() || t == tokens[i] {
			return tokens, false
		}
		out := slices.Clone(tokens)
		out[i] = t
		return out, true
	}
	return tokens, false
}

// GenerateFromHistory biases generation toward what worked: the five most
// recent successes are mutated twice each at low intensity, the three most
// recent failures once each at higher intensity, and the rest is backfilled
// from GeneratePool. Records must be newest first.
func (g *Generator) GenerateFromHistory(records []history.Record, n int) []candidate.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fromHistory(records, n)
}

func (g *Generator) fromHistory(records []history.Record, n int) []candidate.Candidate {
	if n <= 0 {
		return nil
	}
	var successes, failures []candidate.Candidate
	for _, r := range records {
		if r.Candidate.IsEmpty() {
			continue
		}
		if r.Success {
			successes = append(successes, r.Candidate)
		} else {
			failures = append(failures, r.Candidate)
		}
	}

	var out []candidate.Candidate
	for _, c := range successes[:min(successParents, len(successes))] {
		for range successChildren {
			out = append(out, g.mutate(c, successIntensity))
		}
	}
	for _, c := range failures[:min(failureParents, len(failures))] {
		out = append(out, g.mutate(c, failureIntensity))
	}
	out = candidate.Dedup(out)

	if len(out) < n {
		out = candidate.Dedup(append(out, g.generatePool(n)...))
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Plan returns the candidates for one search of budget n. With no history it
// is GeneratePool; otherwise history-guided generation. A pool that still
// falls short is topped up with up to 20 distinct previously tested
// candidates from the 50 most recent records.
func (g *Generator) Plan(records []history.Record, n int) []candidate.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pool []candidate.Candidate
	if len(records) == 0 {
		pool = g.generatePool(n)
	} else {
		pool = g.fromHistory(records, n)
	}
	if len(pool) >= n {
		return pool
	}

	seen := make(map[string]struct{}, len(pool))
	for _, c := range pool {
		seen[c.Key()] = struct{}{}
	}
	added := 0
	for _, r := range records[:min(historyWindow, len(records))] {
		if added >= historyExtra || len(pool) >= n {
			break
		}
		k := r.Candidate.Key()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		pool = append(pool, r.Candidate)
		added++
	}
	return pool
}
