package generator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/history"
)

func keys(cs []candidate.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Key()
	}
	return out
}

func assertUnique(t *testing.T, cs []candidate.Candidate) {
	t.Helper()
	seen := map[string]bool{}
	for _, c := range cs {
		k := c.Key()
		require.NotEmpty(t, k, "empty candidate in pool")
		require.False(t, seen[k], "duplicate candidate %q", k)
		seen[k] = true
	}
}

func TestSeeds(t *testing.T) {
	seeds := Seeds()
	require.Len(t, seeds, 10)
	assert.Equal(t, "-o1 -o25+s -T3 -At o--tlsrec 1+s", seeds[0].Key())
	assertUnique(t, seeds)
}

func TestGeneratePool_SeedsFirstAndUnique(t *testing.T) {
	g := NewSeeded(1)
	pool := g.GeneratePool(60)

	require.Len(t, pool, 60)
	assertUnique(t, pool)
	assert.Equal(t, keys(Seeds()), keys(pool[:10]))
}

func TestGeneratePool_SmallBudgetTruncatesSeeds(t *testing.T) {
	g := NewSeeded(1)
	pool := g.GeneratePool(3)
	assert.Equal(t, keys(Seeds()[:3]), keys(pool))
	assert.Empty(t, g.GeneratePool(0))
	assert.Empty(t, g.GeneratePool(-4))
}

func TestGeneratePool_Shape(t *testing.T) {
	g := NewSeeded(7)
	pools := g.Pools()
	pool := g.GeneratePool(200)

	for _, c := range pool[len(Seeds()):] {
		methods := c.BypassMethods()
		assert.GreaterOrEqual(t, len(methods), 2, c.Key())
		assert.LessOrEqual(t, len(methods), 3, c.Key())

		var aux, mods int
		for _, tok := range c.Tokens {
			switch pools.CategoryOf(tok) {
			case CategoryTimeout, CategoryAutoToggle, CategoryTLSRec, CategoryMaxConn,
				CategoryDefTTL, CategoryTTL, CategoryTFO, CategoryAutoMode:
				aux++
			case CategorySplit, CategoryDisorder, CategoryFake, CategoryModHTTP:
				mods++
			}
		}
		assert.True(t, aux >= 1 && aux <= 3, "aux count %d in %q", aux, c.Key())
		assert.True(t, mods <= 2, "modifier count %d in %q", mods, c.Key())
	}
}

func TestGeneratePool_Reproducible(t *testing.T) {
	a := NewSeeded(99).GeneratePool(40)
	b := NewSeeded(99).GeneratePool(40)
	if diff := cmp.Diff(keys(a), keys(b)); diff != "" {
		t.Errorf("same seed produced different pools (-a +b):\n%s", diff)
	}
}

func TestMutate_NeverEmpty(t *testing.T) {
	g := NewSeeded(3)
	bases := append(Seeds(), candidate.Parse("-o1"), candidate.Parse("-o1 -o2"), candidate.Parse("1+s"))
	for i := 0; i < 2000; i++ {
		base := bases[i%len(bases)]
		intensity := float64(i%11) / 10
		got := g.Mutate(base, intensity)
		require.False(t, got.IsEmpty(), "mutation of %q emptied it", base.Key())
		require.LessOrEqual(t, got.Len(), max(base.Len(), MaxTokens))
	}
}

func TestMutate_EmptyBaseUnchanged(t *testing.T) {
	g := NewSeeded(3)
	got := g.Mutate(candidate.Candidate{}, 0.5)
	assert.True(t, got.IsEmpty())
}

func TestMutate_DoesNotModifyBase(t *testing.T) {
	g := NewSeeded(5)
	base := candidate.Parse("-o1 -o25+s -T 3 -s 2+s")
	for i := 0; i < 50; i++ {
		g.Mutate(base, 1)
	}
	assert.Equal(t, "-o1 -o25+s -T 3 -s 2+s", base.Key())
}

func TestMutate_KeepsFirstTwoUnlessReplaced(t *testing.T) {
	// Removal never touches index 0 or 1, so a two-token candidate whose
	// tokens belong to no category survives every mutation with its prefix.
	g := NewSeeded(11)
	base := candidate.Parse("--x --y")
	for i := 0; i < 200; i++ {
		got := g.Mutate(base, 1)
		require.GreaterOrEqual(t, got.Len(), 2)
		assert.Equal(t, "--x", got.Tokens[0].String())
		assert.Equal(t, "--y", got.Tokens[1].String())
	}
}

func TestCategoryOf(t *testing.T) {
	p := DefaultPools()
	tests := []struct {
		tok  string
		want Category
	}{
		{"-o1", CategoryMethod},
		{"-o25+s", CategoryMethod},
		{"-o 2+s", CategoryOOB},
		{"-T 3", CategoryTimeout},
		{"-T3", CategoryTimeout},
		{"-At", CategoryAutoToggle},
		{"-A torst", CategoryAuto},
		{"-s 4+hm", CategorySplit},
		{"-M h,d", CategoryModHTTP},
		{"2+s", CategoryExtra},
		{"o--tlsrec", ""},
		{"-Z", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tok, func(t *testing.T) {
			assert.Equal(t, tt.want, p.CategoryOf(candidate.NewToken(tt.tok)))
		})
	}
}

func TestDefaultPoolsSizes(t *testing.T) {
	p := DefaultPools()
	assert.Len(t, p.NonEmpty(CategorySplit), 60)
	assert.Len(t, p.NonEmpty(CategoryDisorder), 15)
	assert.Len(t, p.NonEmpty(CategoryTLSRec), 10)
	assert.Len(t, p.NonEmpty(CategoryMethod), 100)
	assert.Contains(t, p[CategoryAuto], "")
	assert.NotContains(t, p[CategoryTimeout], "")
}

func historyOf(n int, success func(i int) bool) []history.Record {
	out := make([]history.Record, n)
	for i := range out {
		out[i] = history.Record{
			Candidate: candidate.Parse(fmt.Sprintf("-o%d -o%d+s -T 3", i%25+1, (i+7)%25+1)),
			Success:   success(i),
		}
	}
	return out
}

func TestGenerateFromHistory(t *testing.T) {
	g := NewSeeded(21)
	recs := historyOf(12, func(i int) bool { return i%2 == 0 })

	got := g.GenerateFromHistory(recs, 30)
	require.Len(t, got, 30)
	assertUnique(t, got)
}

func TestGenerateFromHistory_TruncatesToN(t *testing.T) {
	g := NewSeeded(21)
	recs := historyOf(20, func(int) bool { return true })
	got := g.GenerateFromHistory(recs, 4)
	assert.Len(t, got, 4)
	assertUnique(t, got)
	assert.Empty(t, g.GenerateFromHistory(recs, 0))
}

func TestPlan(t *testing.T) {
	g := NewSeeded(4)

	empty := g.Plan(nil, 15)
	require.Len(t, empty, 15)
	assert.Equal(t, keys(Seeds()), keys(empty[:10]))

	withHistory := g.Plan(historyOf(6, func(i int) bool { return i == 0 }), 15)
	require.Len(t, withHistory, 15)
	assertUnique(t, withHistory)
}

func tokenStrings(c candidate.Candidate) []string {
	out := make([]string, len(c.Tokens))
	for i, t := range c.Tokens {
		out[i] = t.String()
	}
	return out
}

// oneEditApart reports whether b is a with one token replaced, appended or
// removed.
func oneEditApart(a, b []string) bool {
	switch len(b) - len(a) {
	case 0:
		diff := 0
		for i := range a {
			if a[i] != b[i] {
				diff++
			}
		}
		return diff == 1
	case 1:
		return cmp.Equal(a, b[:len(a)])
	case -1:
		for i := range a {
			if cmp.Equal(append(append([]string{}, a[:i]...), a[i+1:]...), b) {
				return true
			}
		}
	}
	return false
}

func TestMutationSteps(t *testing.T) {
	tests := []struct {
		n         int
		intensity float64
		want      int
	}{
		{3, 0.3, 1},
		{3, 0.5, 2},
		{10, 0.3, 3},
		{10, 0.5, 5},
		{10, 0, 1},
		{1, 0.3, 1},
		{12, 1, 12},
		{4, 2.5, 4},
		{4, -1, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%v", tt.n, tt.intensity), func(t *testing.T) {
			assert.Equal(t, tt.want, mutationSteps(tt.n, tt.intensity))
		})
	}
}

func TestMutate_LowIntensityMakesOneEdit(t *testing.T) {
	g := NewSeeded(17)
	base := candidate.Parse("-o1 -o2+s -T 3 -At -s 1+s -d 2 -f 1+m -r 3 -c 512 1+s")
	require.Equal(t, 10, base.Len())
	want := tokenStrings(base)

	for i := 0; i < 500; i++ {
		got := tokenStrings(g.Mutate(base, 0))
		require.True(t, oneEditApart(want, got), "%v is not one edit from %v", got, want)
	}
}

func TestMutate_EditCountFollowsIntensity(t *testing.T) {
	g := NewSeeded(19)
	base := candidate.Parse("-o1 -o2+s -T 3 -At -s 1+s -d 2 -f 1+m -r 3 -c 512 1+s")
	for i := 0; i < 500; i++ {
		got := g.Mutate(base, 0.3)
		assert.NotEqual(t, base.Key(), got.Key())
		assert.LessOrEqual(t, abs(got.Len()-base.Len()), mutationSteps(base.Len(), 0.3))
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func TestMutate_RedrawsNoOpEdits(t *testing.T) {
	g := NewSeeded(23)
	// Replacing -At can only draw -At, and tokens outside every category
	// cannot be replaced or modified.
	bases := []string{"--s0 --anchor -T 3", "-At", "-o1 -o2 -At", "--s6 --anchor -T 3"}
	for _, b := range bases {
		base := candidate.Parse(b)
		for i := 0; i < 300; i++ {
			got := g.Mutate(base, 0.3)
			require.NotEqual(t, base.Key(), got.Key(), "mutation of %q returned it unchanged", b)
		}
	}
}

// interleavedHistory returns records newest first, alternating successes
// "--sN --anchor -T 3" and failures "--fN --anchor -T 3".
func interleavedHistory(successes, failures int) []history.Record {
	var out []history.Record
	for i := 0; i < max(successes, failures); i++ {
		if i < successes {
			out = append(out, history.Record{Candidate: candidate.Parse(fmt.Sprintf("--s%d --anchor -T 3", i)), Success: true})
		}
		if i < failures {
			out = append(out, history.Record{Candidate: candidate.Parse(fmt.Sprintf("--f%d --anchor -T 3", i))})
		}
	}
	return out
}

func TestGenerateFromHistory_MutatesNewestParentsFirst(t *testing.T) {
	recs := interleavedHistory(7, 5)
	parents := map[string]candidate.Candidate{}
	for _, r := range recs {
		parents[r.Candidate.Tokens[0].String()] = r.Candidate
	}

	for _, seed := range []uint64{1, 2, 3, 4, 5} {
		g := NewSeeded(seed)
		got := g.GenerateFromHistory(recs, 30)
		require.Len(t, got, 30)
		assertUnique(t, got)

		var order []string
		children := 0
		for i, c := range got {
			head := c.Tokens[0].String()
			if !strings.HasPrefix(head, "--") {
				for _, rest := range got[i:] {
					require.False(t, strings.HasPrefix(rest.Tokens[0].String(), "--"),
						"history child %q after the backfill began", rest.Key())
				}
				break
			}
			children++
			parent := parents[head]
			require.Equal(t, "--anchor", c.Tokens[1].String())
			require.NotEqual(t, parent.Key(), c.Key())

			// Successes get one edit on three tokens, failures two.
			steps := 1
			if strings.HasPrefix(head, "--f") {
				steps = 2
			}
			assert.LessOrEqual(t, abs(c.Len()-parent.Len()), steps, "child %q", c.Key())

			if len(order) == 0 || order[len(order)-1] != head {
				order = append(order, head)
			}
		}

		assert.Equal(t, []string{"--s0", "--s1", "--s2", "--s3", "--s4", "--f0", "--f1", "--f2"}, order, "seed %d", seed)
		assert.GreaterOrEqual(t, children, 8)
		assert.LessOrEqual(t, children, 5*2+3)
	}
}

func TestGenerateFromHistory_FewParents(t *testing.T) {
	g := NewSeeded(6)
	got := g.GenerateFromHistory(interleavedHistory(1, 0), 12)
	require.Len(t, got, 12)
	assert.Equal(t, "--s0", got[0].Tokens[0].String())
	assert.False(t, strings.HasPrefix(got[2].Tokens[0].String(), "--"))
}

// tinyPools leaves so few combinations that a large pool comes up short.
func tinyPools() Pools {
	return Pools{
		CategoryMethod:   {"-o1", "-o2"},
		CategoryTimeout:  {"-T 1"},
		CategorySplit:    {"-s 1"},
		CategoryDisorder: {"-d 1"},
		CategoryExtra:    {"1+s"},
	}
}

func failuresOf(params ...string) []history.Record {
	out := make([]history.Record, len(params))
	for i, k := range params {
		out[i] = history.Record{Candidate: candidate.Parse(k)}
	}
	return out
}

func TestPlan_TopsUpShortPoolFromRecentHistory(t *testing.T) {
	var hist []string
	for i := 0; i < 60; i++ {
		hist = append(hist, fmt.Sprintf("--h%d --x -T 1", i))
	}
	recs := failuresOf(hist...)

	g := NewSeeded(9)
	g.pools = tinyPools()
	pool := g.Plan(recs, 100)
	assertUnique(t, pool)
	require.Less(t, len(pool), 100)
	require.GreaterOrEqual(t, len(pool), historyExtra)

	tail := pool[len(pool)-historyExtra:]
	assert.Equal(t, hist[:historyExtra], keys(tail))

	inPool := map[string]bool{}
	for _, c := range pool {
		inPool[c.Key()] = true
	}
	for _, k := range hist[historyExtra:] {
		assert.False(t, inPool[k], "%q should not be reused", k)
	}
}

func TestPlan_TopUpLooksOnlyAtRecentWindow(t *testing.T) {
	var hist []string
	for i := 0; i < historyWindow; i++ {
		hist = append(hist, "--dup --x -T 1")
	}
	for i := 0; i < 10; i++ {
		hist = append(hist, fmt.Sprintf("--late%d --x -T 1", i))
	}

	g := NewSeeded(10)
	g.pools = tinyPools()
	pool := g.Plan(failuresOf(hist...), 100)
	assertUnique(t, pool)

	dup := 0
	for _, c := range pool {
		assert.False(t, strings.HasPrefix(c.Key(), "--late"), "%q is outside the window", c.Key())
		if c.Key() == "--dup --x -T 1" {
			dup++
		}
	}
	assert.Equal(t, 1, dup)
}

func TestPlan_FullPoolIsNotToppedUp(t *testing.T) {
	g := NewSeeded(12)
	recs := failuresOf("--a --x -T 1", "--b --x -T 1")
	pool := g.Plan(recs, 15)
	require.Len(t, pool, 15)
	for _, c := range pool {
		assert.NotEqual(t, "--a --x -T 1", c.Key())
		assert.NotEqual(t, "--b --x -T 1", c.Key())
	}
}

func TestAssemble_UsesPoolsAndDistinctMethods(t *testing.T) {
	g := NewSeeded(13)
	g.pools = tinyPools()
	for i := 0; i < 200; i++ {
		c := g.assemble()
		require.GreaterOrEqual(t, c.Len(), 2)
		m := c.BypassMethods()
		require.Len(t, m, 2, "only two method numbers are available: %q", c.Key())
		assert.NotEqual(t, m[0].WithSuffix("").String(), m[1].WithSuffix("").String())
	}
}
