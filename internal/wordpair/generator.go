package wordpair

import (
	"math/rand/v2"
	"strconv"
)

const (
	// overGenerate is how many candidates Candidates aims for per requested id,
	// to absorb safety rejections and collisions with the store.
	overGenerate = 2
	// drawFactor bounds random draws at drawFactor*target so a small corpus
	// cannot spin forever.
	drawFactor = 8

	DefaultSuffixMax = 999
)

// Generator draws adjective-noun pairs. It keeps no state between calls
// beyond its configuration and is safe for concurrent use.
type Generator struct {
	corpus    Corpus
	safe      SafetyFunc
	suffixMax int
	seed      func() (uint64, uint64)
}

// Option configures a Generator.
type Option func(*Generator)

// WithSafety replaces DefaultSafety. A nil predicate accepts everything.
func WithSafety(f SafetyFunc) Option {
	return func(g *Generator) {
		if f == nil {
			f = func(string) bool { return true }
		}
		g.safe = f
	}
}

// WithSuffix appends "-N" with N in [1,limit] to every pair, widening the
// space by limit. Zero disables the suffix.
func WithSuffix(limit int) Option {
	return func(g *Generator) {
		if limit < 0 {
			limit = 0
		}
		g.suffixMax = limit
	}
}

// WithSeed fixes the PCG seed of every call, for tests.
func WithSeed(seed func() (uint64, uint64)) Option {
	return func(g *Generator) {
		if seed != nil {
			g.seed = seed
		}
	}
}

// New returns a generator over corpus.
func New(corpus Corpus, opts ...Option) *Generator {
	g := &Generator{
		corpus:    corpus,
		safe:      DefaultSafety(),
		suffixMax: DefaultSuffixMax,
		seed:      func() (uint64, uint64) { return rand.Uint64(), rand.Uint64() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Capacity is the number of distinct strings the generator could ever emit,
// before safety filtering.
func (g *Generator) Capacity() int {
	if g.suffixMax > 0 {
		return g.corpus.Size() * g.suffixMax
	}
	return g.corpus.Size()
}

// Candidates returns up to 2n distinct safe candidates in no particular order.
// Fewer come back when the corpus is small or the policy strict.
func (g *Generator) Candidates(n int) []string {
	adjs, nouns := g.corpus.Adjectives, g.corpus.Nouns
	if n <= 0 || len(adjs) == 0 || len(nouns) == 0 {
		return nil
	}
	target := n * overGenerate
	if c := g.Capacity(); target > c {
		target = c
	}

	r := rand.New(rand.NewPCG(g.seed()))
	seen := make(map[string]struct{}, target)
	out := make([]string, 0, target)
	for draws := 0; draws < target*drawFactor && len(out) < target; draws++ {
		c := adjs[r.IntN(len(adjs))] + "-" + nouns[r.IntN(len(nouns))]
		if g.suffixMax > 0 {
			c += "-" + strconv.Itoa(1+r.IntN(g.suffixMax))
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if !g.safe(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
