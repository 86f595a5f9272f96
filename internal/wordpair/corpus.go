// Package wordpair mints human-readable "adjective-noun" identifiers from a
// word corpus, filtered by a pluggable safety predicate.
package wordpair

import (
	"bufio"
	"embed"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Lemma length bounds, inclusive.
const (
	MinLemmaLen = 3
	MaxLemmaLen = 10
)

//go:embed words/*.txt
var wordFiles embed.FS

// Corpus is the raw material for candidates. Use NewCorpus to build one so
// the length and case rules hold.
type Corpus struct {
	Adjectives []string
	Nouns      []string
}

// NewCorpus lowercases and de-duplicates lemmas and drops those outside
// [MinLemmaLen, MaxLemmaLen] runes.
func NewCorpus(adjectives, nouns []string) Corpus {
	return Corpus{
		Adjectives: normalize(adjectives),
		Nouns:      normalize(nouns),
	}
}

// Size is the number of distinct adjective-noun pairs.
func (c Corpus) Size() int { return len(c.Adjectives) * len(c.Nouns) }

// DefaultCorpus returns the embedded word lists.
func DefaultCorpus() Corpus {
	return NewCorpus(mustReadList("words/adjectives.txt"), mustReadList("words/nouns.txt"))
}

// DefaultPolarity returns the embedded lexicon of negatively scored lemmas.
func DefaultPolarity() map[string]int {
	lexicon := make(map[string]int)
	for _, line := range mustReadList("words/negative.txt") {
		fields := strings.Fields(line)
		score := -1
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				score = n
			}
		}
		lexicon[fields[0]] = score
	}
	return lexicon
}

var lower = cases.Lower(language.English)

func normalize(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = lower.String(strings.TrimSpace(w))
		if n := utf8.RuneCountInString(w); n < MinLemmaLen || n > MaxLemmaLen {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func mustReadList(name string) []string {
	f, err := wordFiles.Open(name)
	if err != nil {
		panic("wordpair: missing embedded list " + name)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
