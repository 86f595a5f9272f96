package wordpair

import "strings"

// SafetyFunc reports whether a candidate may be offered to users.
type SafetyFunc func(candidate string) bool

// DefaultSafety is the policy used when none is configured: every lemma is
// plain ASCII letters (a numeric suffix is allowed) and the pair's summed
// polarity under DefaultPolarity is not negative.
func DefaultSafety() SafetyFunc {
	return All(AlphabeticOnly, NonNegative(DefaultPolarity()))
}

// AlphabeticOnly accepts "word-word" or "word-word-123" where every word is
// ASCII letters and the optional last part is digits.
func AlphabeticOnly(candidate string) bool {
	parts := strings.Split(candidate, "-")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for i, p := range parts {
		if p == "" {
			return false
		}
		if i == 2 {
			if !isDigits(p) {
				return false
			}
			continue
		}
		if !isLetters(p) {
			return false
		}
	}
	return true
}

// DenyWords rejects candidates containing any of the given lemmas as a part.
func DenyWords(words ...string) SafetyFunc {
	deny := make(map[string]struct{}, len(words))
	for _, w := range words {
		deny[strings.ToLower(w)] = struct{}{}
	}
	return func(candidate string) bool {
		for _, p := range strings.Split(strings.ToLower(candidate), "-") {
			if _, ok := deny[p]; ok {
				return false
			}
		}
		return true
	}
}

// NonNegative rejects candidates whose summed lemma polarity is below zero.
// Lemmas missing from the lexicon score zero.
func NonNegative(lexicon map[string]int) SafetyFunc {
	return func(candidate string) bool {
		score := 0
		for _, p := range strings.Split(strings.ToLower(candidate), "-") {
			score += lexicon[p]
		}
		return score >= 0
	}
}

// All accepts a candidate only if every predicate does.
func All(preds ...SafetyFunc) SafetyFunc {
	return func(candidate string) bool {
		for _, p := range preds {
			if p != nil && !p(candidate) {
				return false
			}
		}
		return true
	}
}

func isLetters(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
