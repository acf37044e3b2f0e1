// Package topic turns free-text slide topics into stable cache keys.
package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// GeneralKey is the reserved key for input with no usable keywords.
const GeneralKey = "general"

const (
	defaultMaxKeywords = 5
	minTokenRunes      = 3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "but": {},
	"are": {}, "was": {}, "were": {}, "been": {}, "being": {}, "have": {},
	"has": {}, "had": {}, "does": {}, "did": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "into": {}, "onto": {}, "over": {}, "about": {},
	"your": {}, "our": {}, "their": {}, "its": {}, "his": {}, "her": {},
	"you": {}, "they": {}, "them": {}, "not": {}, "can": {}, "will": {},
	"how": {}, "what": {}, "why": {}, "when": {}, "where": {}, "which": {},
	"who": {}, "all": {}, "any": {}, "some": {}, "more": {}, "most": {},
	"very": {}, "using": {}, "via": {}, "per": {}, "between": {}, "slide": {},
}

// Normalized is the canonical form of a raw topic string.
type Normalized struct {
	Raw      string
	Text     string
	Key      string
	Keywords []string
}

// IsGeneral reports whether normalization found no keywords.
func (n Normalized) IsGeneral() bool {
	return n.Key == GeneralKey
}

// Normalizer extracts keywords and derives topic keys. The zero value is not
// usable; construct with NewNormalizer.
type Normalizer struct {
	maxKeywords int
}

// NewNormalizer returns a Normalizer keeping at most maxKeywords tokens.
// maxKeywords <= 0 uses the default of 5.
func NewNormalizer(maxKeywords int) *Normalizer {
	if maxKeywords <= 0 {
		maxKeywords = defaultMaxKeywords
	}
	return &Normalizer{maxKeywords: maxKeywords}
}

// MaxKeywords returns the keyword cap.
func (n *Normalizer) MaxKeywords() int {
	return n.maxKeywords
}

// Normalize lowercases raw, drops punctuation and stopwords, keeps the most
// frequent keywords and hashes their sorted join into a key. It is pure and
// idempotent: normalizing the returned Text yields the same result.
func (n *Normalizer) Normalize(raw string) Normalized {
	keywords := n.keywords(raw)
	if len(keywords) == 0 {
		return Normalized{Raw: raw, Key: GeneralKey}
	}
	text := strings.Join(keywords, " ")
	return Normalized{
		Raw:      raw,
		Text:     text,
		Key:      hashKey(text),
		Keywords: keywords,
	}
}

func (n *Normalizer) keywords(raw string) []string {
	tokens := Tokenize(raw)
	if len(tokens) == 0 {
		return nil
	}

	freq := make(map[string]int, len(tokens))
	first := make(map[string]int, len(tokens))
	var order []string
	for i, tok := range tokens {
		if _, ok := freq[tok]; !ok {
			first[tok] = i
			order = append(order, tok)
		}
		freq[tok]++
	}

	// Salience: term frequency, earlier first occurrence wins ties.
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		return first[a] < first[b]
	})
	if len(order) > n.maxKeywords {
		order = order[:n.maxKeywords]
	}
	sort.Strings(order)
	return order
}

// Tokenize lowercases s and returns its content tokens: alphanumeric runs of
// at least three runes that are not stopwords. Apostrophes inside words are
// dropped so "don't" becomes "dont".
func Tokenize(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("'", "", "’", "").Replace(s)

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < minTokenRunes {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:32]
}
