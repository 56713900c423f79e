// Package moderation provides content filtering and moderation capabilities.
// It screens chat messages for prohibited content and enforces community
// guidelines before messages are delivered to recipients.
package moderation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrBlocked is returned when content fails moderation.
var ErrBlocked = errors.New("content blocked by moderation")

// FilterResult describes the outcome of a content check.
type FilterResult struct {
	Blocked bool   // whether the content must be rejected
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// Filter screens message content against a keyword blocklist and the spam
// pattern checks. It is immutable after construction and safe for concurrent
// use. Matching is whole-word: "grape" never matches "rape", "assess" never
// matches "ass".
type Filter struct {
	words   map[string]struct{} // single-word blocked terms
	phrases []string            // multi-word blocked terms
}

// defaultBlocklist is the built-in set of prohibited terms. Single words are
// matched per token; entries with spaces are matched as phrases.
var defaultBlocklist = []string{
	// Slurs.
	"nigger", "nigga", "faggot", "kike", "spic", "chink", "tranny",

	// Harassment and self-harm.
	"kill yourself", "go die", "kys", "neck yourself",

	// Exploitation.
	"child porn", "cp trade", "jailbait", "loli trade",

	// Sexual solicitation.
	"send nudes", "nudes for sale", "onlyfans promo", "sell nudes",

	// Extremism.
	"heil hitler", "white power", "gas the", "race war",

	// Threats.
	"bomb threat", "shoot up", "i will kill you",

	// Scams.
	"free bitcoin", "crypto giveaway", "cash app flip", "wire me money",
}

// NewFilter creates a Filter with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultBlocklist)
}

// NewFilterWithTerms creates a Filter with a custom blocklist. Terms are
// lowercased; blank entries are dropped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsRune(term, ' ') {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// Check screens a message. Keyword matches win over spam patterns so that the
// most actionable reason is reported.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	// Plain pass: words and phrases on punctuation-stripped tokens.
	plain := tokenizePlain(lower)
	for _, tok := range plain {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
		}
	}
	if len(f.phrases) > 0 {
		joined := " " + strings.Join(plain, " ") + " "
		for _, phrase := range f.phrases {
			if strings.Contains(joined, " "+phrase+" ") {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
			}
		}
	}

	// Leet pass: catch obfuscated spellings like "b@dw0rd".
	for _, tok := range tokenizeLeet(lower) {
		norm := normalizeLeet(tok)
		if _, ok := f.words[norm]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: norm}
		}
	}

	return f.checkSpamPatterns(text)
}

// CheckInterests drops blocked entries from an interest tag list, preserving
// order.
func (f *Filter) CheckInterests(interests []string) []string {
	clean := make([]string, 0, len(interests))
	for _, tag := range interests {
		if !f.Check(tag).Blocked {
			clean = append(clean, tag)
		}
	}
	return clean
}

// leetMap translates common character substitutions back to letters.
var leetMap = map[rune]rune{
	'@': 'a',
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'$': 's',
	'!': 'i',
}

// normalizeLeet replaces leetspeak substitutions with their letter
// equivalents.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := leetMap[r]; ok {
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenizePlain splits text into lowercase word tokens, treating any
// non-alphanumeric rune as a delimiter.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, keeping substitution characters
// inside tokens so normalizeLeet can reverse them.
func tokenizeLeet(s string) []string {
	return strings.FieldsFunc(s, unicode.IsSpace)
}
