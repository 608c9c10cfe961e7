// Package wordfilter blocks requests whose text hits an admin-defined
// sensitive word before any upstream traffic is sent.
package wordfilter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/relaygate/relaygate/internal/store"
)

// Hit describes the first sensitive-word match found in a payload.
type Hit struct {
	Word      string `json:"word"`
	MatchType string `json:"match_type"`
	Snippet   string `json:"matched_snippet"`
}

// Filter is a compiled, immutable matcher built from the sensitive-word
// table. Rebuild it after the table changes.
type Filter struct {
	contains []string
	exact    map[string]struct{}
	regexps  []compiledRegex
}

type compiledRegex struct {
	word string
	re   *regexp.Regexp
}

// Compile builds a Filter from the word list. Contains and exact entries are
// lowercased; regex entries are compiled as-is. Invalid regex entries fail
// compilation so bad admin input surfaces immediately.
func Compile(words []store.SensitiveWord) (*Filter, error) {
	f := &Filter{exact: make(map[string]struct{})}
	for _, w := range words {
		switch w.MatchType {
		case store.MatchContains:
			f.contains = append(f.contains, strings.ToLower(w.Word))
		case store.MatchExact:
			f.exact[strings.ToLower(w.Word)] = struct{}{}
		case store.MatchRegex:
			re, err := regexp.Compile(w.Word)
			if err != nil {
				return nil, fmt.Errorf("sensitive word %q: %w", w.Word, err)
			}
			f.regexps = append(f.regexps, compiledRegex{word: w.Word, re: re})
		default:
			return nil, fmt.Errorf("sensitive word %q: unknown match type %q", w.Word, w.MatchType)
		}
	}
	return f, nil
}

// Empty reports whether the filter has no entries at all.
func (f *Filter) Empty() bool {
	return len(f.contains) == 0 && len(f.exact) == 0 && len(f.regexps) == 0
}

// Scan checks each text segment in order and returns the first hit. The match
// order is contains, then exact, then regex; within each mode the entries are
// tried in table order.
func (f *Filter) Scan(texts []string) *Hit {
	for _, text := range texts {
		if hit := f.scanOne(text); hit != nil {
			return hit
		}
	}
	return nil
}

func (f *Filter) scanOne(text string) *Hit {
	lower := strings.ToLower(text)

	for _, w := range f.contains {
		if strings.Contains(lower, w) {
			return &Hit{Word: w, MatchType: store.MatchContains, Snippet: snippet(lower, w)}
		}
	}
	if _, ok := f.exact[strings.TrimSpace(lower)]; ok {
		return &Hit{Word: strings.TrimSpace(lower), MatchType: store.MatchExact, Snippet: strings.TrimSpace(text)}
	}
	for _, cr := range f.regexps {
		if m := cr.re.FindString(text); m != "" {
			return &Hit{Word: cr.word, MatchType: store.MatchRegex, Snippet: m}
		}
	}
	return nil
}

// snippet returns the matched word with a little surrounding context. The
// byte bounds are widened to rune boundaries so multi-byte text never yields
// an invalid slice.
func snippet(lower, word string) string {
	idx := strings.Index(lower, word)
	if idx < 0 {
		return word
	}
	start := idx - 20
	if start < 0 {
		start = 0
	}
	end := idx + len(word) + 20
	if end > len(lower) {
		end = len(lower)
	}
	for start > 0 && !utf8.RuneStart(lower[start]) {
		start--
	}
	for end < len(lower) && !utf8.RuneStart(lower[end]) {
		end++
	}
	return lower[start:end]
}
