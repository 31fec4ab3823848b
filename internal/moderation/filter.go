// Package moderation provides content filtering and moderation capabilities.
// It screens chat messages for prohibited content and enforces community
// guidelines before messages are delivered to recipients.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a Check. Reason is "blocked_keyword" or
// "spam_pattern"; Term is the matched blocklist entry or spam check name.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// defaultTerms is the built-in blocklist. Single words are matched per token,
// multi-word entries as whole-word phrases.
var defaultTerms = []string{
	// self-harm and harassment
	"kill yourself", "go die", "kys",
	// sexual solicitation and exploitation
	"child porn", "send nudes", "cp links",
	// violent threats and extremism
	"bomb threat", "heil hitler", "school shooting",
	// scams
	"free bitcoin", "crypto giveaway", "seed phrase", "private key",
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Config tunes a Filter. Flood runs below 2 fall back to the defaults.
type Config struct {
	Terms        []string
	CharFloodRun int // identical characters in a row that count as flooding
	WordFloodRun int // identical words in a row that count as flooding
}

// DefaultConfig returns the built-in blocklist and flood thresholds.
func DefaultConfig() Config {
	return Config{
		Terms:        defaultTerms,
		CharFloodRun: 5,
		WordFloodRun: 3,
	}
}

// Filter is an immutable blocklist plus the spam checks. It is safe for
// concurrent use.
type Filter struct {
	words     map[string]struct{}
	phrases   []string
	charFlood int
	wordFlood int
	spam      []spamCheck
}

// New creates a Filter from cfg.
func New(cfg Config) *Filter {
	def := DefaultConfig()
	f := &Filter{
		words:     make(map[string]struct{}),
		charFlood: cfg.CharFloodRun,
		wordFlood: cfg.WordFloodRun,
	}
	if f.charFlood < 2 {
		f.charFlood = def.CharFloodRun
	}
	if f.wordFlood < 2 {
		f.wordFlood = def.WordFloodRun
	}
	f.spam = f.spamChecks()

	for _, term := range cfg.Terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(tokens, " "))
		}
	}
	return f
}

// NewFilter creates a Filter with the default configuration.
func NewFilter() *Filter {
	return New(DefaultConfig())
}

// NewFilterWithTerms creates a Filter with a custom blocklist and the default
// flood thresholds. Blank entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	cfg := DefaultConfig()
	cfg.Terms = terms
	return New(cfg)
}

// Check screens text against the blocklist, then the spam patterns. The
// first hit wins.
func (f *Filter) Check(text string) FilterResult {
	if strings.TrimSpace(text) == "" {
		return FilterResult{}
	}

	lower := strings.ToLower(text)
	if term, ok := f.matchTokens(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	leet := tokenizeLeet(lower)
	for i := range leet {
		leet[i] = normalizeLeet(leet[i])
	}
	if term, ok := f.matchTokens(leet); ok {
		return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) matchTokens(tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, phrase := range f.phrases {
		if strings.Contains(joined, " "+phrase+" ") {
			return phrase, true
		}
	}
	return "", false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only so substitution characters survive.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(text, unicode.IsSpace)
}

func normalizeLeet(token string) string {
	return strings.Map(func(r rune) rune {
		if sub, ok := leetMap[r]; ok {
			return sub
		}
		return r
	}, token)
}
