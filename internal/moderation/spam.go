package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Spam check names reported in FilterResult.Term.
const (
	SpamInviteLink    = "invite_link"
	SpamURL           = "url"
	SpamWalletAddress = "wallet_address"
	SpamPhone         = "phone"
	SpamCharFlood     = "char_flood"
	SpamWordFlood     = "word_flood"
)

var (
	// Messenger and community invites: the usual way strangers get pulled
	// off-platform.
	invitePattern = regexp.MustCompile(`(?i)\b(?:t\.me|telegram\.me|discord\.gg|discord(?:app)?\.com/invite|chat\.whatsapp\.com|wa\.me)/\S+`)

	// Bare domains only count with a path so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|app|gg|ru|cn|tk|ml|ga|cf)/\S*)`)

	evmAddress    = regexp.MustCompile(`(?i)\b0x[0-9a-f]{40}\b`)
	bech32Address = regexp.MustCompile(`(?i)\bbc1[02-9ac-hj-np-z]{25,62}\b`)
	base58Token   = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{26,44}\b`)

	// Whole-token phone numbers: +1-555-123-4567, (555) 123-4567, 555.123.4567.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks lists the checks in evaluation order; the first hit is reported.
func (f *Filter) spamChecks() []spamCheck {
	return []spamCheck{
		{SpamInviteLink, invitePattern.MatchString},
		{SpamURL, urlPattern.MatchString},
		{SpamWalletAddress, hasWalletAddress},
		{SpamPhone, phonePattern.MatchString},
		{SpamCharFlood, f.hasCharFlood},
		{SpamWordFlood, f.hasWordFlood},
	}
}

// hasWalletAddress spots EVM, bech32 and base58 (Solana, legacy Bitcoin)
// addresses. A base58 run must mix digits with upper and lower case letters,
// which ordinary long words never do.
func hasWalletAddress(text string) bool {
	if evmAddress.MatchString(text) || bech32Address.MatchString(text) {
		return true
	}
	for _, tok := range base58Token.FindAllString(text, -1) {
		var digit, upper, lower bool
		for _, r := range tok {
			switch {
			case unicode.IsDigit(r):
				digit = true
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsLower(r):
				lower = true
			}
		}
		if digit && upper && lower {
			return true
		}
	}
	return false
}

// hasCharFlood reports a run of f.charFlood identical runes. RE2 has no
// backreferences, hence the scan.
func (f *Filter) hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			prev, run = r, 0
		}
		run++
		if run >= f.charFlood {
			return true
		}
	}
	return false
}

// hasWordFlood reports f.wordFlood case-insensitive repeats of one word in a
// row.
func (f *Filter) hasWordFlood(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < f.wordFlood {
		return false
	}
	run := 0
	prev := ""
	for _, w := range words {
		if w != prev {
			prev, run = w, 0
		}
		run++
		if run >= f.wordFlood {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range f.spam {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
