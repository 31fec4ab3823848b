package moderation

import "testing"

type spamCase struct {
	name  string
	input string
	term  string // empty means the message must pass
}

func runSpamCases(t *testing.T, f *Filter, cases []spamCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			if tt.term == "" {
				if res.Blocked {
					t.Errorf("Check(%q) blocked (reason=%q term=%q), want clean", tt.input, res.Reason, res.Term)
				}
				return
			}
			if !res.Blocked {
				t.Fatalf("Check(%q) passed, want %s", tt.input, tt.term)
			}
			if res.Reason != "spam_pattern" || res.Term != tt.term {
				t.Errorf("Check(%q) = %q/%q, want spam_pattern/%s", tt.input, res.Reason, res.Term, tt.term)
			}
		})
	}
}

func TestSpam_InviteLinks(t *testing.T) {
	runSpamCases(t, NewFilterWithTerms(nil), []spamCase{
		{"telegram", "add me t.me/cryptodrops", SpamInviteLink},
		{"telegram https", "https://t.me/+AbCdEf", SpamInviteLink},
		{"discord short", "join discord.gg/xyz123", SpamInviteLink},
		{"discord invite", "discord.com/invite/abc", SpamInviteLink},
		{"whatsapp", "chat.whatsapp.com/Gx1", SpamInviteLink},
		{"wa.me", "text me wa.me/4915112345", SpamInviteLink},
		{"mentioning telegram", "do you use telegram?", ""},
	})
}

func TestSpam_URLs(t *testing.T) {
	runSpamCases(t, NewFilterWithTerms(nil), []spamCase{
		{"http", "check out http://evil.com", SpamURL},
		{"https with path", "visit https://claim-airdrop.xyz/now", SpamURL},
		{"www", "go to www.phishing.net", SpamURL},
		{"bare domain with path", "mint at nft-drop.app/free", SpamURL},
		{"version string", "upgrade to v2.0", ""},
		{"decimal", "pi is about 3.14", ""},
	})
}

func TestSpam_WalletAddresses(t *testing.T) {
	runSpamCases(t, NewFilterWithTerms(nil), []spamCase{
		{"evm", "send to 0x52908400098527886E0F7030069857D2E4169EE7 pls", SpamWalletAddress},
		{"evm lowercase", "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae", SpamWalletAddress},
		{"bech32", "btc: bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", SpamWalletAddress},
		{"solana", "tip 7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV", SpamWalletAddress},
		{"legacy bitcoin", "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", SpamWalletAddress},
		{"short hex", "color 0xffaa00", ""},
		{"long plain word", "supercalifragilisticexpialidocious", ""},
		{"wallet talk", "which wallet do you use?", ""},
	})
}

func TestSpam_PhoneNumbers(t *testing.T) {
	runSpamCases(t, NewFilterWithTerms(nil), []spamCase{
		{"intl dashed", "+1-555-123-4567", SpamPhone},
		{"parenthesized", "(555) 123-4567", SpamPhone},
		{"dotted", "555.123.4567", SpamPhone},
		{"in sentence", "call me at 555-123-4567 okay?", SpamPhone},
		{"score", "I got 42 out of 50", ""},
		{"year", "see you in 2025", ""},
	})
}

func TestSpam_FloodDefaults(t *testing.T) {
	runSpamCases(t, NewFilterWithTerms(nil), []spamCase{
		{"five chars", "aaaaa", SpamCharFlood},
		{"in word", "hellooooooo", SpamCharFlood},
		{"punctuation", "wow!!!!!", SpamCharFlood},
		{"four chars", "heeeel no", ""},
		{"three words", "buy buy buy", SpamWordFlood},
		{"case folded", "BUY buy Buy", SpamWordFlood},
		{"two words", "yeah yeah whatever", ""},
	})
}

func TestSpam_FloodThresholdsFromConfig(t *testing.T) {
	f := New(Config{CharFloodRun: 8, WordFloodRun: 5})
	runSpamCases(t, f, []spamCase{
		{"seven chars pass", "nooooooo", ""},
		{"eight chars", "noooooooo", SpamCharFlood},
		{"four words pass", "go go go go", ""},
		{"five words", "go go go go go", SpamWordFlood},
	})
}

func TestNew_InvalidFloodRunsUseDefaults(t *testing.T) {
	f := New(Config{CharFloodRun: 1, WordFloodRun: -3})
	def := DefaultConfig()
	if f.charFlood != def.CharFloodRun || f.wordFlood != def.WordFloodRun {
		t.Errorf("runs = %d/%d, want %d/%d", f.charFlood, f.wordFlood, def.CharFloodRun, def.WordFloodRun)
	}
}

func TestSpam_KeywordWinsOverPattern(t *testing.T) {
	f := NewFilterWithTerms([]string{"seed phrase"})

	res := f.Check("share your seed phrase at t.me/support")
	if res.Reason != "blocked_keyword" || res.Term != "seed phrase" {
		t.Errorf("got %q/%q, want blocked_keyword/seed phrase", res.Reason, res.Term)
	}

	res = f.Check("support is at t.me/support")
	if res.Term != SpamInviteLink {
		t.Errorf("Term = %q, want %s", res.Term, SpamInviteLink)
	}
}

func TestSpam_CleanMessages(t *testing.T) {
	f := NewFilter()
	for _, text := range []string{
		"", "   ", "hello", "hi there", "lol that's cool",
		"how are you doing today?", "it's 72 degrees outside",
		"it costs $5.99", "ok. sure. fine.", "sooo cool",
		"wow!!! that's great!!", "hello\nworld",
		"my wallet got airdropped some tokens yesterday",
	} {
		if res := f.Check(text); res.Blocked {
			t.Errorf("Check(%q) blocked (reason=%q term=%q)", text, res.Reason, res.Term)
		}
	}
}
