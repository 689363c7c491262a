package moderation

import (
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Compiled once at package init and safe for concurrent use.
var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

	// urlPattern matches http/https URLs, www. URLs, and bare domains on common
	// TLDs. Bare domains need a trailing "/" so version strings like "v2.0" and
	// decimals like "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|me|ly)/\S*)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567 and
	// 555.123.4567. Candidates are filtered further by phoneMatch.
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}`)

	markupPolicy = bluemonday.StrictPolicy()
)

// contactRule redacts one class of contact detail.
type contactRule struct {
	flag    string
	pattern *regexp.Regexp
	accept  func(text string, start, end int) bool
}

// contactRules run in order. Emails go before URLs so "bob@site.com/x" is
// reported as an email.
var contactRules = []contactRule{
	{flag: FlagEmail, pattern: emailPattern},
	{flag: FlagURL, pattern: urlPattern},
	{flag: FlagPhone, pattern: phonePattern, accept: phoneMatch},
}

// redact replaces accepted matches with Redaction and returns how many
// matches were replaced.
func (c contactRule) redact(text string) (string, int) {
	locs := c.pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}

	var b strings.Builder
	prev, n := 0, 0
	for _, loc := range locs {
		if c.accept != nil && !c.accept(text, loc[0], loc[1]) {
			continue
		}
		b.WriteString(text[prev:loc[0]])
		b.WriteString(Redaction)
		prev = loc[1]
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[prev:])
	return b.String(), n
}

// phoneMatch rejects candidates glued to other letters or digits, and digit
// runs too short or too long to be a phone number (order numbers, prices).
func phoneMatch(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}

	digits := 0
	for _, r := range text[start:end] {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 9 && digits <= 15
}

// stripMarkup removes HTML tags. Plain text that merely contains "<" or "&"
// is returned unchanged.
func stripMarkup(text string) (string, bool) {
	if !strings.ContainsAny(text, "<>") {
		return text, false
	}
	out := html.UnescapeString(markupPolicy.Sanitize(text))
	if out == text {
		return text, false
	}
	return out, true
}
