// Package moderation provides content filtering for order chat messages. It
// redacts contact details, links, markup and blocked terms from message text
// before the text is persisted, and reports which rules fired.
package moderation

import (
	"strings"
	"unicode"
)

// Flags reported in Result.Flags.
const (
	FlagHTML        = "html"
	FlagEmail       = "email"
	FlagPhone       = "phone"
	FlagURL         = "url"
	FlagProfanity   = "profanity"
	FlagOffPlatform = "off_platform"
	FlagBlockedTerm = "blocked_term"
)

// Redaction replaces every flagged substring.
const Redaction = "[removed]"

// Result is the outcome of moderating one message.
type Result struct {
	CleanedContent string   `json:"cleaned_content"`
	IsModerated    bool     `json:"is_moderated"`
	Flags          []string `json:"flags,omitempty"`
}

// Filter is safe for concurrent use once constructed.
type Filter struct {
	words   map[string]string   // single-word term -> flag
	phrases map[string][]phrase // first word -> phrases starting with it
}

type phrase struct {
	words []string
	flag  string
}

// defaultTerms maps each blocked term to the flag it raises. Off-platform
// terms catch attempts to move payment or contact outside the marketplace.
var defaultTerms = map[string]string{
	"fuck":            FlagProfanity,
	"fucking":         FlagProfanity,
	"shit":            FlagProfanity,
	"bitch":           FlagProfanity,
	"asshole":         FlagProfanity,
	"bastard":         FlagProfanity,
	"cunt":            FlagProfanity,
	"dickhead":        FlagProfanity,
	"motherfucker":    FlagProfanity,
	"whatsapp":        FlagOffPlatform,
	"telegram":        FlagOffPlatform,
	"viber":           FlagOffPlatform,
	"signal me":       FlagOffPlatform,
	"pay outside":     FlagOffPlatform,
	"pay me directly": FlagOffPlatform,
	"pay in cash":     FlagOffPlatform,
	"wire transfer":   FlagOffPlatform,
	"western union":   FlagOffPlatform,
	"cash app":        FlagOffPlatform,
	"bank transfer":   FlagOffPlatform,
}

// NewFilter creates a Filter with the default term list.
func NewFilter() *Filter {
	f := &Filter{
		words:   make(map[string]string),
		phrases: make(map[string][]phrase),
	}
	for term, flag := range defaultTerms {
		f.addTerm(term, flag)
	}
	return f
}

// NewFilterWithTerms creates a Filter that blocks exactly the given terms,
// all reported as FlagBlockedTerm. Blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{
		words:   make(map[string]string),
		phrases: make(map[string][]phrase),
	}
	for _, term := range terms {
		f.addTerm(term, FlagBlockedTerm)
	}
	return f
}

func (f *Filter) addTerm(term, flag string) {
	fields := strings.Fields(strings.ToLower(term))
	switch len(fields) {
	case 0:
		return
	case 1:
		f.words[fields[0]] = flag
	default:
		f.phrases[fields[0]] = append(f.phrases[fields[0]], phrase{words: fields, flag: flag})
	}
}

// Moderate cleans text and reports what was removed. It never panics: if any
// pass fails the original text is returned unflagged.
func (f *Filter) Moderate(text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{CleanedContent: text}
		}
	}()

	var flags flagSet
	cleaned := text

	if stripped, changed := stripMarkup(cleaned); changed {
		cleaned = stripped
		flags.add(FlagHTML)
	}

	for _, rule := range contactRules {
		if out, n := rule.redact(cleaned); n > 0 {
			cleaned = out
			flags.add(rule.flag)
		}
	}

	if out, termFlags := f.redactTerms(cleaned); len(termFlags) > 0 {
		cleaned = out
		for _, fl := range termFlags {
			flags.add(fl)
		}
	}

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if len(flags) == 0 {
		return Result{CleanedContent: text}
	}
	return Result{CleanedContent: cleaned, IsModerated: true, Flags: flags}
}

// token is one whitespace-delimited word with its byte span in the source.
type token struct {
	start, end int
	plain      string // lowercased, surrounding punctuation trimmed
	leet       string // leetspeak-normalised form
}

// redactTerms replaces blocked words and phrases and returns the flags hit.
func (f *Filter) redactTerms(text string) (string, []string) {
	toks := tokenize(text)
	if len(toks) == 0 {
		return text, nil
	}

	type span struct{ start, end int }
	var spans []span
	var hit []string

	for i := 0; i < len(toks); i++ {
		if n, flag := f.matchPhrase(toks, i); n > 0 {
			spans = append(spans, span{toks[i].start, toks[i+n-1].end})
			hit = append(hit, flag)
			i += n - 1
			continue
		}
		if flag, ok := f.matchWord(toks[i]); ok {
			spans = append(spans, span{toks[i].start, toks[i].end})
			hit = append(hit, flag)
		}
	}
	if len(spans) == 0 {
		return text, nil
	}

	var b strings.Builder
	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.start])
		b.WriteString(Redaction)
		prev = s.end
	}
	b.WriteString(text[prev:])
	return b.String(), hit
}

func (f *Filter) matchWord(t token) (string, bool) {
	if flag, ok := f.words[t.plain]; ok {
		return flag, true
	}
	if flag, ok := f.words[t.leet]; ok {
		return flag, true
	}
	return "", false
}

// matchPhrase returns the number of tokens consumed by a phrase starting at
// toks[i], or 0 if none matches.
func (f *Filter) matchPhrase(toks []token, i int) (int, string) {
	candidates := f.phrases[toks[i].plain]
	if toks[i].leet != toks[i].plain {
		candidates = append(candidates[:len(candidates):len(candidates)], f.phrases[toks[i].leet]...)
	}
	for _, p := range candidates {
		if i+len(p.words) > len(toks) {
			continue
		}
		ok := true
		for j, w := range p.words {
			t := toks[i+j]
			if t.plain != w && t.leet != w {
				ok = false
				break
			}
		}
		if ok {
			return len(p.words), p.flag
		}
	}
	return 0, ""
}

func tokenize(text string) []token {
	var toks []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				toks = append(toks, newToken(text, start, i))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, newToken(text, start, len(text)))
	}
	return toks
}

func newToken(text string, start, end int) token {
	raw := strings.ToLower(text[start:end])
	return token{
		start: start,
		end:   end,
		plain: strings.TrimFunc(raw, notAlnum),
		leet:  strings.TrimFunc(normalizeLeet(strings.TrimRightFunc(raw, trailingPunct)), notAlnum),
	}
}

// trailingPunct keeps "$" and "@" so "a$$" still normalises, but drops "!"
// and other sentence punctuation.
func trailingPunct(r rune) bool {
	return notAlnum(r) && r != '$' && r != '@'
}

func notAlnum(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet maps common leetspeak substitutions back to letters.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}

// flagSet keeps flags unique in first-seen order.
type flagSet []string

func (s *flagSet) add(flag string) {
	for _, f := range *s {
		if f == flag {
			return
		}
	}
	*s = append(*s, flag)
}
