package persona

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	enhanceMinChars    = 10
	casualChance       = 0.3
	casualPrefixChance = 0.5
)

var assistantPhrases = []string{
	"I'm an AI",
	"As an AI",
	"I'm here to help",
	"How can I assist",
	"Is there anything else",
	"I hope this helps",
	"Let me know if you need",
	"I don't have personal opinions",
	"I don't have personal experiences",
}

var casualElements = []string{
	"tbh", "ngl", "lol", "haha", "honestly",
	"for real", "no cap", "that's cool", "nice!",
}

var contractions = []struct{ long, short string }{
	{" do not ", " don't "},
	{" does not ", " doesn't "},
	{" did not ", " didn't "},
	{" will not ", " won't "},
	{" would not ", " wouldn't "},
	{" could not ", " couldn't "},
	{" should not ", " shouldn't "},
	{" cannot ", " can't "},
	{" is not ", " isn't "},
	{" are not ", " aren't "},
	{" was not ", " wasn't "},
	{" were not ", " weren't "},
	{" have not ", " haven't "},
	{" has not ", " hasn't "},
	{" had not ", " hadn't "},
	{" I am ", " I'm "},
	{" you are ", " you're "},
	{" we are ", " we're "},
	{" they are ", " they're "},
	{" it is ", " it's "},
	{" that is ", " that's "},
}

// Enhance makes a generated reply read less like an assistant. Replies
// shorter than ten characters come back unchanged. Otherwise sentences with
// assistant phrasing are dropped, a casual word is sometimes added and common
// long forms are contracted.
func (p *Persona) Enhance(text, displayName string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < enhanceMinChars {
		return text
	}

	out := dropSentences(trimmed, assistantPhrases)
	out = p.addCasual(out)
	for _, c := range contractions {
		out = strings.ReplaceAll(out, c.long, c.short)
		out = strings.ReplaceAll(out, titleWords(c.long), c.short)
	}
	return out
}

func (p *Persona) addCasual(text string) string {
	if p.rnd() >= casualChance {
		return text
	}
	lower := strings.ToLower(text)
	for _, el := range casualElements {
		if strings.Contains(lower, el) {
			return text
		}
	}
	i := int(p.rnd() * float64(len(casualElements)))
	el := casualElements[min(max(i, 0), len(casualElements)-1)]
	if p.rnd() < casualPrefixChance {
		return el + ", " + lower
	}
	return text + " " + el
}

func dropSentences(text string, phrases []string) string {
	for _, phrase := range phrases {
		lp := strings.ToLower(phrase)
		if !strings.Contains(strings.ToLower(text), lp) {
			continue
		}
		parts := strings.Split(text, ". ")
		kept := parts[:0]
		for _, s := range parts {
			if !strings.Contains(strings.ToLower(s), lp) {
				kept = append(kept, s)
			}
		}
		text = strings.Join(kept, ". ")
	}
	return text
}

// titleWords upper-cases the first letter of every word and lower-cases the
// rest, so " do not " becomes " Do Not ".
func titleWords(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
