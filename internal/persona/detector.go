package persona

import (
	"regexp"
	"strings"

	"github.com/abadojack/whatlanggo"
)

const (
	DefaultLanguage = "en"

	ToneFormal  = "formal"
	ToneCasual  = "casual"
	ToneExcited = "excited"
	ToneSad     = "sad"
	ToneAngry   = "angry"
)

type toneRule struct {
	tone     string
	patterns []*regexp.Regexp
	// raw patterns are matched against the original text rather than the
	// lower-cased copy.
	raw []*regexp.Regexp
}

// toneRules are scored in order; the first tone with the highest count wins.
var toneRules = []toneRule{
	{tone: ToneFormal, patterns: compile(
		`\b(sir|madam|please|kindly|would you|could you|may i)\b`,
		`\b(thank you very much|i would appreciate|i am writing to)\b`,
		`\b(furthermore|however|nevertheless|therefore)\b`,
	)},
	{tone: ToneCasual, patterns: compile(
		`\b(lol|haha|omg|wtf|tbh|ngl|btw|imo|afaik)\b`,
		`\b(yeah|yep|nah|gonna|wanna|gotta)\b`,
		`!{2,}|\?{2,}`,
	)},
	{tone: ToneExcited, patterns: compile(
		`!+`,
		`\b(awesome|amazing|fantastic|great|love|excited|yay)\b`,
	), raw: compile(`[A-Z]{3,}`)},
	{tone: ToneSad, patterns: compile(
		`\b(sad|sorry|worried|concerned|upset|disappointed)\b`,
		`\.{3,}`,
	)},
	{tone: ToneAngry, patterns: compile(
		`\b(angry|mad|furious|hate|stupid|idiot|damn)\b`,
		`[!@#$%^&*]`,
	)},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Detector guesses the language and tone of a message. The zero value is
// ready to use.
type Detector struct{}

// Detect returns an ISO 639-1 language code (DefaultLanguage when unknown)
// and one of the Tone constants (ToneCasual when nothing matches).
func (Detector) Detect(text string) (lang, tone string) {
	return DetectLanguage(text), DetectTone(text)
}

func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return DefaultLanguage
	}
	info := whatlanggo.Detect(text)
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return DefaultLanguage
}

func DetectTone(text string) string {
	lower := strings.ToLower(text)
	best, bestScore := ToneCasual, 0
	for _, r := range toneRules {
		score := 0
		for _, re := range r.patterns {
			score += len(re.FindAllStringIndex(lower, -1))
		}
		for _, re := range r.raw {
			score += len(re.FindAllStringIndex(text, -1))
		}
		if score > bestScore {
			best, bestScore = r.tone, score
		}
	}
	return best
}
