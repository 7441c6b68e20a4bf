package inference

import (
	"strings"
)

// DefaultDenylist holds phrases that give away an assistant persona.
// Sentences containing any of them are dropped from replies.
var DefaultDenylist = []string{
	"I'm an AI",
	"As an AI",
	"I'm here to help",
	"How can I assist",
	"I don't have personal opinions",
	"I can't feel emotions",
	"I don't have personal experiences",
	"As a language model",
	"I'm a chatbot",
	"I'm a bot",
	"I'm an assistant",
	"I'm designed to",
	"My purpose is",
	"I was created to",
	"I'm programmed to",
	"Is there anything else you'd like to know",
	"How can I help you",
	"Let me know if you need anything",
	"I'm happy to help",
	"I'd be happy to",
	"I can help you with",
	"I can assist you",
	"As a digital assistant",
	"I don't have feelings",
	"I can't experience",
	"I don't have the ability to",
	"I'm not able to feel",
	"I lack the capacity",
}

// DefaultFillers replace the final period of some casual replies.
var DefaultFillers = []string{" lol", " haha", " 😊", " right?", " you know?"}

const (
	defaultMaxChars     = 1000
	defaultTruncateTo   = 800
	defaultFillerChance = 0.2
	fillerMinChars      = 50
	sentenceSep         = ". "
)

// PostProcessor cleans raw model output. It is pure apart from Rand, which
// decides whether a filler is appended.
type PostProcessor struct {
	Denylist     []string
	Fillers      []string
	FillerChance float64
	MaxChars     int
	TruncateTo   int
	// Rand returns a value in [0, 1). Nil disables fillers.
	Rand func() float64
}

// NewPostProcessor returns a processor with defaults for zero values.
// A nil denylist selects DefaultDenylist.
func NewPostProcessor(denylist []string, maxChars, truncateTo int, rnd func() float64) *PostProcessor {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	if truncateTo <= 0 {
		truncateTo = defaultTruncateTo
	}
	if truncateTo > maxChars {
		truncateTo = maxChars
	}
	return &PostProcessor{
		Denylist:     append([]string(nil), denylist...),
		Fillers:      DefaultFillers,
		FillerChance: defaultFillerChance,
		MaxChars:     maxChars,
		TruncateTo:   truncateTo,
		Rand:         rnd,
	}
}

// Process applies, in order: markdown stripping, denylist filtering,
// the optional casual filler and truncation.
func (p *PostProcessor) Process(text, tone string) string {
	text = StripEmphasis(text)
	text = FilterDenylisted(text, p.Denylist)
	text = p.addFiller(text, tone)
	text = Truncate(text, p.MaxChars, p.TruncateTo)
	return strings.TrimSpace(text)
}

// StripEmphasis removes markdown bold and italic markers.
func StripEmphasis(text string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, "**", ""), "*", "")
}

// FilterDenylisted drops every ". "-separated sentence that contains a
// denylisted phrase, compared case-insensitively.
func FilterDenylisted(text string, denylist []string) string {
	if len(denylist) == 0 || text == "" {
		return text
	}
	lowered := make([]string, 0, len(denylist))
	for _, p := range denylist {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	lowText := strings.ToLower(text)
	hit := false
	for _, p := range lowered {
		if strings.Contains(lowText, p) {
			hit = true
			break
		}
	}
	if !hit {
		return text
	}

	sentences := strings.Split(text, sentenceSep)
	kept := sentences[:0]
	for _, s := range sentences {
		ls := strings.ToLower(s)
		drop := false
		for _, p := range lowered {
			if strings.Contains(ls, p) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, sentenceSep)
}

func (p *PostProcessor) addFiller(text, tone string) string {
	if p.Rand == nil || len(p.Fillers) == 0 || tone != "casual" {
		return text
	}
	if !strings.HasSuffix(text, ".") || runeLen(text) <= fillerMinChars {
		return text
	}
	if p.Rand() >= p.FillerChance {
		return text
	}
	i := int(p.Rand() * float64(len(p.Fillers)))
	i = min(max(i, 0), len(p.Fillers)-1)
	return strings.TrimSuffix(text, ".") + p.Fillers[i]
}

// Truncate shortens text longer than maxChars. It keeps whole ". "-separated
// sentences while their combined length stays within budget and ends the
// result with a period. When even the first sentence is too long, it cuts at
// the last word boundary inside budget and appends "...".
func Truncate(text string, maxChars, budget int) string {
	if maxChars <= 0 || runeLen(text) <= maxChars {
		return text
	}
	var kept []string
	used := 0
	for _, s := range strings.Split(text, sentenceSep) {
		n := runeLen(s)
		if used+n > budget {
			break
		}
		kept = append(kept, s)
		used += n
	}
	if len(kept) > 0 {
		out := strings.Join(kept, sentenceSep)
		if !strings.HasSuffix(out, ".") {
			out += "."
		}
		return out
	}

	r := []rune(text)
	if budget > len(r) {
		budget = len(r)
	}
	cut := string(r[:budget])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:") + "..."
}

func runeLen(s string) int { return len([]rune(s)) }
