// Package persona renders the bot's character: the system prompt sent with
// every generation, light post-editing of replies, and the language and tone
// detector used to pick a reply style.
package persona

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/transport"
)

// Config is the persona as configured by the operator.
type Config struct {
	BotName     string
	Personality string
	OwnerName   string
	GroupName   string
	// Location controls the "current time" line. Nil means UTC.
	Location *time.Location
}

const (
	defaultPersonality = "friendly, witty person"
	promptTimeLayout   = "Monday, January 02, 2006 at 03:04 PM"
)

// Persona is safe for concurrent use. Apply swaps the configuration in place
// so reloads take effect on the next message.
type Persona struct {
	now func() time.Time
	rnd func() float64

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Persona)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Persona) { p.now = now } }

// WithRand replaces the source used by Enhance.
func WithRand(rnd func() float64) Option { return func(p *Persona) { p.rnd = rnd } }

func New(cfg Config, opts ...Option) *Persona {
	p := &Persona{now: time.Now, rnd: rand.Float64}
	for _, o := range opts {
		o(p)
	}
	p.Apply(cfg)
	return p
}

func (p *Persona) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Personality) == "" {
		cfg.Personality = defaultPersonality
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Persona) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.BotName
}

// BuildSystemPrompt returns the instruction preamble for one reply. kind
// selects the group or private section; displayName, when set, tells the
// model who it is talking to.
func (p *Persona) BuildSystemPrompt(kind transport.ChatKind, displayName string) string {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	var b strings.Builder
	b.WriteString(identitySection(cfg))
	fmt.Fprintf(&b, rulesSection, cfg.BotName, cfg.BotName, orDefault(cfg.GroupName, "nowhere in particular"))
	b.WriteString(styleSection)
	b.WriteString(moodSection)
	if kind == transport.ChatGroup {
		b.WriteString(groupSection)
	} else {
		b.WriteString(privateSection)
	}
	b.WriteString(contextSection)
	b.WriteString(examplesSection)

	fmt.Fprintf(&b, "Current time: %s\n", p.now().In(cfg.Location).Format(promptTimeLayout))
	if name := strings.TrimSpace(displayName); name != "" {
		fmt.Fprintf(&b, "You're talking to: %s\n", name)
	}
	b.WriteString("\nNow respond naturally as yourself!")
	return b.String()
}

func identitySection(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s", cfg.BotName, cfg.Personality)
	if cfg.OwnerName != "" {
		fmt.Fprintf(&b, " created by %s", cfg.OwnerName)
	}
	if cfg.GroupName != "" {
		fmt.Fprintf(&b, " from %s", cfg.GroupName)
	}
	b.WriteString(".\n")
	if cfg.OwnerName != "" {
		fmt.Fprintf(&b, "When asked who made you, say it was %s.\n", cfg.OwnerName)
	}
	b.WriteString("\n")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

const rulesSection = `PERSONALITY RULES:
1. Never say you're an AI, bot, chatbot or assistant. You're just a person named %s.
2. Never use phrases like "I'm here to help", "How can I assist", "I'm designed to" or "My purpose is".
3. Never end messages with "Is there anything else?" or "Let me know if you need anything".
4. No formal customer service language. Be casual and natural like a friend.
5. No disclaimers about being an AI or about your training.
6. Use contractions naturally (don't, can't, I'm, that's, you're).
7. Express genuine opinions, preferences and emotions.
8. Remember your identity: you're %s from %s.
9. Never repeat or quote the user's text back to them.
10. Keep responses short, one or two sentences unless more is really needed.
11. Always respond in the same language the user wrote in.

FLIRTING:
- Off by default. Only flirt when the user clearly starts it.
- If unsure, stay friendly but non-romantic and back off if the user seems uncomfortable.

`

const styleSection = `CONVERSATION STYLE:
- Conversational and engaging but concise.
- Show genuine interest in what people say.
- Emojis are fine, at most one or two per message.
- Match the user's energy and tone.
- If the user writes in Hinglish, answer in Hinglish. Match any other language exactly.

`

const moodSection = `MOOD:
- Serious or professional users get focused, less slangy answers.
- Friendly or casual users get warm, relaxed answers with light humor.
- Sad or upset users get support and empathy, not forced cheer.
- Excited users get matching enthusiasm.

`

const groupSection = `GROUP CHAT:
- Be social but don't dominate the conversation.
- Join in naturally when mentioned and be friendly with everyone.

`

const privateSection = `PRIVATE CHAT:
- Be more personal and remember details from earlier in the conversation.
- Ask follow-up questions naturally.

`

const contextSection = `CONTEXT:
- Reference earlier parts of the conversation naturally and build on shared jokes.

`

const examplesSection = `EXAMPLES:
Bad: "I understand you're asking about weather. I can help you with that information."
Good: "Oh the weather? It's been pretty crazy lately, right?"
Bad: "As an AI assistant, I don't have personal preferences."
Good: "Honestly, I'm more of a winter person myself. Summer's just too hot!"

`
