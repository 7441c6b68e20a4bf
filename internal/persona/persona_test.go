package persona

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatrelay/internal/transport"
)

func seqRand(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}
}

func fixedNow() time.Time { return time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC) }

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()

	p := New(Config{BotName: "Mira", OwnerName: "@ops", GroupName: "Night Owls"}, WithClock(fixedNow))

	private := p.BuildSystemPrompt(transport.ChatPrivate, "Ada")
	assert.True(t, strings.HasPrefix(private, "You are Mira, a friendly, witty person created by @ops from Night Owls."))
	assert.Contains(t, private, "PRIVATE CHAT:")
	assert.NotContains(t, private, "GROUP CHAT:")
	assert.Contains(t, private, "Current time: Thursday, March 05, 2026 at 02:30 PM\n")
	assert.Contains(t, private, "You're talking to: Ada\n")
	assert.True(t, strings.HasSuffix(private, "Now respond naturally as yourself!"))

	group := p.BuildSystemPrompt(transport.ChatGroup, "")
	assert.Contains(t, group, "GROUP CHAT:")
	assert.NotContains(t, group, "You're talking to")
}

func TestApplyChangesPrompt(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	p := New(Config{BotName: "Mira"}, WithClock(fixedNow))
	p.Apply(Config{BotName: "Juno", Personality: "laid-back surfer", Location: loc})

	out := p.BuildSystemPrompt(transport.ChatPrivate, "")
	assert.True(t, strings.HasPrefix(out, "You are Juno, a laid-back surfer.\n"))
	assert.Contains(t, out, "at 04:30 PM")
	assert.Equal(t, "Juno", p.Name())
}

func TestEnhance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rnd  func() float64
		in   string
		want string
	}{
		{
			name: "short reply untouched",
			rnd:  seqRand(0),
			in:   "ok sure",
			want: "ok sure",
		},
		{
			name: "assistant sentence dropped and contracted",
			rnd:  seqRand(0.9),
			in:   "I do not know. As an AI I cannot say. It is fine.",
			want: "I don't know. It is fine.",
		},
		{
			name: "title case contraction",
			rnd:  seqRand(0.9),
			in:   "Well, I think You Are right about that.",
			want: "Well, I think you're right about that.",
		},
		{
			name: "casual prefix",
			rnd:  seqRand(0.1, 0.0, 0.2),
			in:   "That sounds like a plan for the weekend.",
			want: "tbh, that sounds like a plan for the weekend.",
		},
		{
			name: "casual suffix",
			rnd:  seqRand(0.1, 0.5, 0.9),
			in:   "That sounds like a plan for the weekend.",
			want: "That sounds like a plan for the weekend. honestly",
		},
		{
			name: "existing casual word kept alone",
			rnd:  seqRand(0.1, 0.0, 0.0),
			in:   "That was funny lol, see you later",
			want: "That was funny lol, see you later",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(Config{BotName: "Mira"}, WithRand(tc.rnd))
			assert.Equal(t, tc.want, p.Enhance(tc.in, "Ada"))
		})
	}
}

func TestDetectTone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Could you please send the report? Thank you very much.", ToneFormal},
		{"lol yeah gonna do it", ToneCasual},
		{"This is AWESOME!", ToneExcited},
		{"I'm so sad...", ToneSad},
		{"I hate this stupid thing", ToneAngry},
		{"hello there", ToneCasual},
		{"please lol", ToneFormal},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, DetectTone(tc.in))
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultLanguage, DetectLanguage("   "))
	assert.Equal(t, "en", DetectLanguage("The weather has been lovely this week and we went for a long walk by the river."))
	assert.Equal(t, "fr", DetectLanguage("Bonjour, comment allez-vous aujourd'hui? J'espère que tout va bien chez vous et votre famille."))

	lang, tone := Detector{}.Detect("lol yeah that was a really fun evening with all of our friends")
	assert.Equal(t, "en", lang)
	assert.Equal(t, ToneCasual, tone)
}
