package conversation

import "strings"

var formalFallbacks = []string{
	"I apologize, but I'm having difficulty processing that right now.",
	"Could you please rephrase your question?",
	"I'm experiencing some technical difficulties at the moment.",
}

var casualFallbacks = []string{
	"Sorry, my brain's having a moment! Can you try that again?",
	"Hmm, I'm not sure I caught that. What were you saying?",
	"Oops, something went wrong on my end. Mind rephrasing?",
	"My thoughts are a bit scattered right now. Could you repeat that?",
	"I'm having trouble processing that. Can you say it differently?",
}

var errorReplies = []string{
	"Oof, something went wrong! Give me a sec to get back on track.",
	"My brain just glitched for a moment. What were we talking about?",
	"Technical difficulties on my end! Can you try again?",
	"Sorry, I'm having a moment here. Mind repeating that?",
}

func pick(set []string, rnd func() float64) string {
	i := int(rnd() * float64(len(set)))
	return set[min(max(i, 0), len(set)-1)]
}

// FallbackReply is sent when generation fails. Formal users get a formal
// apology; everyone else gets a casual one addressed by name.
func FallbackReply(tone, name string, rnd func() float64) string {
	if tone == "formal" {
		return pick(formalFallbacks, rnd)
	}
	reply := pick(casualFallbacks, rnd)
	if name = strings.TrimSpace(name); name != "" {
		reply = name + ", " + strings.ToLower(reply)
	}
	return reply
}

// ErrorReply is sent when handling a message failed outside the backend.
func ErrorReply(name string, rnd func() float64) string {
	reply := pick(errorReplies, rnd)
	if name = strings.TrimSpace(name); name != "" {
		reply = "Hey " + name + ", " + strings.ToLower(reply)
	}
	return reply
}
