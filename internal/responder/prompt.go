package responder

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/HavenChat/internal/analysis"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/state"
)

// promptHistoryLength is the number of prior messages embedded in the prompt.
const promptHistoryLength = 4

const systemPrompt = `You are an experienced, warm counselor having a natural conversation with someone who reached out for support.
Respond like a real person: varied, genuine, conversational and never clinical. Use contractions and natural speech.
Reference what they said so they know you are listening. Keep the reply short.`

// buildUserPrompt embeds recent history, the current analysis and the
// response constraints around the user's message.
func buildUserPrompt(cc *state.ConversationContext, r analysis.Result, text string, history []models.Message) string {
	var b strings.Builder

	if recent := lastMessages(history, promptHistoryLength); len(recent) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	topics := make([]string, 0, len(r.Topics))
	for _, t := range r.Topics {
		topics = append(topics, string(t))
	}
	fmt.Fprintf(&b, "Current emotional state: %s (intensity: %s)\n", r.Emotion, r.Intensity)
	fmt.Fprintf(&b, "Key topics: %s\n", strings.Join(topics, ", "))
	fmt.Fprintf(&b, "Conversation stage: %s\n\n", cc.Stage)

	b.WriteString("Instructions:\n")
	b.WriteString("1. Do not reuse any of these recent openings: ")
	if len(cc.ResponseHistory) == 0 {
		b.WriteString("(none yet)")
	} else {
		b.WriteString(`"` + strings.Join(cc.ResponseHistory, `", "`) + `"`)
	}
	b.WriteString("\n")
	b.WriteString("2. Ask exactly one meaningful follow-up question.\n")
	fmt.Fprintf(&b, "3. Match their emotional intensity (%s) without amplifying it.\n", r.Intensity)
	if r.NeedsValidation {
		b.WriteString("4. They sound self-critical or dismissed; validate their feelings first.\n")
	}

	fmt.Fprintf(&b, "\nCurrent message: %q\n", text)
	return b.String()
}

func lastMessages(history []models.Message, n int) []models.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// firstSentence returns the opening sentence of a reply for anti-repetition tracking.
func firstSentence(reply string) string {
	reply = strings.TrimSpace(reply)
	if i := strings.IndexAny(reply, ".!?"); i >= 0 {
		return reply[:i+1]
	}
	return reply
}
