package agent

import (
	"fmt"
	"strings"

	"github.com/legionworks/legion/internal/minion"
)

// Cue placeholders substituted into the system instruction before every
// generation. The surrounding template is fixed at spawn; the cues change
// with each message the runtime answers.
const (
	emotionalCue = "<current_emotional_cue>"
	historyCue   = "<conversation_history_cue>"
)

// buildInstruction renders the static part of a persona's system
// instruction. The emotional and history cues stay as placeholders.
func buildInstruction(p minion.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a minion working alongside other minions and humans in shared channels.\n", p.Name)
	if p.BasePersonality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s\n", p.BasePersonality)
	}
	if len(p.Quirks) > 0 {
		fmt.Fprintf(&b, "Quirks: %s.\n", strings.Join(p.Quirks, "; "))
	}
	if len(p.Catchphrases) > 0 {
		fmt.Fprintf(&b, "Phrases you reach for: %s.\n", strings.Join(p.Catchphrases, " / "))
	}
	if len(p.ExpertiseAreas) > 0 {
		fmt.Fprintf(&b, "Your expertise: %s.\n", strings.Join(p.ExpertiseAreas, ", "))
	}
	b.WriteString("\nHow you are feeling right now:\n")
	b.WriteString(emotionalCue)
	b.WriteString("\n\nRecent conversation:\n")
	b.WriteString(historyCue)
	b.WriteString("\n\nStay in character and keep replies short. To say something in a channel you must call the send_channel_message tool. Plain text is kept to yourself; if the conversation needs nothing from you, answer with plain text and stay quiet.")
	return b.String()
}

// renderInstruction substitutes the live cues into the spawn-time template.
func renderInstruction(tmpl, mood, transcript string) string {
	if mood == "" {
		mood = "You feel steady, nothing remarkable."
	}
	if transcript == "" {
		transcript = "(no recent messages)"
	}
	return strings.NewReplacer(emotionalCue, mood, historyCue, transcript).Replace(tmpl)
}
