package emotion

import (
	"strings"

	"github.com/legionworks/legion/internal/bus"
)

// Keyword tables for the default analyzer. Matching is substring-based
// on the lowercased content, so "thank you so much" hits "thank".
var (
	positiveWords = []string{
		"thank", "great", "awesome", "love", "excellent", "brilliant",
		"well done", "good job", "nice work", "perfect", "amazing", "helpful",
	}
	negativeWords = []string{
		"fail", "broken", "terrible", "hate", "wrong", "stupid",
		"awful", "useless", "crash", "garbage", "disappointing",
	}
)

// KeywordAnalyzer is the default Analyzer: a cheap keyword heuristic
// that needs no model call. A policy model can replace it via
// Options.Analyzer.
type KeywordAnalyzer struct{}

// Analyze proposes a delta for an event. The engine has already
// established relevance; this only decides direction and magnitude.
func (KeywordAnalyzer) Analyze(evt bus.Event, selfID string) (Update, bool) {
	switch evt.Type {
	case bus.ChannelMessage:
		return analyzeMessage(bus.DecodeChannelMessage(evt), selfID)
	case bus.MinionSpawned:
		return analyzeSpawn(evt)
	case bus.TaskAssigned:
		return Update{
			Mood:       MoodVector{Arousal: 0.1, Dominance: 0.05},
			Energy:     -0.05,
			Stress:     0.1,
			Reflection: taskReflection("assigned", evt),
			Reason:     "task_assigned",
		}, true
	case bus.TaskCompleted:
		return Update{
			Mood:       MoodVector{Valence: 0.2, Dominance: 0.1},
			Energy:     -0.1,
			Stress:     -0.15,
			Reflection: taskReflection("completed", evt),
			Reason:     "task_completed",
		}, true
	case bus.TaskFailed:
		return Update{
			Mood:       MoodVector{Valence: -0.2, Dominance: -0.1},
			Stress:     0.15,
			Reflection: taskReflection("failed", evt),
			Reason:     "task_failed",
		}, true
	case bus.TaskCancelled:
		return Update{Stress: -0.05, Reason: "task_cancelled"}, true
	}
	return Update{}, false
}

func analyzeMessage(msg bus.ChannelMessageData, selfID string) (Update, bool) {
	// Speaking costs a little energy and feeds sociability.
	if msg.SenderID == selfID {
		return Update{
			Mood:   MoodVector{Sociability: 0.02},
			Energy: -0.03,
			Reason: "spoke",
		}, true
	}

	content := strings.ToLower(msg.Content)
	u := Update{
		Mood:   MoodVector{Arousal: 0.05},
		Reason: "addressed",
	}

	pos := countHits(content, positiveWords)
	neg := countHits(content, negativeWords)
	if pos > 0 {
		u.Mood.Valence += 0.08 * float64(pos)
		u.Mood.Sociability += 0.03
		u.Opinions = map[string]OpinionDelta{
			msg.SenderID: {
				EntityType: classifyEntity(msg.SenderID),
				Trust:      4 * float64(pos),
				Affection:  5 * float64(pos),
			},
		}
	}
	if neg > 0 {
		u.Mood.Valence -= 0.08 * float64(neg)
		u.Stress += 0.06 * float64(neg)
		d := u.Opinions[msg.SenderID]
		d.EntityType = classifyEntity(msg.SenderID)
		d.Trust -= 3 * float64(neg)
		d.Respect -= 2 * float64(neg)
		if u.Opinions == nil {
			u.Opinions = map[string]OpinionDelta{}
		}
		u.Opinions[msg.SenderID] = d
	}
	if strings.Contains(content, "?") {
		u.Mood.Curiosity += 0.08
	}
	if strings.Contains(content, "!") {
		u.Mood.Arousal += 0.06
	}
	return u, true
}

func analyzeSpawn(evt bus.Event) (Update, bool) {
	spawned := bus.StringField(evt, "minion_id")
	u := Update{
		Mood:   MoodVector{Sociability: 0.05, Curiosity: 0.05},
		Reason: "minion_spawned",
	}
	if spawned != "" {
		u.Opinions = map[string]OpinionDelta{
			spawned: {
				EntityType: EntityMinion,
				Trust:      5,
				Respect:    5,
				Affection:  5,
				Event:      "met " + spawned,
			},
		}
	}
	return u, true
}

func taskReflection(verb string, evt bus.Event) string {
	title := bus.StringField(evt, "title")
	if title == "" {
		title = bus.StringField(evt, "task_id")
	}
	if title == "" {
		return ""
	}
	return verb + " task: " + title
}

func countHits(content string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(content, w) {
			n++
		}
	}
	return n
}

// classifyEntity guesses the entity type from the id convention: minion
// ids carry the "minion" prefix, everything else is treated as human.
// The engine overrides this for configured commanders.
func classifyEntity(id string) string {
	if strings.HasPrefix(id, "minion") {
		return EntityMinion
	}
	return EntityHuman
}
