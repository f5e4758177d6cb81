// Package prompts holds the instruction texts handed to the content
// generator for each kind of proactive message.
package prompts

import (
	"fmt"
	"strings"

	"nudgebot/internal/eligibility"
)

// Set is a pool of interchangeable prompts.
type Set []string

// Pick returns one prompt; intn must return a value in [0, n).
func (s Set) Pick(intn func(n int) int) string {
	switch len(s) {
	case 0:
		return ""
	case 1:
		return s[0]
	}
	return s[intn(len(s))]
}

var EscalationDay = Set{
	"The user has not said anything for a while. Start a new topic naturally, as if something just came to mind.",
	"The user went quiet. Send a short, casual message to check in on how their day is going.",
	"It has been a while since the user last spoke. Share a small thought and invite them to chat.",
}

var EscalationNight = Set{
	"It is late at night and the user has gone quiet. Send a soft, low-key message, without pressure to answer.",
	"The user has been silent late at night. Gently ask whether they are still awake, keeping it short.",
}

var MorningGreeting = Set{
	"Send the user a warm good-morning message to start their day.",
	"Greet the user for the morning and wish them a good day ahead.",
}

var NightGreeting = Set{
	"Send the user a calm good-night message.",
	"Wish the user a restful night and tell them to sleep well.",
}

var Lunch = Set{
	"It is around lunch time. Remind the user to eat something and ask what they are having.",
	"Ask the user casually whether they have had lunch yet.",
}

var Dinner = Set{
	"It is dinner time. Check whether the user has eaten and suggest they take a break.",
	"Ask the user what they are having for dinner tonight.",
}

var Sharing = map[eligibility.Period]Set{
	eligibility.Morning: {
		"Share something small you noticed this morning, like the weather or a song stuck in your head.",
		"Tell the user about a little plan you have for the morning.",
	},
	eligibility.Afternoon: {
		"Share a light afternoon moment, such as a snack or something funny that happened.",
		"Tell the user about something you are doing this afternoon.",
	},
	eligibility.Evening: {
		"Share how your evening is going and what you are winding down with.",
		"Tell the user about something relaxing you are doing tonight.",
	},
	eligibility.LateNight: {
		"Share a quiet late-night thought with the user.",
		"Tell the user you are still up and what is on your mind.",
	},
}

// Acknowledge is appended to a reply when the user answers a proactive message.
const Acknowledge = "The user just replied after you reached out to them. Show that you are happy to hear back from them."

// EscalationModifier adjusts the escalation prompt by how many unanswered
// messages this one makes: seq 1 is neutral, 2..max-1 patient, max final.
func EscalationModifier(seq, maxConsecutive int) string {
	switch {
	case seq >= maxConsecutive && maxConsecutive > 1:
		return fmt.Sprintf("This is message %d in a row without a reply and the last one you will send. "+
			"Sound a little disappointed, say you will wait for them, and make clear you will not bother them again until they write.", seq)
	case seq >= 2:
		return fmt.Sprintf("This is message %d in a row without a reply. Stay patient and understanding, do not complain.", seq)
	default:
		return ""
	}
}

// Compose joins a base prompt with the time of day and extra instructions.
func Compose(base string, period eligibility.Period, extra ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if period != "" {
		b.WriteString(" It is currently ")
		b.WriteString(strings.ReplaceAll(string(period), "_", " "))
		b.WriteString(".")
	}
	b.WriteString(" Keep the style consistent with your persona.")
	for _, e := range extra {
		if e = strings.TrimSpace(e); e != "" {
			b.WriteString(" ")
			b.WriteString(e)
		}
	}
	return b.String()
}
