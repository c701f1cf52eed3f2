package responder

import (
	"github.com/BTreeMap/HavenChat/internal/analysis"
	"github.com/BTreeMap/HavenChat/internal/state"
)

var initialOpeners = map[analysis.Emotion][]string{
	analysis.EmotionFrustrated: {
		"That sounds incredibly frustrating.",
		"I can hear the frustration in what you're saying.",
		"Wow, that would really get to me too.",
	},
	analysis.EmotionSad: {
		"That's really painful to hear.",
		"I can feel how much this is hurting you.",
		"That sounds heartbreaking.",
	},
	analysis.EmotionAnxious: {
		"That anxiety sounds overwhelming.",
		"I can sense how worried you are about this.",
		"That's a lot of stress to carry.",
	},
	analysis.EmotionLonely: {
		"That loneliness sounds overwhelming.",
		"Feeling disconnected like that is so hard.",
		"That isolation must be really difficult.",
	},
	analysis.EmotionHopeless: {
		"That hopelessness feels so heavy.",
		"I can hear how exhausted you are.",
		"That's such a dark place to be in.",
	},
	analysis.EmotionNeutral: {
		"I'm here to listen and understand what you're going through.",
		"Thank you for sharing that with me.",
		"I appreciate you opening up about this.",
		"That sounds really tough.",
		"I hear you.",
	},
}

var validationOpeners = []string{
	"Being called childish really stings, doesn't it?",
	"That must feel like such a dismissal of your feelings.",
	"When people label us like that, it's like they're not really seeing us.",
}

var exploringOpeners = map[analysis.Emotion][]string{
	analysis.EmotionFrustrated: {
		"That level of frustration makes so much sense given what you're dealing with.",
		"I can really hear the frustration in what you're sharing.",
		"It's completely understandable to feel frustrated about this.",
	},
	analysis.EmotionSad: {
		"The sadness in your words really comes through.",
		"That sounds incredibly painful to deal with.",
		"I can feel how much this is affecting you.",
	},
	analysis.EmotionLonely: {
		"That sense of loneliness you're describing sounds really heavy.",
		"It must be so hard feeling this disconnected.",
		"Feeling alone like this can be really overwhelming.",
	},
	analysis.EmotionNeutral: {
		"I'm really trying to understand your experience.",
		"The way you describe this helps me understand better.",
		"Thank you for helping me understand what this is like for you.",
	},
}

var deepeningValidationOpeners = []string{
	"Your feelings about this are completely valid.",
	"I want you to know that your reaction makes perfect sense.",
	"Anyone in your situation would feel this way.",
	"These feelings you're having are so important to acknowledge.",
}

var deepeningOpeners = []string{
	"As we talk more, I'm understanding better how this affects you.",
	"The more you share, the more I see how complex this situation is.",
	"I'm noticing how many layers there are to what you're experiencing.",
	"I'm still thinking about what you shared earlier...",
	"This is clearly something that's been weighing on you.",
	"There's so much more to this story, isn't there?",
}

var referralOpeners = []string{
	"I really value how open you've been about all of this.",
	"You've shared so much about your experience.",
	"We've explored a lot together, and I'm wondering something.",
	"Given everything you've shared, I have a thought I'd like to offer.",
}

var initialQuestions = []string{
	"Could you tell me more about what brought this up for you?",
	"What made you want to talk about this today?",
	"How long have you been feeling this way?",
	"What's on your mind as you share this with me?",
}

var validationFamilyQuestions = []string{
	"How do those words make you feel when they say that to you?",
	"What would you want them to understand about how this affects you?",
	"What does 'childish' even mean to them? Like, what specific things trigger that response?",
	"Do they explain what they want you to do differently, or just... criticize?",
	"When did this pattern start? Has it always been like this?",
}

var familySadQuestions = []string{
	"What would feeling supported by them look like to you?",
	"How has this affected your relationship with them?",
	"What do you think they might not understand about your experience?",
	"Are there moments when you do feel their love, or is it pretty consistently like this?",
	"What do you think they're really trying to communicate when they react this way?",
}

var deepeningQuestions = []string{
	"As you reflect on this, what feelings come up for you?",
	"What do you think is at the core of these feelings?",
	"How has this experience shaped how you see yourself?",
	"What would healing or resolution look like for you?",
}

var referralQuestions = []string{
	"Have you ever thought about talking to someone professionally about this?",
	"Would you be open to exploring some additional support options?",
	"What are your thoughts about getting some extra support with this?",
	"How would you feel about talking with someone who specializes in these kinds of situations?",
}

var genericQuestions = []string{
	"What's the hardest part about this for you?",
	"How do these feelings show up in your daily life?",
	"What helps you cope when things get really difficult?",
	"What would be most helpful for you right now?",
	"How long has this been going on?",
	"What goes through your mind when this happens?",
}

// connectors join an opener and a question; the empty entry means no connector.
var connectors = []string{
	"I'm curious -",
	"Tell me more about this:",
	"Something I'm wondering:",
	"Can I ask you something?",
	"Help me understand:",
	"",
}

// communityMention is appended when repeated low-key distress suggests peer support.
const communityMention = "Some people find it helps to hear from others who have been through something similar, so I've shared a few communities below."

// readinessForReferral is the readiness score above which referral questions are used.
const readinessForReferral = 7

func openersFor(stage state.Stage, r analysis.Result) []string {
	switch stage {
	case state.StageExploring:
		if list, ok := exploringOpeners[r.Emotion]; ok {
			return list
		}
		return exploringOpeners[analysis.EmotionNeutral]
	case state.StageDeepening:
		if r.NeedsValidation {
			return deepeningValidationOpeners
		}
		return deepeningOpeners
	case state.StageReadyForReferral:
		return referralOpeners
	default:
		if r.NeedsValidation {
			return validationOpeners
		}
		if list, ok := initialOpeners[r.Emotion]; ok {
			return list
		}
		return initialOpeners[analysis.EmotionNeutral]
	}
}

func questionsFor(stage state.Stage, r analysis.Result, readiness int) []string {
	switch stage {
	case state.StageInitial:
		return initialQuestions
	case state.StageExploring:
		if r.NeedsValidation && r.HasTopic(analysis.TopicFamily) {
			return validationFamilyQuestions
		}
		if r.HasTopic(analysis.TopicFamily) && r.Emotion == analysis.EmotionSad {
			return familySadQuestions
		}
	case state.StageDeepening:
		return deepeningQuestions
	case state.StageReadyForReferral:
		if readiness > readinessForReferral {
			return referralQuestions
		}
	}
	return genericQuestions
}
