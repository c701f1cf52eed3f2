package crisis

import "github.com/BTreeMap/HavenChat/internal/models"

// Priority tells the caller how prominently to present a crisis response.
type Priority string

const (
	PriorityUrgent   Priority = "urgent"
	PriorityHigh     Priority = "high"
	PriorityModerate Priority = "moderate"
	PriorityStandard Priority = "standard"
)

// Directory supplies catalog records for crisis responses.
type Directory interface {
	ByCategory(category models.ResourceCategory) []models.Resource
	WithTag(tag string) []models.Resource
}

// Response is the message and resources shown for an assessment.
type Response struct {
	Message   string            `json:"message"`
	Resources []models.Resource `json:"resources,omitempty"`
	Priority  Priority          `json:"priority"`
}

const (
	immediateMessage = "I am deeply concerned about what you're sharing. Your life is precious and valuable. " +
		"I need you to know that help is available right now. Can you please reach out to one of these support services immediately? " +
		"They are here to help you 24/7 and understand what you're going through."
	spiritualMessage = "I hear that you're experiencing spiritual challenges. This is a very real and valid concern. " +
		"Would you like to connect with someone who understands both spiritual and emotional healing?"
	culturalMessage = "I understand the weight of cultural expectations and community judgment. " +
		"It's okay to seek help while respecting our cultural values. Would you like to speak with someone who understands these challenges?"
	listeningMessage = "I'm here to listen and support you. Would you like to tell me more about what you're experiencing?"
)

// ResponseFor builds the crisis response for an assessment. dir may be nil,
// in which case only the message is returned.
func ResponseFor(a Assessment, dir Directory) Response {
	switch {
	case a.Category == CategoryImmediateRisk && a.Severity == SeveritySevere:
		return Response{
			Message:   immediateMessage,
			Resources: lookup(dir, func(d Directory) []models.Resource { return d.ByCategory(models.ResourceCrisis) }),
			Priority:  PriorityUrgent,
		}
	case a.Category == CategorySpiritualDistress:
		return Response{
			Message: spiritualMessage,
			Resources: lookup(dir, func(d Directory) []models.Resource {
				return append(d.WithTag("spiritual"), d.ByCategory(models.ResourceProfessional)...)
			}),
			Priority: PriorityHigh,
		}
	case a.Category == CategoryCulturalPressure:
		return Response{
			Message:   culturalMessage,
			Resources: lookup(dir, func(d Directory) []models.Resource { return d.ByCategory(models.ResourceProfessional) }),
			Priority:  PriorityModerate,
		}
	default:
		return Response{Message: listeningMessage, Priority: PriorityStandard}
	}
}

func lookup(dir Directory, fn func(Directory) []models.Resource) []models.Resource {
	if dir == nil {
		return nil
	}
	return fn(dir)
}
