package models

// ResourceCategory groups catalog entries by the kind of support they offer.
type ResourceCategory string

const (
	ResourceArticles     ResourceCategory = "articles"
	ResourceCommunity    ResourceCategory = "community"
	ResourceProfessional ResourceCategory = "professional"
	ResourceCrisis       ResourceCategory = "crisis"
)

// ResourceCategories lists every category in catalog order.
var ResourceCategories = []ResourceCategory{
	ResourceArticles,
	ResourceCommunity,
	ResourceProfessional,
	ResourceCrisis,
}

// IsValidResourceCategory checks if the given category is supported.
func IsValidResourceCategory(c ResourceCategory) bool {
	for _, known := range ResourceCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Resource is a read-only catalog entry: an article, community group,
// professional contact or crisis line. Fields that do not apply to a
// category are left empty.
type Resource struct {
	ID          string           `json:"id" yaml:"id"`
	Category    ResourceCategory `json:"category" yaml:"-"`
	Title       string           `json:"title,omitempty" yaml:"title,omitempty"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	URL         string           `json:"url,omitempty" yaml:"url,omitempty"`
	Location    string           `json:"location,omitempty" yaml:"location,omitempty"`
	Contact     string           `json:"contact,omitempty" yaml:"contact,omitempty"`
	Available   string           `json:"available,omitempty" yaml:"available,omitempty"`
	Specialties []string         `json:"specialties,omitempty" yaml:"specialties,omitempty"`
	Languages   []string         `json:"languages,omitempty" yaml:"languages,omitempty"`
	Tags        []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// DisplayName returns Name for people and organisations, Title otherwise.
func (r Resource) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Title
}

// ResourceSuggestion is the resource block attached to an assistant reply.
type ResourceSuggestion struct {
	Introduction string           `json:"introduction"`
	Resources    []Resource       `json:"resources"`
	Type         ResourceCategory `json:"type"`
}
