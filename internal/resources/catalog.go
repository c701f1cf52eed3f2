// Package resources holds the static resource catalog and decides when a
// conversation should be offered articles, community groups, professional
// contacts or crisis lines.
package resources

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/BTreeMap/HavenChat/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Resource is re-exported for callers that only deal with the catalog.
type Resource = models.Resource

// Catalog is a read-only set of resources grouped by category.
type Catalog struct {
	byCategory map[models.ResourceCategory][]Resource
}

// LoadCatalog parses a YAML document keyed by category name.
func LoadCatalog(data []byte) (*Catalog, error) {
	var raw map[string][]Resource
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse resource catalog: %w", err)
	}
	c := &Catalog{byCategory: make(map[models.ResourceCategory][]Resource, len(raw))}
	seen := make(map[string]bool)
	for name, entries := range raw {
		category := models.ResourceCategory(name)
		if !models.IsValidResourceCategory(category) {
			return nil, fmt.Errorf("unknown resource category %q", name)
		}
		for i := range entries {
			if entries[i].ID == "" {
				return nil, fmt.Errorf("resource %d in %q has no id", i, name)
			}
			if seen[entries[i].ID] {
				return nil, fmt.Errorf("duplicate resource id %q", entries[i].ID)
			}
			seen[entries[i].ID] = true
			entries[i].Category = category
		}
		c.byCategory[category] = entries
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// document is invalid, which the package tests guard against.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := LoadCatalog(catalogYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// ByCategory returns a copy of the entries in category, in catalog order.
func (c *Catalog) ByCategory(category models.ResourceCategory) []Resource {
	if c == nil {
		return nil
	}
	return append([]Resource(nil), c.byCategory[category]...)
}

// WithTag returns every entry carrying tag, across all categories.
func (c *Catalog) WithTag(tag string) []Resource {
	var out []Resource
	for _, r := range c.All() {
		for _, t := range r.Tags {
			if strings.EqualFold(t, tag) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// All returns every entry, grouped in category order.
func (c *Catalog) All() []Resource {
	if c == nil {
		return nil
	}
	var out []Resource
	for _, category := range models.ResourceCategories {
		out = append(out, c.byCategory[category]...)
	}
	return out
}
