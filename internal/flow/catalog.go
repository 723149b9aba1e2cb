package flow

import (
	"fmt"
	"sort"

	"github.com/ppiankov/spinegate/internal/intent"
	"github.com/ppiankov/spinegate/internal/model"
	"github.com/ppiankov/spinegate/internal/tool"
)

// Domain bundles the pluggable content of one spine.
type Domain struct {
	Name     string
	Patterns []model.Pattern
	Builder  Builder
	// RegisterTools installs the domain's tools. Optional.
	RegisterTools func(reg *tool.Registry) error
}

// Catalog is the immutable set of domains loaded at startup.
type Catalog struct {
	domains map[string]Domain
	names   []string
	set     *intent.Set
}

// NewCatalog validates domains and compiles their patterns. Patterns
// without a spine are assigned to their domain.
func NewCatalog(domains ...Domain) (*Catalog, error) {
	c := &Catalog{domains: make(map[string]Domain, len(domains))}
	var patterns []model.Pattern
	for _, d := range domains {
		if d.Name == "" {
			return nil, fmt.Errorf("domain name is required")
		}
		if d.Builder == nil {
			return nil, fmt.Errorf("domain %q has no builder", d.Name)
		}
		if _, dup := c.domains[d.Name]; dup {
			return nil, fmt.Errorf("domain %q registered twice", d.Name)
		}
		owned := make([]model.Pattern, 0, len(d.Patterns))
		for _, p := range d.Patterns {
			if p.SpineID == "" {
				p.SpineID = d.Name
			}
			owned = append(owned, p)
		}
		d.Patterns = owned
		patterns = append(patterns, owned...)
		c.domains[d.Name] = d
		c.names = append(c.names, d.Name)
	}
	sort.Strings(c.names)

	set, err := intent.Compile(patterns)
	if err != nil {
		return nil, err
	}
	c.set = set
	return c, nil
}

// WithPatterns returns a new catalog whose pattern set is the domain
// patterns plus extra. Extra patterns must name a known spine.
func (c *Catalog) WithPatterns(extra []model.Pattern) (*Catalog, error) {
	for _, p := range extra {
		if _, ok := c.domains[p.SpineID]; !ok {
			return nil, fmt.Errorf("pattern %s/%s names unknown spine", p.SpineID, p.IntentName)
		}
	}
	patterns := append(c.set.Patterns(), extra...)
	set, err := intent.Compile(patterns)
	if err != nil {
		return nil, err
	}
	return &Catalog{domains: c.domains, names: c.names, set: set}, nil
}

// Domain resolves a spine id.
func (c *Catalog) Domain(spine string) (Domain, bool) {
	d, ok := c.domains[spine]
	return d, ok
}

// Names lists domain names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Patterns returns every compiled pattern.
func (c *Catalog) Patterns() []model.Pattern {
	return c.set.Patterns()
}

// Detect runs the pattern matcher over all domains.
func (c *Catalog) Detect(text string) []model.Intent {
	return c.set.Detect(text)
}

// RegisterTools installs every domain's tools into reg.
func (c *Catalog) RegisterTools(reg *tool.Registry) error {
	for _, name := range c.names {
		d := c.domains[name]
		if d.RegisterTools == nil {
			continue
		}
		if err := d.RegisterTools(reg); err != nil {
			return fmt.Errorf("domain %s: %w", name, err)
		}
	}
	return nil
}
