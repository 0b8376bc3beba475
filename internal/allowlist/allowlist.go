package allowlist

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Allowlist describes which data-plane operations the bridge will sign and
// forward. A request must match at least one rule; everything else is
// refused before any signing happens.
type Allowlist struct {
	rules []Rule
}

// Rule allows a set of methods against resources of one type whose resource
// link starts with the given prefix. An empty prefix matches any link of the
// type; the "*" method matches any method.
type Rule struct {
	Methods      []string `yaml:"methods"`
	ResourceType string   `yaml:"resourceType"`
	LinkPrefix   string   `yaml:"linkPrefix"`
}

type document struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads and parses the allowlist from a YAML file.
func Load(path string) (*Allowlist, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read allowlist: %w", err)
	}

	return Parse(contents)
}

// Parse parses the allowlist from YAML.
func Parse(contents []byte) (*Allowlist, error) {
	var doc document
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("could not parse allowlist: %w", err)
	}

	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("allowlist must contain at least one rule")
	}

	for i, rule := range doc.Rules {
		if rule.ResourceType == "" {
			return nil, fmt.Errorf("allowlist rule %d: resourceType is required", i)
		}
		if len(rule.Methods) == 0 {
			return nil, fmt.Errorf("allowlist rule %d: at least one method is required", i)
		}
	}

	log.Info().Int("rules", len(doc.Rules)).Msg("operation allowlist loaded")

	return &Allowlist{rules: doc.Rules}, nil
}

// Allows reports whether the operation matches at least one rule.
func (a *Allowlist) Allows(method, resourceType, resourceLink string) bool {
	for _, rule := range a.rules {
		if rule.matches(method, resourceType, resourceLink) {
			return true
		}
	}
	return false
}

func (r Rule) matches(method, resourceType, resourceLink string) bool {
	if !strings.EqualFold(r.ResourceType, resourceType) {
		return false
	}

	if !strings.HasPrefix(resourceLink, r.LinkPrefix) {
		return false
	}

	method = strings.ToUpper(method)
	return slices.Contains(r.Methods, "*") ||
		slices.ContainsFunc(r.Methods, func(m string) bool {
			return strings.ToUpper(m) == method
		})
}
