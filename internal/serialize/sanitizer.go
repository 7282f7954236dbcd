package serialize

import (
	"fmt"
	"strings"
)

// Sanitizer pre/post-processes content while serializing. SanitizeMap receives each
// serialized mapping once, after its entries were serialized; it must not descend.
type Sanitizer interface {
	SanitizeString(s string) string
	DesanitizeString(s string) string
	SanitizeMap(m map[string]any) map[string]any
}

// NopSanitizer leaves everything untouched.
type NopSanitizer struct{}

func (NopSanitizer) SanitizeString(s string) string              { return s }
func (NopSanitizer) DesanitizeString(s string) string            { return s }
func (NopSanitizer) SanitizeMap(m map[string]any) map[string]any { return m }

// Substitution replaces Pattern with Replacement on the way in.
type Substitution struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// SubstringSanitizer redacts substrings (typically local paths) with placeholders and
// restores them on the way out. Replacements are applied in order; the inverse applies
// the swapped pairs in reverse order.
type SubstringSanitizer struct {
	subs []Substitution
}

// NewSubstringSanitizer validates that all replacements are distinct.
func NewSubstringSanitizer(subs []Substitution) (*SubstringSanitizer, error) {
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if s.Pattern == "" {
			return nil, fmt.Errorf("serialize: empty substitution pattern")
		}
		if _, dup := seen[s.Replacement]; dup {
			return nil, fmt.Errorf("serialize: substitution replacements must be distinct (%q repeated)", s.Replacement)
		}
		seen[s.Replacement] = struct{}{}
	}
	return &SubstringSanitizer{subs: append([]Substitution(nil), subs...)}, nil
}

func (s *SubstringSanitizer) SanitizeString(text string) string {
	for _, sub := range s.subs {
		text = strings.ReplaceAll(text, sub.Pattern, sub.Replacement)
	}
	return text
}

func (s *SubstringSanitizer) DesanitizeString(text string) string {
	for i := len(s.subs) - 1; i >= 0; i-- {
		text = strings.ReplaceAll(text, s.subs[i].Replacement, s.subs[i].Pattern)
	}
	return text
}

func (s *SubstringSanitizer) SanitizeMap(m map[string]any) map[string]any { return m }
