package vcs

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const (
	// GlobalUnitPrefix marks unknown units created for global-impact paths.
	GlobalUnitPrefix = "global:"
	// UnownedUnitPrefix marks unknown units created for paths no unit owns.
	UnownedUnitPrefix = "unowned:"
)

type ownership struct {
	prefix string
	unitID string
}

// PathMapper resolves repository paths to owning units by the most specific
// declared path prefix.
type PathMapper struct {
	owners []ownership
	paths  map[string][]string
}

func NewPathMapper(units []catalog.Unit) *PathMapper {
	m := &PathMapper{paths: make(map[string][]string)}
	for _, unit := range units {
		for _, p := range unit.Paths {
			prefix := normalizePath(p)
			if prefix == "" {
				continue
			}
			m.owners = append(m.owners, ownership{prefix: prefix, unitID: unit.ID})
			m.paths[unit.ID] = append(m.paths[unit.ID], prefix)
		}
	}
	sort.Slice(m.owners, func(i, j int) bool {
		if len(m.owners[i].prefix) != len(m.owners[j].prefix) {
			return len(m.owners[i].prefix) > len(m.owners[j].prefix)
		}
		if m.owners[i].prefix != m.owners[j].prefix {
			return m.owners[i].prefix < m.owners[j].prefix
		}
		return m.owners[i].unitID < m.owners[j].unitID
	})
	return m
}

// Owner returns the unit owning p.
func (m *PathMapper) Owner(p string) (string, bool) {
	p = normalizePath(p)
	for _, owner := range m.owners {
		if owner.prefix == "." || p == owner.prefix || strings.HasPrefix(p, owner.prefix+"/") {
			return owner.unitID, true
		}
	}
	return "", false
}

// Paths returns the declared path prefixes of a unit.
func (m *PathMapper) Paths(unitID string) []string {
	return append([]string(nil), m.paths[unitID]...)
}

// Classify maps one changed path onto a unit id. Docs paths are ignored;
// global-impact and unowned paths map onto synthetic unknown units.
func (m *PathMapper) Classify(p string) (unitID string, ignored bool) {
	p = normalizePath(p)
	if p == "" || isDocsPath(p) {
		return "", true
	}
	if isGlobalImpact(p) {
		return GlobalUnitPrefix + p, false
	}
	if owner, ok := m.Owner(p); ok {
		return owner, false
	}
	return UnownedUnitPrefix + p, false
}

func normalizePath(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return ""
	}
	cleaned := path.Clean(p)
	if cleaned == "/" {
		return "."
	}
	return strings.TrimSuffix(cleaned, "/")
}

func isDocsPath(p string) bool {
	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "docs/") {
		return true
	}
	base := path.Base(lower)
	if base == "license" || base == "codeowners" {
		return true
	}
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".rst")
}

func isGlobalImpact(p string) bool {
	lower := strings.ToLower(p)
	switch {
	case strings.HasPrefix(lower, ".github/"):
		return true
	case lower == "delta-select.yaml", lower == "delta-select.yml":
		return true
	case lower == "go.mod", lower == "go.sum":
		return true
	case lower == "makefile":
		return true
	case lower == "dockerfile", strings.HasSuffix(lower, "/dockerfile"):
		return true
	default:
		return false
	}
}
