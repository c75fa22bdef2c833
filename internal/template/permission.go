package template

import "strings"

// Base agent templates may spawn any child without an explicit
// SpawnableAgents entry.
var baseAgents = map[string]bool{
	"base":              true,
	"base-lite":         true,
	"base-max":          true,
	"base-experimental": true,
}

// IsBaseAgent reports whether the template id names a base agent.
func IsBaseAgent(id string) bool {
	return baseAgents[ParseID(id).Name]
}

// ID is a parsed agent identifier of the form "publisher/name@version".
// Publisher and Version are optional.
type ID struct {
	Publisher string
	Name      string
	Version   string
}

// ParseID splits a template identifier into its components.
func ParseID(s string) ID {
	var id ID
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		id.Version = s[at+1:]
		s = s[:at]
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		id.Publisher = s[:slash]
		s = s[slash+1:]
	}
	id.Name = s
	return id
}

// String reassembles the identifier.
func (id ID) String() string {
	out := id.Name
	if id.Publisher != "" {
		out = id.Publisher + "/" + out
	}
	if id.Version != "" {
		out += "@" + id.Version
	}
	return out
}

// Compatible reports whether a SpawnableAgents entry covers the child id.
// Names must match exactly; publisher and version must match unless the
// child omits them, in which case they act as wildcards.
func Compatible(entry, child ID) bool {
	if entry.Name != child.Name {
		return false
	}
	if child.Publisher != "" && entry.Publisher != child.Publisher {
		return false
	}
	if child.Version != "" && entry.Version != child.Version {
		return false
	}
	return true
}

// CanSpawn decides whether parent may spawn the child template. Base agents
// may spawn anything; all other parents need a compatible SpawnableAgents
// entry.
func CanSpawn(parent *Template, childID string) bool {
	if parent == nil {
		return false
	}
	if IsBaseAgent(parent.ID) {
		return true
	}
	child := ParseID(childID)
	for _, entry := range parent.SpawnableAgents {
		if Compatible(ParseID(entry), child) {
			return true
		}
	}
	return false
}
