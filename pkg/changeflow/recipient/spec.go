package recipient

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/changeflow/pkg/changeflow/config"
)

// Kind identifies which rule a Spec uses.
type Kind int

// Spec kinds.
const (
	KindField Kind = iota + 1
	KindRole
	KindTeam
	KindIDs
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindField:
		return "field"
	case KindRole:
		return "role"
	case KindTeam:
		return "team"
	case KindIDs:
		return "ids"
	default:
		return "unknown"
	}
}

// Scope narrows a role or team rule.
type Scope string

// Scopes.
const (
	ScopeTenant Scope = "tenant"
	ScopeRegion Scope = "region"
	ScopeBranch Scope = "branch"
)

// Spec is one declarative recipient rule.
type Spec struct {
	Kind Kind

	// Path is the field reference for KindField: one segment, or two for a
	// related entity's field.
	Path []string

	// Role is the role name for KindRole.
	Role string

	// Scope applies to KindRole and KindTeam.
	Scope Scope

	// IDs is the explicit user list for KindIDs.
	IDs []int64
}

// Field returns a field reference spec, e.g. Field("client.assigned_to").
func Field(ref string) Spec {
	return Spec{Kind: KindField, Path: strings.Split(ref, ".")}
}

// Role returns a role spec. An empty scope means the whole tenant.
func Role(role string, scope Scope) Spec {
	if scope == "" {
		scope = ScopeTenant
	}
	return Spec{Kind: KindRole, Role: role, Scope: scope}
}

// Team returns everyone in the event's branch or region.
func Team(scope Scope) Spec {
	return Spec{Kind: KindTeam, Scope: scope}
}

// IDs returns an explicit user list spec.
func IDs(ids ...int64) Spec {
	return Spec{Kind: KindIDs, IDs: ids}
}

// String returns a short description for logs.
func (s Spec) String() string {
	switch s.Kind {
	case KindField:
		return "field:" + strings.Join(s.Path, ".")
	case KindRole:
		return fmt.Sprintf("role:%s/%s", s.Role, s.Scope)
	case KindTeam:
		return "team:" + string(s.Scope)
	case KindIDs:
		return fmt.Sprintf("ids:%v", s.IDs)
	default:
		return "unknown"
	}
}

// FromConfig converts a configured rule into a Spec.
func FromConfig(c config.RecipientSpec) (Spec, error) {
	if err := c.Validate(); err != nil {
		return Spec{}, err
	}
	switch {
	case c.Field != "":
		return Field(c.Field), nil
	case c.Role != "":
		return Role(c.Role, Scope(c.Scope)), nil
	case c.Team != "":
		return Team(Scope(c.Team)), nil
	default:
		return IDs(c.IDs...), nil
	}
}

// FromConfigList converts a list of configured rules.
func FromConfigList(list []config.RecipientSpec) ([]Spec, error) {
	out := make([]Spec, 0, len(list))
	for i, c := range list {
		s, err := FromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
