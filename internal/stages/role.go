// Package stages defines the contract between the orchestrator and the
// agents that execute pipeline stages.
//
// The orchestrator is agnostic to what a stage does. It hands a StageRunner
// a read-only View of the context keys the stage depends on and commits the
// returned Result itself. Runners report failures with the typed errors in
// this package so the recovery router can classify them.
package stages

import "fmt"

// Role is the kind of agent a stage is executed by. The set is closed.
type Role string

const (
	RoleClarifier      Role = "clarifier"
	RoleProductManager Role = "product_manager"
	RoleArchitect      Role = "architect"
	RoleTechLead       Role = "tech_lead"
	RoleScaffolder     Role = "scaffolder"
	RoleDeveloper      Role = "developer"
	RoleCodeReviewer   Role = "code_reviewer"
	RoleFinalizer      Role = "finalizer"
)

// Roles lists every role in default pipeline order.
var Roles = []Role{
	RoleClarifier,
	RoleProductManager,
	RoleArchitect,
	RoleTechLead,
	RoleScaffolder,
	RoleDeveloper,
	RoleCodeReviewer,
	RoleFinalizer,
}

// ParseRole validates s against the closed role set.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Hint asks a runner to change its approach after a validation failure.
type Hint string

const (
	HintNone       Hint = ""
	HintAdjusted   Hint = "adjusted"
	HintSimplified Hint = "simplified"
)
