package stages

// InputKey is the context name holding the submitted request.
const InputKey = "input"

// Definition describes one stage of a pipeline.
type Definition struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
	// Inputs are the context names visible to the stage.
	Inputs []string `json:"inputs"`
	// Outputs are the names the stage must produce.
	Outputs []string `json:"outputs"`
	// Scope is the capability scope the stage needs, empty for stages that
	// perform no privileged operation.
	Scope string `json:"scope,omitempty"`
	// Command and Paths declare what the stage runs and writes under its
	// scope. Both are checked against the policy when its token is issued.
	Command string   `json:"command,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// Critical reports whether the stage must hold a capability token.
func (d Definition) Critical() bool { return d.Scope != "" }

// OutputKey returns the context name each role writes in the default
// pipeline.
func OutputKey(r Role) string {
	switch r {
	case RoleClarifier:
		return "initial_spec"
	case RoleProductManager:
		return "user_stories"
	case RoleArchitect:
		return "main_architecture"
	case RoleTechLead:
		return "technical_tasks"
	case RoleScaffolder:
		return "project_structure"
	case RoleDeveloper:
		return "implemented_code"
	case RoleCodeReviewer:
		return "code_review"
	case RoleFinalizer:
		return "final_delivery"
	}
	return ""
}

// DefaultPipeline returns the eight-role software delivery pipeline. Each
// stage sees the submitted input and every earlier stage's output. The
// developer needs a commit token and the finalizer a git_push token.
func DefaultPipeline() []Definition {
	scopes := map[Role]string{
		RoleDeveloper: "commit",
		RoleFinalizer: "git_push",
	}
	commands := map[Role]string{
		RoleDeveloper: "git commit",
		RoleFinalizer: "git push",
	}

	defs := make([]Definition, 0, len(Roles))
	visible := []string{InputKey}
	for _, role := range Roles {
		out := OutputKey(role)
		defs = append(defs, Definition{
			Name:    string(role),
			Role:    role,
			Inputs:  append([]string(nil), visible...),
			Outputs: []string{out},
			Scope:   scopes[role],
			Command: commands[role],
		})
		if role == RoleDeveloper {
			defs[len(defs)-1].Paths = []string{"."}
		}
		visible = append(visible, out)
	}
	return defs
}
