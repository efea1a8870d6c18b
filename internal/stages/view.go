package stages

import (
	"slices"

	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
)

// View is the read-only slice of the run context a stage may see: the
// latest decision for each visible name at the time the view was built.
type View struct {
	decisions map[string]contextstore.Decision
}

// NewView reads names from scope. Names without a committed value are left
// out. Values are deep copies, so a stage may modify what it reads.
func NewView(r contextstore.Reader, scope string, names []string) View {
	v := View{decisions: make(map[string]contextstore.Decision, len(names))}
	for _, name := range names {
		d, err := r.Read(contextstore.Key(scope, name))
		if err != nil {
			continue
		}
		v.decisions[name] = d.Clone()
	}
	return v
}

// ViewOf builds a view from literal values. Used by tests and templates.
func ViewOf(values map[string]any) View {
	v := View{decisions: make(map[string]contextstore.Decision, len(values))}
	for name, value := range values {
		v.decisions[name] = contextstore.Decision{Key: name, Value: value, Version: 1}
	}
	return v
}

// Get returns the decision for name.
func (v View) Get(name string) (contextstore.Decision, bool) {
	d, ok := v.decisions[name]
	return d, ok
}

// Value returns the value for name, or nil.
func (v View) Value(name string) any {
	return v.decisions[name].Value
}

// Names returns the visible names, sorted.
func (v View) Names() []string {
	names := make([]string, 0, len(v.decisions))
	for name := range v.decisions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Values copies the visible values.
func (v View) Values() map[string]any {
	out := make(map[string]any, len(v.decisions))
	for name, d := range v.decisions {
		out[name] = d.Value
	}
	return out
}

// Len returns the number of visible names.
func (v View) Len() int { return len(v.decisions) }
