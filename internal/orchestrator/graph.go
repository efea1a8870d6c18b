package orchestrator

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/stages"
)

// Condition matches a committed context value. With Field set, the value
// must be an object and Field its member.
type Condition struct {
	Key    string `json:"key"`
	Field  string `json:"field,omitempty"`
	Equals any    `json:"equals"`
}

func (c Condition) match(r contextstore.Reader, scope string) bool {
	d, err := r.Read(contextstore.Key(scope, c.Key))
	if err != nil || d.Deleted {
		return false
	}
	v := d.Value
	if c.Field != "" {
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		if v, ok = m[c.Field]; !ok {
			return false
		}
	}
	return reflect.DeepEqual(v, c.Equals)
}

// Route is an outgoing edge. Routes without a condition are defaults.
type Route struct {
	To   string     `json:"to"`
	When *Condition `json:"when,omitempty"`
}

// Graph is a set of stages and the routes between them.
type Graph struct {
	stages []stages.Definition
	index  map[string]int
	routes map[string][]Route
}

// NewGraph creates a graph of defs. The first stage is the entry point.
func NewGraph(defs []stages.Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, errors.New("graph needs at least one stage")
	}
	g := &Graph{
		index:  make(map[string]int, len(defs)),
		routes: make(map[string][]Route),
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if !d.Role.Valid() {
			return nil, fmt.Errorf("stage %s: unknown role %q", d.Name, d.Role)
		}
		if _, dup := g.index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %s", d.Name)
		}
		g.index[d.Name] = i
		g.stages = append(g.stages, d)
	}
	return g, nil
}

// Linear creates a graph routing each stage to the next in order.
func Linear(defs []stages.Definition) (*Graph, error) {
	g, err := NewGraph(defs)
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(defs); i++ {
		if err := g.AddRoute(defs[i].Name, Route{To: defs[i+1].Name}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// DefaultGraph is the eight-role pipeline with a review loop: a code
// review that is not approved sends the run back to the developer.
func DefaultGraph() *Graph {
	g, err := Linear(stages.DefaultPipeline())
	if err != nil {
		panic(err)
	}
	reviewer, developer := string(stages.RoleCodeReviewer), string(stages.RoleDeveloper)
	g.routes[reviewer] = append([]Route{{
		To:   developer,
		When: &Condition{Key: stages.OutputKey(stages.RoleCodeReviewer), Field: "approved", Equals: false},
	}}, g.routes[reviewer]...)
	return g
}

// AddRoute appends an outgoing route of from.
func (g *Graph) AddRoute(from string, r Route) error {
	if _, ok := g.index[from]; !ok {
		return fmt.Errorf("route from unknown stage %s", from)
	}
	if _, ok := g.index[r.To]; !ok {
		return fmt.Errorf("route to unknown stage %s", r.To)
	}
	g.routes[from] = append(g.routes[from], r)
	return nil
}

// Start returns the entry stage.
func (g *Graph) Start() string { return g.stages[0].Name }

// Stage returns the definition of name.
func (g *Graph) Stage(name string) (stages.Definition, bool) {
	i, ok := g.index[name]
	if !ok {
		return stages.Definition{}, false
	}
	return g.stages[i], true
}

// Stages returns every definition in declaration order.
func (g *Graph) Stages() []stages.Definition {
	return append([]stages.Definition(nil), g.stages...)
}

// Next evaluates the routes leaving from once. The first conditional
// route whose condition matches wins; otherwise the first default route
// is taken. An empty result ends the run.
func (g *Graph) Next(from string, r contextstore.Reader, scope string) string {
	routes := g.routes[from]
	for _, rt := range routes {
		if rt.When != nil && rt.When.match(r, scope) {
			return rt.To
		}
	}
	for _, rt := range routes {
		if rt.When == nil {
			return rt.To
		}
	}
	return ""
}

// Completion returns the percentage of stages whose outputs all exist.
func (g *Graph) Completion(r contextstore.Reader, scope string) float64 {
	done := 0
	for _, d := range g.stages {
		complete := true
		for _, out := range d.Outputs {
			dec, err := r.Read(contextstore.Key(scope, out))
			if err != nil || dec.Deleted {
				complete = false
				break
			}
		}
		if complete {
			done++
		}
	}
	return float64(done*100) / float64(len(g.stages))
}
