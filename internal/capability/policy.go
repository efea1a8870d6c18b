package capability

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidPolicy is returned for policy files that fail validation.
var ErrInvalidPolicy = errors.New("invalid capability policy")

// CriticalOperations are the scopes that always require the critical tier.
var CriticalOperations = []string{
	"git_push",
	"file_deletion",
	"database_modification",
	"system_command",
	"network_request",
	"file_execution",
	"environment_modification",
	"sudo_operation",
}

// DefaultCommands is the command whitelist for scopes that do not list
// their own.
var DefaultCommands = []string{"ls", "pwd", "cat", "echo", "mkdir", "touch", "cp", "mv", "grep", "find"}

// ScopePolicy whitelists one scope.
type ScopePolicy struct {
	Tier     Tier     `toml:"tier"`
	Critical bool     `toml:"critical"`
	Stages   []string `toml:"stages"`
	Commands []string `toml:"commands"`
	Paths    []string `toml:"paths"`
}

// Policy is the whitelist of grantable scopes. Anything not listed is
// denied.
//
//	[scopes.git_push]
//	tier = "critical"
//	critical = true
//	stages = ["finalizer"]
type Policy struct {
	Scopes map[string]ScopePolicy `toml:"scopes"`
}

// DefaultPolicy grants the scopes the default pipeline needs: commit to
// the developer and git_push to the finalizer. The remaining critical
// operations are listed with no permitted stages.
func DefaultPolicy() *Policy {
	p := &Policy{Scopes: map[string]ScopePolicy{
		"commit": {
			Tier:     TierExtended,
			Stages:   []string{"developer"},
			Commands: []string{"git"},
			Paths:    []string{"."},
		},
	}}
	for _, op := range CriticalOperations {
		p.Scopes[op] = ScopePolicy{Tier: TierCritical, Critical: true}
	}
	gp := p.Scopes["git_push"]
	gp.Stages = []string{"finalizer"}
	gp.Commands = []string{"git"}
	p.Scopes["git_push"] = gp
	return p
}

// ParsePolicy decodes a TOML policy. Unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidPolicy, undecoded)
	}
	if len(p.Scopes) == 0 {
		return nil, fmt.Errorf("%w: no scopes defined", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks tiers and that critical operations use the critical tier.
func (p *Policy) Validate() error {
	var errs []error
	for name, sp := range p.Scopes {
		if sp.Tier == "" {
			sp.Tier = TierDefault
		}
		if !sp.Tier.Valid() {
			errs = append(errs, fmt.Errorf("%w: scope %s: unknown tier %q", ErrInvalidPolicy, name, sp.Tier))
		}
		if slices.Contains(CriticalOperations, name) && (!sp.Critical || sp.Tier != TierCritical) {
			errs = append(errs, fmt.Errorf("%w: scope %s is a critical operation", ErrInvalidPolicy, name))
		}
		for _, path := range sp.Paths {
			if filepath.IsAbs(path) || strings.HasPrefix(filepath.Clean(path), "..") {
				errs = append(errs, fmt.Errorf("%w: scope %s: path %q escapes the workspace", ErrInvalidPolicy, name, path))
			}
		}
	}
	return errors.Join(errs...)
}

// Scope returns the policy for name.
func (p *Policy) Scope(name string) (ScopePolicy, bool) {
	sp, ok := p.Scopes[name]
	if ok && sp.Tier == "" {
		sp.Tier = TierDefault
	}
	return sp, ok
}

// Allows reports whether requester may be granted scope.
func (p *Policy) Allows(scope, requester string) bool {
	sp, ok := p.Scope(scope)
	return ok && slices.Contains(sp.Stages, requester)
}

// PermitsCommand reports whether cmd may run under scope. Only the program
// name is checked, and it must be a bare name: a program given by path
// could be any binary that happens to share a whitelisted name. Scopes
// without a command list fall back to DefaultCommands.
func (p *Policy) PermitsCommand(scope, cmd string) bool {
	sp, ok := p.Scope(scope)
	if !ok {
		return false
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 || strings.ContainsAny(fields[0], `/\`) {
		return false
	}
	allowed := sp.Commands
	if len(allowed) == 0 {
		allowed = DefaultCommands
	}
	return slices.Contains(allowed, fields[0])
}

// PermitsPath reports whether path lies under one of scope's whitelisted
// workspace-relative directories.
func (p *Policy) PermitsPath(scope, path string) bool {
	sp, ok := p.Scope(scope)
	if !ok || filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	for _, root := range sp.Paths {
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
