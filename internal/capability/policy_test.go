package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
[scopes.commit]
tier = "extended"
stages = ["developer"]
commands = ["git", "go"]
paths = ["src", "docs"]

[scopes.git_push]
tier = "critical"
critical = true
stages = ["finalizer"]
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.True(t, p.Allows("commit", "developer"))
	assert.False(t, p.Allows("commit", "finalizer"))
	assert.True(t, p.Allows("git_push", "finalizer"))
	assert.False(t, p.Allows("file_deletion", "finalizer"))
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"syntax":        `[scopes.commit`,
		"unknown key":   "[scopes.commit]\nstages = [\"developer\"]\nttl = 5\n",
		"unknown tier":  "[scopes.commit]\ntier = \"forever\"\n",
		"critical tier": "[scopes.git_push]\ntier = \"default\"\nstages = [\"finalizer\"]\n",
		"escaping path": "[scopes.commit]\npaths = [\"../etc\"]\n",
		"absolute path": "[scopes.commit]\npaths = [\"/etc\"]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestDefaultPolicy_Valid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	for _, op := range CriticalOperations {
		sp, ok := p.Scope(op)
		require.True(t, ok, op)
		assert.Equal(t, TierCritical, sp.Tier, op)
	}
}

func TestPolicy_PermitsCommand(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.True(t, p.PermitsCommand("commit", "git commit -m msg"))
	assert.True(t, p.PermitsCommand("commit", "go test ./..."))
	assert.False(t, p.PermitsCommand("commit", "/tmp/evil/go test ./..."), "programs must be bare names")
	assert.False(t, p.PermitsCommand("commit", "./git status"))
	assert.False(t, p.PermitsCommand("commit", `bin\git status`))
	assert.False(t, p.PermitsCommand("commit", "rm -rf /"))
	assert.False(t, p.PermitsCommand("commit", "  "))
	assert.False(t, p.PermitsCommand("nope", "ls"))

	// Scopes without a command list use the default whitelist.
	assert.True(t, p.PermitsCommand("git_push", "ls -la"))
	assert.False(t, p.PermitsCommand("git_push", "curl example.com"))
}

func TestPolicy_PermitsPath(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.True(t, p.PermitsPath("commit", "src/main.go"))
	assert.True(t, p.PermitsPath("commit", "docs"))
	assert.True(t, p.PermitsPath("commit", "src/../docs/a.md"))
	assert.False(t, p.PermitsPath("commit", "src/../../etc/passwd"))
	assert.False(t, p.PermitsPath("commit", "/src/main.go"))
	assert.False(t, p.PermitsPath("commit", "srcfoo/x"))
	assert.False(t, p.PermitsPath("git_push", "src/main.go"))
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Len(t, p.Scopes, 2)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPolicyWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	iss := NewIssuer(p, DefaultTTLs(), audit.Discard, nil)

	w, err := NewPolicyWatcher(path, iss, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Broken files keep the previous policy.
	require.NoError(t, os.WriteFile(path, []byte("[scopes.commit"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, iss.Policy().Allows("commit", "developer"))

	updated := samplePolicy + "\n[scopes.deploy]\nstages = [\"finalizer\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		return iss.Policy().Allows("deploy", "finalizer")
	}, 2*time.Second, 20*time.Millisecond)
}
