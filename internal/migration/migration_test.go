package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gridrepo/internal/prompt"
	"gridrepo/internal/schema"
)

var (
	v1 = schema.Version{Major: 1, Minor: 0}
	v2 = schema.Version{Major: 2, Minor: 4}
)

func TestParsePolicy(t *testing.T) {
	for _, in := range []string{"allow", "DENY", " interactive "} {
		_, err := ParsePolicy(in)
		assert.NoError(t, err, in)
	}
	_, err := ParsePolicy("sometimes")
	assert.Error(t, err)

	_, err = New("sometimes")
	assert.Error(t, err)
}

func TestGlobalPolicies(t *testing.T) {
	p := prompt.NewScripted()

	allow, err := New(PolicyAllow, WithPrompter(p))
	require.NoError(t, err)
	assert.True(t, allow.IsAllowed("jobs", "Job", v1, "?"))

	deny, err := New(PolicyDeny, WithPrompter(p))
	require.NoError(t, err)
	assert.False(t, deny.IsAllowed("jobs", "Job", v1, "?"))

	assert.Empty(t, p.Questions(), "global policies never prompt")
}

func TestPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Control)
		query [3]any
		want  Decision
	}{
		{
			name:  "nothing set",
			setup: func(c *Control) {},
			query: [3]any{"jobs", "Job", v1},
			want:  Unset,
		},
		{
			name:  "root applies everywhere",
			setup: func(c *Control) { c.Allow(ScopeAll, "", "", schema.Version{}) },
			query: [3]any{"files", "LocalFile", v2},
			want:  Allow,
		},
		{
			name: "category overrides root",
			setup: func(c *Control) {
				c.Allow(ScopeAll, "", "", schema.Version{})
				c.Deny(ScopeCategory, "jobs", "", schema.Version{})
			},
			query: [3]any{"jobs", "Job", v1},
			want:  Deny,
		},
		{
			name: "name overrides category",
			setup: func(c *Control) {
				c.Deny(ScopeCategory, "jobs", "", schema.Version{})
				c.Allow(ScopeName, "jobs", "Job", schema.Version{})
			},
			query: [3]any{"jobs", "Job", v2},
			want:  Allow,
		},
		{
			name: "version overrides name",
			setup: func(c *Control) {
				c.Allow(ScopeName, "jobs", "Job", schema.Version{})
				c.Deny(ScopeVersion, "jobs", "Job", v1)
			},
			query: [3]any{"jobs", "Job", v1},
			want:  Deny,
		},
		{
			name: "sibling version inherits from name",
			setup: func(c *Control) {
				c.Allow(ScopeName, "jobs", "Job", schema.Version{})
				c.Deny(ScopeVersion, "jobs", "Job", v1)
			},
			query: [3]any{"jobs", "Job", v2},
			want:  Allow,
		},
		{
			name: "unset intermediate levels are skipped",
			setup: func(c *Control) {
				c.Deny(ScopeAll, "", "", schema.Version{})
				c.Allow(ScopeVersion, "jobs", "Job", v2)
			},
			query: [3]any{"jobs", "Job", v2},
			want:  Allow,
		},
		{
			name:  "decision for another name does not leak",
			setup: func(c *Control) { c.Allow(ScopeName, "jobs", "Task", schema.Version{}) },
			query: [3]any{"jobs", "Job", v1},
			want:  Unset,
		},
		{
			name:  "minor versions are distinct keys",
			setup: func(c *Control) { c.Allow(ScopeVersion, "jobs", "Job", schema.Version{Major: 1, Minor: 1}) },
			query: [3]any{"jobs", "Job", v1},
			want:  Unset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(PolicyInteractive)
			require.NoError(t, err)
			tt.setup(c)
			got := c.Lookup(tt.query[0].(string), tt.query[1].(string), tt.query[2].(schema.Version))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionsArePermanent(t *testing.T) {
	c, err := New(PolicyInteractive)
	require.NoError(t, err)

	assert.True(t, c.Allow(ScopeName, "jobs", "Job", schema.Version{}))
	assert.False(t, c.Deny(ScopeName, "jobs", "Job", schema.Version{}))
	assert.Equal(t, Allow, c.Lookup("jobs", "Job", v1))

	assert.False(t, c.Set(Unset, ScopeAll, "", "", schema.Version{}))

	// A global policy fixes the root; narrower scopes stay settable
	d, err := New(PolicyDeny)
	require.NoError(t, err)
	assert.False(t, d.Allow(ScopeAll, "", "", schema.Version{}))
	assert.True(t, d.Allow(ScopeVersion, "jobs", "Job", v1))
	assert.True(t, d.IsAllowed("jobs", "Job", v1, ""))
	assert.False(t, d.IsAllowed("jobs", "Job", v2, ""))
}

func TestInteractiveCachesAtChosenScope(t *testing.T) {
	tests := []struct {
		answer  string
		allowed bool
		// expected lookups after the answer
		sameVersion, otherVersion, otherName, otherCategory Decision
	}{
		{answer: "y", allowed: true, sameVersion: Allow},
		{answer: "n", allowed: false, sameVersion: Deny},
		{answer: "a", allowed: true, sameVersion: Allow, otherVersion: Allow},
		{answer: "x", allowed: false, sameVersion: Deny, otherVersion: Deny},
		{answer: "c", allowed: true, sameVersion: Allow, otherVersion: Allow, otherName: Allow},
		{answer: "C", allowed: false, sameVersion: Deny, otherVersion: Deny, otherName: Deny},
		{answer: "A", allowed: true, sameVersion: Allow, otherVersion: Allow, otherName: Allow, otherCategory: Allow},
		{answer: "N", allowed: false, sameVersion: Deny, otherVersion: Deny, otherName: Deny, otherCategory: Deny},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			p := prompt.NewScripted(tt.answer)
			c, err := New(PolicyInteractive, WithPrompter(p))
			require.NoError(t, err)

			assert.Equal(t, tt.allowed, c.IsAllowed("jobs", "Job", v1, "migrate jobs/Job?"))
			// second call is answered from the cache
			assert.Equal(t, tt.allowed, c.IsAllowed("jobs", "Job", v1, "migrate jobs/Job?"))
			assert.Equal(t, []string{"migrate jobs/Job?"}, p.Questions())

			assert.Equal(t, tt.sameVersion, c.Lookup("jobs", "Job", v1))
			assert.Equal(t, tt.otherVersion, c.Lookup("jobs", "Job", v2))
			assert.Equal(t, tt.otherName, c.Lookup("jobs", "Task", v1))
			assert.Equal(t, tt.otherCategory, c.Lookup("files", "LocalFile", v1))
		})
	}
}

func TestInteractiveFailuresDenyWithoutCaching(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	p := prompt.NewScripted("?", "y")
	c, err := New(PolicyInteractive, WithPrompter(p), WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.False(t, c.IsAllowed("jobs", "Job", v1, "q"), "unrecognised answer")
	assert.True(t, c.IsAllowed("jobs", "Job", v1, "q"), "asked again")
	assert.False(t, c.IsAllowed("jobs", "Job", v2, "q"), "prompter exhausted")
	assert.Equal(t, Unset, c.Lookup("jobs", "Job", v2))

	assert.Equal(t, 2, logs.Len())

	noPrompt, err := New(PolicyInteractive)
	require.NoError(t, err)
	assert.False(t, noPrompt.IsAllowed("jobs", "Job", v1, "q"))
}
