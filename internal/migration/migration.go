// Package migration decides whether documents stored with an older major
// schema version may be upgraded.
//
// Decisions live in a trie keyed by category, then name, then version. A
// lookup walks from the root towards the exact version and the most specific
// node carrying a decision wins. A decision, once set on a node, is never
// changed for the life of the process.
package migration

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"gridrepo/internal/prompt"
	"gridrepo/internal/schema"
)

// Policy is the default behaviour for undecided documents
type Policy string

const (
	PolicyAllow       Policy = "allow"
	PolicyDeny        Policy = "deny"
	PolicyInteractive Policy = "interactive"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAllow, PolicyDeny, PolicyInteractive:
		return p, nil
	default:
		return "", fmt.Errorf("unknown migration policy %q (want allow, deny or interactive)", s)
	}
}

// Decision is a memoized answer
type Decision int8

const (
	Unset Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unset"
	}
}

// Scope selects the trie level a decision applies to
type Scope int

const (
	ScopeAll Scope = iota
	ScopeCategory
	ScopeName
	ScopeVersion
)

type node struct {
	decision Decision
	children map[string]*node
}

func (n *node) child(key string, create bool) *node {
	if c, ok := n.children[key]; ok {
		return c
	}
	if !create {
		return nil
	}
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := &node{}
	n.children[key] = c
	return c
}

// Control is the migration policy store
type Control struct {
	mu       sync.Mutex
	policy   Policy
	root     *node
	prompter prompt.Prompter
	logger   *zap.Logger
}

// Option configures a Control
type Option func(*Control)

// WithPrompter sets the prompter used by the interactive policy
func WithPrompter(p prompt.Prompter) Option {
	return func(c *Control) {
		c.prompter = p
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Control) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a control. The allow and deny policies fix the root decision
// so they never prompt.
func New(policy Policy, opts ...Option) (*Control, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	c := &Control{
		policy: policy,
		root:   &node{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch policy {
	case PolicyAllow:
		c.root.decision = Allow
	case PolicyDeny:
		c.root.decision = Deny
	}
	return c, nil
}

// Policy returns the configured policy
func (c *Control) Policy() Policy {
	return c.policy
}

func path(scope Scope, category, name string, v schema.Version) []string {
	full := []string{category, name, v.String()}
	return full[:int(scope)]
}

// Set records d at the given scope. It returns false, leaving the trie
// untouched, when that node already carries a decision.
func (c *Control) Set(d Decision, scope Scope, category, name string, v schema.Version) bool {
	if d == Unset {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(d, scope, category, name, v)
}

func (c *Control) setLocked(d Decision, scope Scope, category, name string, v schema.Version) bool {
	n := c.root
	for _, key := range path(scope, category, name, v) {
		n = n.child(key, true)
	}
	if n.decision != Unset {
		return false
	}
	n.decision = d
	return true
}

// Allow permits migrations at the given scope
func (c *Control) Allow(scope Scope, category, name string, v schema.Version) bool {
	return c.Set(Allow, scope, category, name, v)
}

// Deny refuses migrations at the given scope
func (c *Control) Deny(scope Scope, category, name string, v schema.Version) bool {
	return c.Set(Deny, scope, category, name, v)
}

// Lookup returns the most specific decision covering the triplet
func (c *Control) Lookup(category, name string, v schema.Version) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(category, name, v)
}

func (c *Control) lookupLocked(category, name string, v schema.Version) Decision {
	n := c.root
	found := n.decision
	for _, key := range path(ScopeVersion, category, name, v) {
		if n = n.child(key, false); n == nil {
			break
		}
		if n.decision != Unset {
			found = n.decision
		}
	}
	return found
}

var choices = []prompt.Choice{
	{Key: "y", Description: "yes, migrate this version"},
	{Key: "n", Description: "no, not this version"},
	{Key: "a", Description: "yes, all versions of this type"},
	{Key: "x", Description: "no, no version of this type"},
	{Key: "c", Description: "yes, every type in this category"},
	{Key: "C", Description: "no, no type in this category"},
	{Key: "A", Description: "yes, everything"},
	{Key: "N", Description: "no, nothing"},
}

var answers = map[string]struct {
	decision Decision
	scope    Scope
}{
	"y": {Allow, ScopeVersion},
	"n": {Deny, ScopeVersion},
	"a": {Allow, ScopeName},
	"x": {Deny, ScopeName},
	"c": {Allow, ScopeCategory},
	"C": {Deny, ScopeCategory},
	"A": {Allow, ScopeAll},
	"N": {Deny, ScopeAll},
}

// IsAllowed consults the trie and, under the interactive policy, asks the
// operator for undecided triplets. The answer is cached at the chosen scope.
// A failed prompt denies without caching.
func (c *Control) IsAllowed(category, name string, v schema.Version, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d := c.lookupLocked(category, name, v); d != Unset {
		return d == Allow
	}

	if c.prompter == nil {
		c.logger.Warn("migration undecided and no prompter available, denying",
			zap.String("category", category),
			zap.String("name", name),
			zap.Stringer("version", v),
		)
		return false
	}

	answer, err := c.prompter.Choose(msg, choices, "n")
	if err != nil {
		c.logger.Warn("migration prompt failed, denying",
			zap.String("category", category),
			zap.String("name", name),
			zap.Error(err),
		)
		return false
	}

	a, ok := answers[answer]
	if !ok {
		c.logger.Warn("unrecognised migration answer, denying", zap.String("answer", answer))
		return false
	}
	c.setLocked(a.decision, a.scope, category, name, v)

	c.logger.Info("migration decision recorded",
		zap.String("category", category),
		zap.String("name", name),
		zap.Stringer("version", v),
		zap.Stringer("decision", a.decision),
	)
	return a.decision == Allow
}
