// Package ctxstore holds versioned shared state that agents read and update
// under access control and optional expiry.
package ctxstore

import (
	"fmt"
	"sort"
	"time"
)

// Type categorizes a context.
type Type string

const (
	TypeProject   Type = "project"
	TypeSprint    Type = "sprint"
	TypeTask      Type = "task"
	TypeDesign    Type = "design"
	TypeDecision  Type = "decision"
	TypeKnowledge Type = "knowledge"
	TypeWorkflow  Type = "workflow"
)

// Validate checks if the Type is a valid enum value.
func (t Type) Validate() error {
	switch t {
	case TypeProject, TypeSprint, TypeTask, TypeDesign, TypeDecision, TypeKnowledge, TypeWorkflow:
		return nil
	default:
		return fmt.Errorf("invalid context type: %s", t)
	}
}

// AccessLevel is the visibility tier of a context.
type AccessLevel string

const (
	// AccessPrivate is visible to the owner and agents the owner granted
	AccessPrivate AccessLevel = "private"

	// AccessRole is visible to agents sharing the context's role, plus grants
	AccessRole AccessLevel = "role"

	// AccessTeam is visible to the owner and granted agents
	AccessTeam AccessLevel = "team"

	// AccessPublic is readable by every agent
	AccessPublic AccessLevel = "public"
)

// Validate checks if the AccessLevel is a valid enum value.
func (a AccessLevel) Validate() error {
	switch a {
	case AccessPrivate, AccessRole, AccessTeam, AccessPublic:
		return nil
	default:
		return fmt.Errorf("invalid access level: %s", a)
	}
}

// Permission is what a grant allows.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
)

// Validate checks if the Permission is a valid enum value.
func (p Permission) Validate() error {
	switch p {
	case PermRead, PermWrite:
		return nil
	default:
		return fmt.Errorf("invalid permission: %s (must be read or write)", p)
	}
}

// Context is a snapshot of a shared context.
type Context struct {
	ID          string                `json:"id"`
	Type        Type                  `json:"type"`
	Owner       string                `json:"owner"`
	Role        string                `json:"role,omitempty"` // Role whose members can read a role-level context
	Data        map[string]any        `json:"data"`
	AccessLevel AccessLevel           `json:"access_level"`
	Grants      map[string]Permission `json:"grants"` // Agents explicitly permitted by sharing
	Tags        []string              `json:"tags"`
	Version     int                   `json:"version"` // Incremented by every data mutation
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	TTL         time.Duration         `json:"ttl,omitempty"` // Zero means the context never expires
	Links       []string              `json:"links"`         // Related context ids
}

// ExpiresAt returns the last instant the context is valid, or the zero time.
func (c *Context) ExpiresAt() time.Time {
	if c.TTL <= 0 {
		return time.Time{}
	}
	return c.CreatedAt.Add(c.TTL)
}

// IsExpired reports whether now is strictly after CreatedAt+TTL.
func (c *Context) IsExpired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.ExpiresAt())
}

// HasTag reports whether the context carries any of tags.
func (c *Context) HasTag(tags ...string) bool {
	for _, want := range tags {
		for _, have := range c.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (c *Context) copy() *Context {
	out := *c
	out.Data = copyMap(c.Data)
	out.Grants = make(map[string]Permission, len(c.Grants))
	for k, v := range c.Grants {
		out.Grants[k] = v
	}
	out.Tags = append([]string{}, c.Tags...)
	out.Links = append([]string{}, c.Links...)
	return &out
}

// Revision is one entry in a context's history.
type Revision struct {
	Version int            `json:"version"`
	Agent   string         `json:"agent"`
	At      time.Time      `json:"at"`
	Patch   map[string]any `json:"patch"` // What changed; nil values mark removed keys
	Data    map[string]any `json:"data"`  // Full data after the change
}

// CreateRequest describes a new context.
type CreateRequest struct {
	ID          string
	Type        Type
	Owner       string
	Role        string // Defaults to the owner's role for AccessRole
	Data        map[string]any
	AccessLevel AccessLevel // Defaults to AccessTeam
	Tags        []string
	TTL         time.Duration
}

// Filter narrows Find results. Zero-valued fields match everything.
type Filter struct {
	Type  Type
	Tags  []string // Any-match
	Owner string
}

// Stats summarizes the store.
type Stats struct {
	Total         int                 `json:"total_contexts"`
	Expired       int                 `json:"expired"`
	ByType        map[Type]int        `json:"by_type"`
	ByAccessLevel map[AccessLevel]int `json:"by_access_level"`
	Subscriptions map[string]int      `json:"subscriptions"`
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
