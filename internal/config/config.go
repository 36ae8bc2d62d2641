// Package config implements the configuration cache: a single immutable
// Configuration snapshot, swapped atomically by the watcher and read by
// the policy evaluator without ever observing a partially-applied
// update.
package config

import (
	"sync/atomic"
	"time"
)

// Configuration is the process-wide policy configuration.
type Configuration struct {
	FreezeEnabled bool
	FreezeUntil   *time.Time
	FreezeMessage string

	BypassAnnotationKey    string
	BypassReasonKey        string
	BypassAllowedUsers     map[string]struct{}
	BypassAllowedGroups    map[string]struct{}
	BypassExemptNamespaces map[string]struct{}

	MonitoredKinds map[string]struct{}

	FailClosed bool
}

// Default returns the zero-value-safe configuration used before the
// first successful load and after a ConfigMap deletion.
func Default() Configuration {
	return Configuration{
		FreezeEnabled:          false,
		FreezeMessage:          "Deployment freeze is active. Use the bypass annotation or contact oncall.",
		BypassAnnotationKey:    "admission-controller.io/emergency-bypass",
		BypassReasonKey:        "admission-controller.io/emergency-reason",
		BypassAllowedUsers:     map[string]struct{}{},
		BypassAllowedGroups:    map[string]struct{}{},
		BypassExemptNamespaces: map[string]struct{}{},
		MonitoredKinds:         map[string]struct{}{"Deployment": {}},
		FailClosed:             true,
	}
}

// IsMonitoredKind reports whether kind is in MonitoredKinds.
func (c Configuration) IsMonitoredKind(kind string) bool {
	_, ok := c.MonitoredKinds[kind]
	return ok
}

// IsAllowedUser reports whether user or any of groups is in the bypass
// allowlist. Groups are checked against BypassAllowedUsers directly (a
// group identity listed there bypasses the same as a username), and
// additionally against BypassAllowedGroups for callers that keep the
// two lists separate.
func (c Configuration) IsAllowedUser(user string, groups []string) bool {
	if _, ok := c.BypassAllowedUsers[user]; ok {
		return true
	}
	for _, g := range groups {
		if _, ok := c.BypassAllowedUsers[g]; ok {
			return true
		}
		if _, ok := c.BypassAllowedGroups[g]; ok {
			return true
		}
	}
	return false
}

// IsExemptNamespace reports whether ns is unconditionally exempt.
func (c Configuration) IsExemptNamespace(ns string) bool {
	_, ok := c.BypassExemptNamespaces[ns]
	return ok
}

// ManualFreezeActive reports whether the manual freeze_enabled override
// is currently in force. A freeze_until in the past self-clears.
func (c Configuration) ManualFreezeActive(now time.Time) bool {
	if !c.FreezeEnabled {
		return false
	}
	if c.FreezeUntil != nil && !now.Before(*c.FreezeUntil) {
		return false
	}
	return true
}

// Cache holds a single Configuration snapshot behind an atomic pointer,
// giving readers a coherent view under concurrent installs. No step in
// the evaluator ever dereferences mutable fields, only an immutable
// snapshot captured at entry.
type Cache struct {
	ptr atomic.Pointer[Configuration]
}

// NewCache returns a Cache pre-populated with Default().
func NewCache() *Cache {
	c := &Cache{}
	def := Default()
	c.ptr.Store(&def)
	return c
}

// Snapshot returns the currently installed Configuration.
func (c *Cache) Snapshot() Configuration {
	p := c.ptr.Load()
	if p == nil {
		return Default()
	}
	return *p
}

// Install atomically replaces the snapshot.
func (c *Cache) Install(cfg Configuration) {
	cp := cfg
	c.ptr.Store(&cp)
}
