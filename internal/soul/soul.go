// Package soul exposes the constitutional authority contract: a versioned,
// read-only source of absolute minimum risk tiers per capability. The
// classifier re-reads the floor on every classification, so a floor change
// takes effect immediately.
package soul

import (
	"sync/atomic"

	"github.com/bastionhq/bastion/internal/capability"
)

// Authority is the narrow contract the safety core consumes.
type Authority interface {
	// FloorTier returns the declared minimum tier for a capability.
	// No later layer may ever produce a tier below this value.
	FloorTier(c capability.Capability) capability.RiskTier

	// Version identifies the floor table currently in force.
	Version() string
}

// floorTable is one immutable generation of the floor declaration.
type floorTable struct {
	version string
	floors  map[capability.Capability]capability.RiskTier
}

// StaticAuthority serves floors from an in-memory table that can be swapped
// atomically. Readers never observe a partially updated table.
type StaticAuthority struct {
	table atomic.Pointer[floorTable]
}

// NewStaticAuthority creates an authority with the given floors. Capabilities
// absent from the map have a T0 floor (no constitutional minimum).
func NewStaticAuthority(version string, floors map[capability.Capability]capability.RiskTier) *StaticAuthority {
	a := &StaticAuthority{}
	a.Swap(version, floors)
	return a
}

// DefaultAuthority returns the shipped floor table: destructive and
// repository-mutating capabilities never drop below T1.
func DefaultAuthority() *StaticAuthority {
	return NewStaticAuthority("builtin-1", map[capability.Capability]capability.RiskTier{
		capability.CapFileDelete: capability.TierT1,
		capability.CapRepoMutate: capability.TierT1,
		capability.CapShellExec:  capability.TierT1,
	})
}

// Swap atomically replaces the whole floor table.
func (a *StaticAuthority) Swap(version string, floors map[capability.Capability]capability.RiskTier) {
	copied := make(map[capability.Capability]capability.RiskTier, len(floors))
	for k, v := range floors {
		copied[k] = v
	}
	a.table.Store(&floorTable{version: version, floors: copied})
}

func (a *StaticAuthority) FloorTier(c capability.Capability) capability.RiskTier {
	t := a.table.Load()
	if t == nil {
		return capability.TierT0
	}
	return t.floors[c] // zero value is TierT0
}

func (a *StaticAuthority) Version() string {
	t := a.table.Load()
	if t == nil {
		return ""
	}
	return t.version
}
