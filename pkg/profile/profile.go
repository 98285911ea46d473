package profile

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bastionmp/bastion/pkg/protocol"
)

type property struct {
	kind     protocol.PropertyKind
	intVal   int64
	floatVal float64
	strVal   string
	dirty    bool
}

func (p *property) entry(key uint16) protocol.ProfileEntry {
	return protocol.ProfileEntry{
		Key:         key,
		Kind:        p.kind,
		IntValue:    p.intVal,
		FloatValue:  p.floatVal,
		StringValue: p.strVal,
	}
}

// Profile is an integer-keyed observable property set. The instance held
// by the master is the write authority; mirrors only ever call Apply.
// Setters mark the property dirty; CollectDirtyUpdates drains and clears
// the dirty set atomically, so a concurrent mutation is either part of the
// returned delta or left dirty for the next collection.
type Profile struct {
	Username string

	mu    sync.Mutex
	props map[uint16]*property
}

// NewProfile builds an empty profile. Most callers go through a Factory so
// the default property set is seeded.
func NewProfile(username string) *Profile {
	return &Profile{Username: username, props: make(map[uint16]*property)}
}

// SetInt sets an integer property and marks it dirty.
func (p *Profile) SetInt(key uint16, value int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = &property{kind: protocol.PropertyInt, intVal: value, dirty: true}
}

// SetFloat sets a float property and marks it dirty.
func (p *Profile) SetFloat(key uint16, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = &property{kind: protocol.PropertyFloat, floatVal: value, dirty: true}
}

// SetString sets a string property and marks it dirty.
func (p *Profile) SetString(key uint16, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = &property{kind: protocol.PropertyString, strVal: value, dirty: true}
}

// Int returns an integer property.
func (p *Profile) Int(key uint16) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok || prop.kind != protocol.PropertyInt {
		return 0, false
	}
	return prop.intVal, true
}

// Float returns a float property.
func (p *Profile) Float(key uint16) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok || prop.kind != protocol.PropertyFloat {
		return 0, false
	}
	return prop.floatVal, true
}

// String returns a string property.
func (p *Profile) String(key uint16) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[key]
	if !ok || prop.kind != protocol.PropertyString {
		return "", false
	}
	return prop.strVal, true
}

// CollectDirtyUpdates returns the currently dirty properties sorted by key
// and clears their dirty flags in the same critical section.
func (p *Profile) CollectDirtyUpdates() []protocol.ProfileEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var entries []protocol.ProfileEntry
	for key, prop := range p.props {
		if !prop.dirty {
			continue
		}
		prop.dirty = false
		entries = append(entries, prop.entry(key))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// HasDirty reports whether any property awaits collection.
func (p *Profile) HasDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prop := range p.props {
		if prop.dirty {
			return true
		}
	}
	return false
}

// FillProfileValues returns the full current value set sorted by key,
// regardless of dirtiness. Used to seed a freshly attached mirror.
func (p *Profile) FillProfileValues() []protocol.ProfileEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]protocol.ProfileEntry, 0, len(p.props))
	for key, prop := range p.props {
		entries = append(entries, prop.entry(key))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Apply sets properties from a received delta without marking them dirty.
// This is the mirror-side write path and also how the authority restores
// its persisted state.
func (p *Profile) Apply(entries []protocol.ProfileEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		p.props[e.Key] = &property{
			kind:     e.Kind,
			intVal:   e.IntValue,
			floatVal: e.FloatValue,
			strVal:   e.StringValue,
		}
	}
}

// ApplyAuthoritative sets properties from a received delta through the
// dirty-tracking path, so the changes propagate to other observers.
func (p *Profile) ApplyAuthoritative(entries []protocol.ProfileEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		p.props[e.Key] = &property{
			kind:     e.Kind,
			intVal:   e.IntValue,
			floatVal: e.FloatValue,
			strVal:   e.StringValue,
			dirty:    true,
		}
	}
}

// Encode serializes the full property set for persistence.
func (p *Profile) Encode() []byte {
	return protocol.Marshal(&protocol.ProfileDeltaPacket{
		Username: p.Username,
		Entries:  p.FillProfileValues(),
	})
}

// Decode restores a persisted property set into the profile.
func (p *Profile) Decode(data []byte) error {
	var pkt protocol.ProfileDeltaPacket
	if err := protocol.Unmarshal(data, &pkt); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}
	p.Apply(pkt.Entries)
	return nil
}

// Default seeds one property of a factory-built profile.
type Default struct {
	Key   uint16
	Kind  protocol.PropertyKind
	Int   int64
	Float float64
	Str   string
}

// Factory builds profiles pre-populated with a fixed default set, so every
// player observes the same property keys from first login.
type Factory struct {
	defaults []Default
}

// NewFactory builds a profile factory.
func NewFactory(defaults ...Default) *Factory {
	return &Factory{defaults: defaults}
}

// New builds a clean profile seeded with the factory defaults.
func (f *Factory) New(username string) *Profile {
	p := NewProfile(username)
	for _, d := range f.defaults {
		p.props[d.Key] = &property{
			kind:     d.Kind,
			intVal:   d.Int,
			floatVal: d.Float,
			strVal:   d.Str,
		}
	}
	return p
}
