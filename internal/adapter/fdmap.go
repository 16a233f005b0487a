package adapter

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrTableFull is returned by Bind when every slot is in use.
	ErrTableFull = fmt.Errorf("descriptor table full: %w", errdefs.ErrResourceExhausted)
	// ErrUnknownDescriptor is returned when a lookup finds no live entry.
	ErrUnknownDescriptor = fmt.Errorf("descriptor not mapped: %w", errdefs.ErrNotFound)
)

// Binding pairs a local socket descriptor with the wire id the peer uses
// for the same connection.
type Binding struct {
	Local  int
	Remote int32
}

type slot struct {
	Binding
	used bool
}

// FDMap is the fixed-capacity translation table of one instance.
type FDMap struct {
	slots []slot
	n     int
}

// NewFDMap returns an empty table with room for capacity connections.
func NewFDMap(capacity int) *FDMap {
	return &FDMap{slots: make([]slot, capacity)}
}

// Bind stores a new entry. Neither half may already be live.
func (m *FDMap) Bind(local int, remote int32) error {
	free := -1
	for i := range m.slots {
		s := &m.slots[i]
		if !s.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.Local == local {
			return fmt.Errorf("local descriptor %d: %w", local, errdefs.ErrAlreadyExists)
		}
		if s.Remote == remote {
			return fmt.Errorf("wire id %d: %w", remote, errdefs.ErrAlreadyExists)
		}
	}
	if free < 0 {
		return ErrTableFull
	}
	m.slots[free] = slot{Binding: Binding{Local: local, Remote: remote}, used: true}
	m.n++
	return nil
}

// ByLocal finds the entry for a local descriptor, removing it if consume
// is set.
func (m *FDMap) ByLocal(local int, consume bool) (Binding, error) {
	return m.find(func(b Binding) bool { return b.Local == local }, consume)
}

// ByRemote finds the entry for a wire id, removing it if consume is set.
func (m *FDMap) ByRemote(remote int32, consume bool) (Binding, error) {
	return m.find(func(b Binding) bool { return b.Remote == remote }, consume)
}

func (m *FDMap) find(match func(Binding) bool, consume bool) (Binding, error) {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.used || !match(s.Binding) {
			continue
		}
		b := s.Binding
		if consume {
			*s = slot{}
			m.n--
		}
		return b, nil
	}
	return Binding{}, ErrUnknownDescriptor
}

// Reset empties the table and returns the local descriptors it held.
func (m *FDMap) Reset() []int {
	var locals []int
	for i := range m.slots {
		if m.slots[i].used {
			locals = append(locals, m.slots[i].Local)
		}
		m.slots[i] = slot{}
	}
	m.n = 0
	return locals
}

// Len returns the number of live entries.
func (m *FDMap) Len() int { return m.n }

// Cap returns the capacity.
func (m *FDMap) Cap() int { return len(m.slots) }
