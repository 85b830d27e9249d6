package session

import (
	"math"
	"slices"
	"strconv"
	"sync"
)

// Role is the part a connection plays in a code block session.
type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

// Registry maps a block identifier to the connection holding its mentor slot.
// Claim is a single check-and-set under the registry lock, so two concurrent
// joins for an unclaimed block resolve to exactly one mentor.
type Registry struct {
	mu      sync.Mutex
	mentors map[string]string
	// order keeps claim order; see enumerationOrderLocked.
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		mentors: make(map[string]string),
	}
}

// Claim assigns the mentor slot for blockID to connectionID when the slot is
// free and reports the resulting role for the caller.
func (r *Registry) Claim(blockID, connectionID string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, claimed := r.mentors[blockID]; claimed {
		return RoleStudent
	}
	r.mentors[blockID] = connectionID
	r.order = append(r.order, blockID)
	return RoleMentor
}

// Mentor returns the connection holding the mentor slot for blockID.
func (r *Registry) Mentor(blockID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connectionID, ok := r.mentors[blockID]
	return connectionID, ok
}

// Release frees the mentor slot for blockID if connectionID holds it.
func (r *Registry) Release(blockID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mentors[blockID] != connectionID {
		return false
	}
	r.removeLocked(blockID)
	return true
}

// ReleaseConnection frees mentor slots held by connectionID and returns the
// released block identifiers. Unless all is set only the first slot in
// enumeration order is freed.
func (r *Registry) ReleaseConnection(connectionID string, all bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []string
	for _, blockID := range r.enumerationOrderLocked() {
		if r.mentors[blockID] != connectionID {
			continue
		}
		owned = append(owned, blockID)
		if !all {
			break
		}
	}
	for _, blockID := range owned {
		r.removeLocked(blockID)
	}
	return owned
}

// Len returns the number of claimed mentor slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mentors)
}

// enumerationOrderLocked lists claimed blocks with integer-like identifiers
// first in ascending numeric order, then the rest in claim order. Web clients
// key their mentor table the same way.
func (r *Registry) enumerationOrderLocked() []string {
	ordered := slices.Clone(r.order)
	slices.SortStableFunc(ordered, func(a, b string) int {
		indexA, numericA := arrayIndex(a)
		indexB, numericB := arrayIndex(b)
		switch {
		case numericA && numericB:
			if indexA < indexB {
				return -1
			}
			if indexA > indexB {
				return 1
			}
			return 0
		case numericA:
			return -1
		case numericB:
			return 1
		default:
			return 0
		}
	})
	return ordered
}

// arrayIndex reports whether key is a canonical unsigned integer below 2^32-1.
func arrayIndex(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	value, err := strconv.ParseUint(key, 10, 64)
	if err != nil || value >= math.MaxUint32 {
		return 0, false
	}
	return value, true
}

func (r *Registry) removeLocked(blockID string) {
	delete(r.mentors, blockID)
	for index, candidate := range r.order {
		if candidate == blockID {
			r.order = append(r.order[:index], r.order[index+1:]...)
			break
		}
	}
}
