package evolve

import "sort"

// Registry is the ordered collection of descriptors for one schema. The
// order is the explicit total order given by each descriptor's Sequence.
type Registry struct {
	descriptors []*Descriptor
	byID        map[string]*Descriptor
}

// NewRegistry validates and orders the descriptors. Duplicate ids and
// duplicate sequence numbers are fatal: the caller must refuse to run.
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{
		descriptors: make([]*Descriptor, 0, len(descriptors)),
		byID:        make(map[string]*Descriptor, len(descriptors)),
	}

	bySeq := make(map[uint]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, DuplicateIDError{ID: d.ID}
		}
		if prev, dup := bySeq[d.Sequence]; dup {
			return nil, DuplicateSequenceError{Sequence: d.Sequence, IDs: [2]string{prev.ID, d.ID}}
		}
		r.byID[d.ID] = d
		bySeq[d.Sequence] = d
		r.descriptors = append(r.descriptors, d)
	}

	sort.Slice(r.descriptors, func(i, j int) bool {
		return r.descriptors[i].Sequence < r.descriptors[j].Sequence
	})

	return r, nil
}

// Descriptors returns the descriptors in sequence order. The returned slice
// is a copy; the descriptors themselves are shared.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Get looks a descriptor up by id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

func (r *Registry) Len() int {
	return len(r.descriptors)
}
