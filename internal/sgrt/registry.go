package sgrt

// Registry is the per-patient surface arena. Every Surface is allocated here
// exactly once; the native tree and the treatment calendar both address
// surfaces by SurfaceID, so a capture reachable two ways is still one record.
type Registry struct {
	surfaces []*Surface
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add allocates a surface in the arena and returns its ID.
func (r *Registry) Add(s *Surface) SurfaceID {
	id := SurfaceID(len(r.surfaces))
	s.ID = id
	r.surfaces = append(r.surfaces, s)
	return id
}

// Surface resolves an ID. Returns nil for IDs never issued by this registry.
func (r *Registry) Surface(id SurfaceID) *Surface {
	if id < 0 || int(id) >= len(r.surfaces) {
		return nil
	}
	return r.surfaces[id]
}

// Len returns the number of registered surfaces.
func (r *Registry) Len() int { return len(r.surfaces) }

// All returns every registered surface ID in allocation order.
func (r *Registry) All() []SurfaceID {
	ids := make([]SurfaceID, len(r.surfaces))
	for i := range r.surfaces {
		ids[i] = SurfaceID(i)
	}
	return ids
}
