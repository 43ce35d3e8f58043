package sgrt

import "testing"

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("new registry Len = %d", r.Len())
	}

	a := &Surface{Name: "C1"}
	b := &Surface{Name: "C2"}
	idA := r.Add(a)
	idB := r.Add(b)

	if idA == idB {
		t.Fatalf("Add returned the same ID twice: %d", idA)
	}
	if a.ID != idA || b.ID != idB {
		t.Errorf("Add did not stamp the surface IDs: %d/%d vs %d/%d", a.ID, b.ID, idA, idB)
	}
	if got := r.Surface(idA); got != a {
		t.Errorf("Surface(%d) = %v, want the same record", idA, got)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if got := len(r.All()); got != 2 {
		t.Errorf("All returned %d records", got)
	}
}

func TestRegistryUnknownID(t *testing.T) {
	r := NewRegistry()
	r.Add(&Surface{Name: "C1"})

	if r.Surface(-1) != nil {
		t.Error("negative ID resolved")
	}
	if r.Surface(99) != nil {
		t.Error("out-of-range ID resolved")
	}
}
