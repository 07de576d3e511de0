package model

import "fmt"

// Requirement is a bound, unit-aware accessor onto a quantity owned by
// another model, possibly across a connected tree. The owner is resolved
// lazily on every access so a requirement can be declared before the owning
// tree is connected; conversions apply on every read and write.
type Requirement struct {
	tree    *Tree
	name    string
	ownerID string
	unit    Unit
}

// OwnerID returns the resolved owning model id.
func (r *Requirement) OwnerID() string { return r.ownerID }

// Values reads the owner's ensemble converted into the required unit.
func (r *Requirement) Values() ([]float64, error) {
	return r.tree.GetQuantity(r.name, r.ownerID, r.unit)
}

// SetValues converts from the required unit into the owner's and writes.
func (r *Requirement) SetValues(values []float64) error {
	return r.tree.SetQuantity(r.name, r.ownerID, values, r.unit)
}

// Scalar reads a deterministic-output value converted into the required
// unit.
func (r *Requirement) Scalar() (float64, error) {
	return r.tree.GetScalar(r.name, r.ownerID, r.unit)
}

// Call forwards an input vector to the bound parameter function's
// evaluation. It fails unless the required quantity holds a PFunction.
func (r *Requirement) Call(input []float64) ([]float64, error) {
	_, q, err := r.tree.quantityAt(r.name, r.ownerID)
	if err != nil {
		return nil, err
	}
	fn := q.Function()
	if fn == nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrNotFunction, r.name, r.ownerID)
	}
	return fn.Evaluate(input)
}
