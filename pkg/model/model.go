package model

import (
	"fmt"
	"strings"
	"time"

	"cropcore/pkg/montecarlo"
)

// Model is a typed tree node owning declared quantities, optional child
// models and cross-model requirements, with an initialize/update lifecycle.
// Concrete models embed *Base and implement the two lifecycle methods,
// calling the Base implementation first.
type Model interface {
	Core() *Base
	Initialize(epoch time.Time) error
	Update(epoch time.Time) error
}

// Factory constructs a model bound to a reserved tree slot. The name is the
// model's own segment, the id its full dotted path.
type Factory func(tree *Tree, name, id string) (Model, error)

// Registry maps model type tags to factories. It replaces the original
// import-by-string construction: storage rows reference a type tag, the
// registry turns it into a wired model.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a type tag to a factory. Re-registering a tag overwrites
// the previous binding.
func (r *Registry) Register(typeTag string, factory Factory) {
	r.factories[typeTag] = factory
}

// Build constructs the root model of a tree from a registered type tag and
// attaches it to the tree's reserved root slot.
func (r *Registry) Build(tree *Tree, typeTag string) (Model, error) {
	factory, ok := r.factories[typeTag]
	if !ok {
		return nil, fmt.Errorf("model: unregistered model type %q", typeTag)
	}
	m, err := factory(tree, tree.RootID(), tree.RootID())
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", typeTag, err)
	}
	if err := tree.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Condition is an invariant-repair routine registered at construction and
// invoked only from the tree-wide CheckConditions pass.
type Condition struct {
	Name string
	Fn   func() error
}

// Base carries the registration tables every model shares. It is created
// once per model via NewBase and never reused across trees.
type Base struct {
	name string
	id   string
	tree *Tree

	initialized bool
	epoch       time.Time

	quantities map[string]*Quantity
	qOrder     []string

	requirements map[string]*Requirement
	conditions   []Condition
	childIDs     []string
}

// NewBase binds a model core to its tree slot. Factories call this before
// declaring quantities, requirements, conditions and children.
func NewBase(tree *Tree, name, id string) *Base {
	return &Base{
		name:         name,
		id:           id,
		tree:         tree,
		quantities:   make(map[string]*Quantity),
		requirements: make(map[string]*Requirement),
	}
}

// Core returns the base itself, satisfying the Model embedding contract.
func (b *Base) Core() *Base { return b }

// Name returns the model's own path segment.
func (b *Base) Name() string { return b.name }

// ID returns the model's dotted tree id.
func (b *Base) ID() string { return b.id }

// Tree returns the owning tree.
func (b *Base) Tree() *Tree { return b.tree }

// Initialized reports whether Initialize has run.
func (b *Base) Initialized() bool { return b.initialized }

// CurrentEpoch returns the last epoch passed to Initialize or Update.
func (b *Base) CurrentEpoch() time.Time { return b.epoch }

// Initialize marks the model initialized and NaN-fills its random outputs.
// Embedding models must call this before their own initial computations.
func (b *Base) Initialize(epoch time.Time) error {
	b.initialized = true
	b.epoch = epoch
	return b.ResetQuantities(b.Names(KindRandomOutput), false)
}

// Update records the epoch. Embedding models must call this before their own
// daily computations.
func (b *Base) Update(epoch time.Time) error {
	b.epoch = epoch
	return nil
}

// Declare registers a continuous quantity. Re-declaring a name overwrites
// metadata only and keeps the current value.
func (b *Base) Declare(name string, kind Kind, unit Unit) {
	b.declare(name, kind, unit, ShapeContinuous)
}

// DeclareDiscrete registers a quantity with a discrete distribution shape.
func (b *Base) DeclareDiscrete(name string, kind Kind, unit Unit) {
	b.declare(name, kind, unit, ShapeDiscrete)
}

func (b *Base) declare(name string, kind Kind, unit Unit, shape Shape) {
	if q, ok := b.quantities[name]; ok {
		q.Kind = kind
		q.Unit = unit
		q.Shape = shape
		return
	}
	b.quantities[name] = &Quantity{Name: name, Kind: kind, Unit: unit, Shape: shape}
	b.qOrder = append(b.qOrder, name)
}

// DeclareRequirement registers a bound accessor onto a quantity owned by
// another model. The owner path is absolute, or relative when it starts with
// a dot: a "__parent__" segment ascends, any other segment descends to the
// named child. Relative paths are resolved once, here.
func (b *Base) DeclareRequirement(name, quantityName, ownerPath string, unit Unit) error {
	ownerID := ownerPath
	if strings.HasPrefix(ownerPath, ".") {
		resolved, err := b.tree.ResolvePath(b.id, ownerPath)
		if err != nil {
			return fmt.Errorf("requirement %s.%s: %w", b.id, name, err)
		}
		ownerID = resolved
	}
	b.requirements[name] = &Requirement{
		tree:    b.tree,
		name:    quantityName,
		ownerID: ownerID,
		unit:    unit,
	}
	return nil
}

// Require returns a declared requirement accessor.
func (b *Base) Require(name string) (*Requirement, error) {
	r, ok := b.requirements[name]
	if !ok {
		return nil, fmt.Errorf("%w: requirement %s at %s", ErrUnknownQuantity, name, b.id)
	}
	return r, nil
}

// DeclareCondition appends an invariant-repair routine. Conditions run in
// declaration order, exactly once per CheckConditions pass.
func (b *Base) DeclareCondition(name string, fn func() error) {
	b.conditions = append(b.conditions, Condition{Name: name, Fn: fn})
}

// Conditions returns the registered routines in declaration order.
func (b *Base) Conditions() []Condition { return b.conditions }

// DeclareChild extends the tree below this model and constructs the child
// through the supplied factory. The child id is the deterministic
// concatenation parent-id + "." + name.
func (b *Base) DeclareChild(name string, factory Factory) (Model, error) {
	childID, err := b.tree.Extend(b.id, name)
	if err != nil {
		return nil, err
	}
	child, err := factory(b.tree, name, childID)
	if err != nil {
		return nil, fmt.Errorf("child %s: %w", childID, err)
	}
	if err := b.tree.Register(child); err != nil {
		return nil, err
	}
	b.childIDs = append(b.childIDs, childID)
	return child, nil
}

// ChildIDs returns the ids of declared children in declaration order.
func (b *Base) ChildIDs() []string { return b.childIDs }

// QuantityNames returns all declared names in declaration order.
func (b *Base) QuantityNames() []string {
	names := make([]string, len(b.qOrder))
	copy(names, b.qOrder)
	return names
}

// Names returns declared names of one kind, in declaration order.
func (b *Base) Names(kind Kind) []string {
	var names []string
	for _, n := range b.qOrder {
		if b.quantities[n].Kind == kind {
			names = append(names, n)
		}
	}
	return names
}

// Quantity returns the declared slot for a name.
func (b *Base) Quantity(name string) (*Quantity, error) {
	q, ok := b.quantities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnknownQuantity, name, b.id)
	}
	return q, nil
}

// Ensemble returns the ensemble of a declared quantity in its declared unit.
func (b *Base) Ensemble(name string) ([]float64, error) {
	q, err := b.Quantity(name)
	if err != nil {
		return nil, err
	}
	vals, ok := q.Ensemble()
	if !ok {
		return nil, fmt.Errorf("model %s: quantity %s is unset", b.id, name)
	}
	return vals, nil
}

// SetEnsemble assigns an ensemble to a declared quantity in its declared
// unit, enforcing the particle-count invariant.
func (b *Base) SetEnsemble(name string, values []float64) error {
	q, err := b.Quantity(name)
	if err != nil {
		return err
	}
	if n := b.tree.NParticles(); len(values) != n {
		return fmt.Errorf("%w: %s at %s has %d values, want %d", ErrEnsembleLength, name, b.id, len(values), n)
	}
	q.setEnsemble(values)
	return nil
}

// SetScalar assigns a deterministic-output value.
func (b *Base) SetScalar(name string, value float64) error {
	q, err := b.Quantity(name)
	if err != nil {
		return err
	}
	q.setScalar(value)
	return nil
}

// Sample draws an ensemble for a declared quantity and assigns it.
func (b *Base) Sample(name string, s montecarlo.VariateSource, reference float64, spec montecarlo.DistSpec) error {
	values, err := s.Sample(reference, spec, b.tree.NParticles())
	if err != nil {
		return fmt.Errorf("sample %s at %s: %w", name, b.id, err)
	}
	return b.SetEnsemble(name, values)
}

// ResetQuantities fills the named quantities with NaN ensembles. Quantities
// that already hold a value are left alone unless force is set; this is how
// not-yet-connected crop quantities stay inert until sowing.
func (b *Base) ResetQuantities(names []string, force bool) error {
	n := b.tree.NParticles()
	for _, name := range names {
		q, err := b.Quantity(name)
		if err != nil {
			return err
		}
		if q.IsSet() && !force {
			continue
		}
		q.setEnsemble(nanEnsemble(n))
	}
	return nil
}
