package model

import (
	"fmt"
	"strings"
	"time"
)

// parentSegment is the ascend step in relative requirement paths. The token
// is part of the addressing contract shared with storage rows.
const parentSegment = "__parent__"

type node struct {
	model    Model
	parentID string
	childIDs []string
}

// Tree assembles models into a dotted-id tree. Ids are structurally derived:
// the root id equals the root name, every other id is parent-id + "." +
// child-name. A tree's particle count is fixed for its lifetime, and every
// ensemble-valued quantity inside it must match.
//
// Two trees can be connected at runtime; lookups then cover the peer's nodes
// as well. Connection is a non-owning association keyed by peer root id.
type Tree struct {
	rootID     string
	nParticles int

	nodes map[string]*node
	order []string

	connected map[string]*Tree
	connOrder []string
}

// NewTree creates a tree with a reserved root slot and a fixed particle
// count.
func NewTree(rootName string, nParticles int) *Tree {
	t := &Tree{
		rootID:     rootName,
		nParticles: nParticles,
		nodes:      map[string]*node{rootName: {}},
		order:      []string{rootName},
		connected:  make(map[string]*Tree),
	}
	return t
}

// RootID returns the root model id (the root name).
func (t *Tree) RootID() string { return t.rootID }

// NParticles returns the fixed ensemble length of the tree.
func (t *Tree) NParticles() int { return t.nParticles }

// Root returns the root model once registered.
func (t *Tree) Root() (Model, bool) {
	return t.Get(t.rootID)
}

// Extend reserves a slot for a child below parentID and returns the derived
// child id.
func (t *Tree) Extend(parentID, childName string) (string, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, parentID)
	}
	childID := parentID + "." + childName
	if _, exists := t.nodes[childID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateChild, childID)
	}
	t.nodes[childID] = &node{parentID: parentID}
	t.order = append(t.order, childID)
	parent.childIDs = append(parent.childIDs, childID)
	return childID, nil
}

// Register attaches a constructed model to its reserved slot.
func (t *Tree) Register(m Model) error {
	id := m.Core().ID()
	slot, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if slot.model != nil {
		return fmt.Errorf("model: slot %s already registered", id)
	}
	slot.model = m
	return nil
}

// Get resolves a model id against this tree, then against every connected
// tree.
func (t *Tree) Get(id string) (Model, bool) {
	if n, ok := t.nodes[id]; ok && n.model != nil {
		return n.model, true
	}
	for _, peer := range t.connOrder {
		if n, ok := t.connected[peer].nodes[id]; ok && n.model != nil {
			return n.model, true
		}
	}
	return nil, false
}

// ParentID returns the parent id of a model in this tree. The root has none.
func (t *Tree) ParentID(id string) (string, bool) {
	n, ok := t.nodes[id]
	if !ok || id == t.rootID {
		return "", false
	}
	return n.parentID, true
}

// IDs lists every model id, own tree first in construction order, then each
// connected tree.
func (t *Tree) IDs() []string {
	ids := make([]string, 0, len(t.order))
	ids = append(ids, t.order...)
	for _, peer := range t.connOrder {
		ids = append(ids, t.connected[peer].order...)
	}
	return ids
}

// Models lists every registered model in the same order as IDs: own tree
// first, then each connected peer's own models. Traversal stops at one hop —
// a peer's connections are not followed, so the bidirectional zone/crop
// association yields each model exactly once.
func (t *Tree) Models() []Model {
	ms := t.localModels()
	for _, peer := range t.connOrder {
		ms = append(ms, t.connected[peer].localModels()...)
	}
	return ms
}

// localModels lists registered models of this tree only.
func (t *Tree) localModels() []Model {
	var ms []Model
	for _, id := range t.order {
		if n := t.nodes[id]; n.model != nil {
			ms = append(ms, n.model)
		}
	}
	return ms
}

// ResolvePath resolves a relative requirement path against a starting id. A
// relative path starts with a dot; each "__parent__" segment ascends, any
// other segment descends by name concatenation. Descend steps are not
// existence-checked here, matching the lazy owner resolution of
// requirements.
func (t *Tree) ResolvePath(fromID, path string) (string, error) {
	if !strings.HasPrefix(path, ".") {
		return path, nil
	}
	id := fromID
	for _, segment := range strings.Split(path, ".")[1:] {
		if segment == "" {
			return "", fmt.Errorf("%w: %q from %s", ErrBadPath, path, fromID)
		}
		if segment == parentSegment {
			parent, ok := t.ParentID(id)
			if !ok {
				return "", fmt.Errorf("%w: %q ascends past %s", ErrBadPath, path, id)
			}
			id = parent
			continue
		}
		id = id + "." + segment
	}
	return id, nil
}

// quantityAt resolves (name, id) to the owning model's slot, across
// connected trees.
func (t *Tree) quantityAt(name, id string) (*Base, *Quantity, error) {
	m, ok := t.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	core := m.Core()
	q, err := core.Quantity(name)
	if err != nil {
		return nil, nil, err
	}
	return core, q, nil
}

// GetQuantity reads an ensemble tree-wide, converting from the owner's
// declared unit into the requested one. Pass UnitUndefined to read raw.
func (t *Tree) GetQuantity(name, id string, unit Unit) ([]float64, error) {
	_, q, err := t.quantityAt(name, id)
	if err != nil {
		return nil, err
	}
	values, ok := q.Ensemble()
	if !ok {
		return nil, fmt.Errorf("model %s: quantity %s is unset", id, name)
	}
	if unit == UnitUndefined || unit == "" {
		out := make([]float64, len(values))
		copy(out, values)
		return out, nil
	}
	return ConvertSlice(values, q.Unit, unit)
}

// GetScalar reads a deterministic-output value tree-wide with unit
// conversion.
func (t *Tree) GetScalar(name, id string, unit Unit) (float64, error) {
	_, q, err := t.quantityAt(name, id)
	if err != nil {
		return 0, err
	}
	v, ok := q.Scalar()
	if !ok {
		return 0, fmt.Errorf("model %s: quantity %s holds no scalar", id, name)
	}
	if unit == UnitUndefined || unit == "" {
		return v, nil
	}
	return Convert(v, q.Unit, unit)
}

// SetQuantity writes an ensemble tree-wide, converting from the supplied
// unit into the owner's declared one. Observations must be written through
// SetObservation; writing one here is a contract violation.
func (t *Tree) SetQuantity(name, id string, values []float64, unit Unit) error {
	core, q, err := t.quantityAt(name, id)
	if err != nil {
		return err
	}
	if q.Kind == KindObservation {
		return fmt.Errorf("%w: %s at %s", ErrMissingEpoch, name, id)
	}
	return t.write(core, q, values, unit)
}

// SetObservation writes an observation ensemble and stamps the epoch of the
// assignment.
func (t *Tree) SetObservation(name, id string, values []float64, unit Unit, epoch time.Time) error {
	core, q, err := t.quantityAt(name, id)
	if err != nil {
		return err
	}
	if err := t.write(core, q, values, unit); err != nil {
		return err
	}
	q.stampEpoch(epoch)
	return nil
}

func (t *Tree) write(core *Base, q *Quantity, values []float64, unit Unit) error {
	owner := core.Tree()
	if n := owner.NParticles(); len(values) != n {
		return fmt.Errorf("%w: %s at %s has %d values, want %d", ErrEnsembleLength, q.Name, core.ID(), len(values), n)
	}
	if unit == UnitUndefined || unit == "" || unit == q.Unit {
		out := make([]float64, len(values))
		copy(out, values)
		q.setEnsemble(out)
		return nil
	}
	converted, err := ConvertSlice(values, unit, q.Unit)
	if err != nil {
		return err
	}
	q.setEnsemble(converted)
	return nil
}

// SetFunction binds a parameter function to a quantity slot tree-wide.
func (t *Tree) SetFunction(name, id string, def FunctionDef) error {
	_, q, err := t.quantityAt(name, id)
	if err != nil {
		return err
	}
	fn, err := NewPFunction(def)
	if err != nil {
		return fmt.Errorf("function %s at %s: %w", name, id, err)
	}
	q.setFunction(fn)
	return nil
}

// ObservationEpoch returns the epoch of the last write to an observation.
func (t *Tree) ObservationEpoch(name, id string) (time.Time, bool, error) {
	_, q, err := t.quantityAt(name, id)
	if err != nil {
		return time.Time{}, false, err
	}
	epoch, ok := q.Epoch()
	return epoch, ok, nil
}

// Connect registers a peer tree bidirectionally. Connecting an already
// connected peer is a no-op.
func (t *Tree) Connect(peer *Tree) {
	if _, ok := t.connected[peer.rootID]; !ok {
		t.connected[peer.rootID] = peer
		t.connOrder = append(t.connOrder, peer.rootID)
	}
	if _, ok := peer.connected[t.rootID]; !ok {
		peer.connected[t.rootID] = t
		peer.connOrder = append(peer.connOrder, t.rootID)
	}
}

// Disconnect removes a peer registration on both sides. Disconnecting an
// unconnected peer is a no-op.
func (t *Tree) Disconnect(peer *Tree) {
	t.dropPeer(peer.rootID)
	peer.dropPeer(t.rootID)
}

func (t *Tree) dropPeer(rootID string) {
	if _, ok := t.connected[rootID]; !ok {
		return
	}
	delete(t.connected, rootID)
	for i, id := range t.connOrder {
		if id == rootID {
			t.connOrder = append(t.connOrder[:i], t.connOrder[i+1:]...)
			break
		}
	}
}

// Connected reports whether a peer with the given root id is reachable.
func (t *Tree) Connected(rootID string) bool {
	_, ok := t.connected[rootID]
	return ok
}

// CheckConditions invokes every model's condition routines, own tree and
// connected trees, in declaration order, exactly once per call. This is the
// sanctioned point to re-clip and re-normalize quantities after noise
// injection or resampling.
func (t *Tree) CheckConditions() error {
	return t.checkConditions(true)
}

// CheckConditionsLocal runs conditions for this tree only, leaving connected
// trees untouched. Used on the sowing epoch, when the crop tree is connected
// but its states are not yet initialized.
func (t *Tree) CheckConditionsLocal() error {
	return t.checkConditions(false)
}

func (t *Tree) checkConditions(includeConnected bool) error {
	models := t.localModels()
	if includeConnected {
		models = t.Models()
	}
	for _, m := range models {
		core := m.Core()
		for _, c := range core.Conditions() {
			if err := c.Fn(); err != nil {
				return fmt.Errorf("condition %s at %s: %w", c.Name, core.ID(), err)
			}
		}
	}
	return nil
}

// InitializeAll runs Initialize on every model of this tree (not connected
// ones), parents before children.
func (t *Tree) InitializeAll(epoch time.Time) error {
	for _, m := range t.localModels() {
		if err := m.Initialize(epoch); err != nil {
			return fmt.Errorf("initialize %s: %w", m.Core().ID(), err)
		}
	}
	return nil
}

// UpdateAll runs Update on every initialized model, own tree first, then
// connected trees. Uninitialized models (a crop connected on its sowing
// epoch) are skipped; they catch up after their initial conditions are set.
func (t *Tree) UpdateAll(epoch time.Time) error {
	for _, m := range t.Models() {
		core := m.Core()
		if !core.Initialized() {
			continue
		}
		if err := m.Update(epoch); err != nil {
			return fmt.Errorf("update %s: %w", core.ID(), err)
		}
	}
	return nil
}
