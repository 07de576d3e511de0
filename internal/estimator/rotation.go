package estimator

import (
	"fmt"
	"time"

	"cropcore/pkg/evaluation"
	"cropcore/pkg/model"
)

// CropRootName is the root id of every crop sub-tree. Quantity definitions
// and observation bindings address crop models below it ("crop.leaves").
const CropRootName = "crop"

// Rotation tracks a zone's crop periods and drives the connect/disconnect
// transitions of the transient crop sub-tree. Parallel crops are not
// supported: at most one crop lives in a zone at a time.
type Rotation struct {
	registry *model.Registry
	zoneTree *model.Tree
	entries  []evaluation.RotationEntry

	cropTree    *model.Tree
	cropModel   model.Model
	cropPresent bool
	cropSown    bool
	pendingSow  bool
}

// NewRotation binds rotation records to a zone tree.
func NewRotation(registry *model.Registry, zoneTree *model.Tree, entries []evaluation.RotationEntry) *Rotation {
	return &Rotation{registry: registry, zoneTree: zoneTree, entries: entries}
}

// Add appends further rotation records, merging rows loaded separately.
func (r *Rotation) Add(entries ...evaluation.RotationEntry) {
	r.entries = append(r.entries, entries...)
}

// CropPresent reports whether a crop is growing (true from the day after
// sowing until harvest).
func (r *Rotation) CropPresent() bool { return r.cropPresent }

// CropSown reports whether a crop was sown at the current epoch. True only
// on the sowing day itself; the estimator uses it to trigger the crop's
// initial-conditions pass.
func (r *Rotation) CropSown() bool { return r.cropSown }

// CropTree returns the connected crop sub-tree, or nil.
func (r *Rotation) CropTree() *model.Tree { return r.cropTree }

// CropModel returns the root model of the connected crop sub-tree, or nil.
func (r *Rotation) CropModel() model.Model { return r.cropModel }

// Update advances the rotation to an epoch. On a sowing epoch it constructs
// the crop tree from the registry and connects it to the zone tree; on a
// harvest epoch it disconnects and drops the reference.
func (r *Rotation) Update(epoch time.Time) error {
	r.cropSown = false

	if entry, ok := r.starting(epoch); ok {
		if r.cropPresent || r.pendingSow {
			return fmt.Errorf("estimator: crop %s sown at %s while another crop is present", entry.ModelType, epoch.Format(time.DateOnly))
		}
		tree := model.NewTree(CropRootName, r.zoneTree.NParticles())
		crop, err := r.registry.Build(tree, entry.ModelType)
		if err != nil {
			return err
		}
		r.cropTree = tree
		r.cropModel = crop
		r.zoneTree.Connect(tree)
		r.cropSown = true
		r.pendingSow = true
		return nil
	}

	if r.pendingSow {
		// The day after sowing the crop counts as present, which switches
		// the daily crop-model updates on.
		r.pendingSow = false
		r.cropPresent = true
		return nil
	}

	if r.ending(epoch) && r.cropTree != nil {
		r.zoneTree.Disconnect(r.cropTree)
		r.cropTree = nil
		r.cropModel = nil
		r.cropPresent = false
	}
	return nil
}

func (r *Rotation) starting(epoch time.Time) (evaluation.RotationEntry, bool) {
	for _, e := range r.entries {
		if sameDay(e.EpochStart, epoch) {
			return e, true
		}
	}
	return evaluation.RotationEntry{}, false
}

func (r *Rotation) ending(epoch time.Time) bool {
	for _, e := range r.entries {
		if sameDay(e.EpochEnd, epoch) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
