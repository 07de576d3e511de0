package model

import "errors"

// Configuration errors are wiring mistakes, not runtime data problems. They
// propagate immediately and abort the zone run that raised them.
var (
	// ErrUnknownModel indicates a model id that resolves to no node in the
	// tree or any connected tree.
	ErrUnknownModel = errors.New("model: unknown model id")
	// ErrUnknownQuantity indicates a quantity name that is not declared at
	// the resolved model.
	ErrUnknownQuantity = errors.New("model: undeclared quantity")
	// ErrNoConversion indicates a unit pair outside the conversion table.
	ErrNoConversion = errors.New("model: no conversion for unit pair")
	// ErrEnsembleLength indicates an ensemble whose length does not match
	// the tree's particle count.
	ErrEnsembleLength = errors.New("model: ensemble length mismatch")
	// ErrMissingEpoch indicates an observation write without an epoch stamp.
	ErrMissingEpoch = errors.New("model: observation write requires an epoch")
	// ErrNotFunction indicates a call on a quantity that holds no parameter
	// function.
	ErrNotFunction = errors.New("model: quantity is not a parameter function")
	// ErrDuplicateChild indicates a child name already used under a parent.
	ErrDuplicateChild = errors.New("model: duplicate child name")
	// ErrBadPath indicates a relative requirement path that cannot be
	// resolved from the declaring model.
	ErrBadPath = errors.New("model: unresolvable requirement path")
)
