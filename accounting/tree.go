package accounting

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// NAVIGATOR - Read-only queries and validation over the allocation tree
// =============================================================================

// Navigator resolves ancestor chains and validates structural rules. It has
// no side effects.
type Navigator struct {
	Store Store
}

func NewNavigator(store Store) *Navigator {
	return &Navigator{Store: store}
}

// Ancestors returns the chain root..self for id.
func (n *Navigator) Ancestors(ctx context.Context, id AllocationID) ([]Allocation, error) {
	self, err := n.Store.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := make([]Allocation, 0, len(self.Path))
	for _, ancestorID := range self.AncestorIDs() {
		a, err := n.Store.GetAllocation(ctx, ancestorID)
		if err != nil {
			return nil, fmt.Errorf("ancestor %s of %s: %w", ancestorID, id, err)
		}
		chain = append(chain, a)
	}
	return append(chain, self), nil
}

// Descendants returns every allocation below id.
func (n *Navigator) Descendants(ctx context.Context, id AllocationID) ([]Allocation, error) {
	if _, err := n.Store.GetAllocation(ctx, id); err != nil {
		return nil, err
	}
	return n.Store.Descendants(ctx, id)
}

// ValidateParent loads the proposed parent and checks it may receive a child
// in the given category. A zero category skips the category check.
func (n *Navigator) ValidateParent(ctx context.Context, parentID AllocationID, category CategoryID) (Allocation, error) {
	parent, err := n.Store.GetAllocation(ctx, parentID)
	if errors.Is(err, ErrAllocationNotFound) {
		return Allocation{}, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	if err != nil {
		return Allocation{}, err
	}
	if !parent.CanAllocate {
		return Allocation{}, fmt.Errorf("%w: %s", ErrAllocationNotAllocatable, parentID)
	}
	if category != (CategoryID{}) && category != parent.Category {
		return Allocation{}, &ValidationError{
			Field:  "category",
			Reason: fmt.Sprintf("child category %s differs from parent category %s", category, parent.Category),
		}
	}
	return parent, nil
}

// ValidateWindow checks that child is well-formed and contained in parent.
func ValidateWindow(child, parent Window) error {
	if err := ValidateOwnWindow(child); err != nil {
		return err
	}
	if child.Start.Before(parent.Start) {
		return &WindowError{Child: child, Parent: &parent, Reason: "starts before parent"}
	}
	if parent.End != nil && child.End == nil {
		return &WindowError{Child: child, Parent: &parent, Reason: "never expires but parent does"}
	}
	if !child.Within(parent) {
		return &WindowError{Child: child, Parent: &parent, Reason: "ends after parent"}
	}
	return nil
}

// ValidateOwnWindow checks a window without a parent.
func ValidateOwnWindow(w Window) error {
	if w.Start.IsZero() {
		return &WindowError{Child: w, Reason: "start is required"}
	}
	if !w.Valid() {
		return &WindowError{Child: w, Reason: "ends before it starts"}
	}
	return nil
}
