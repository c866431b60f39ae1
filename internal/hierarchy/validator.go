// Package hierarchy checks that a venue and branch share one owner before any
// worker pool is considered for them.
package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store"
)

type Result struct {
	Valid   bool   `json:"valid"`
	OwnerID string `json:"owner_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type Validator struct {
	store store.HierarchyStore
}

func NewValidator(store store.HierarchyStore) *Validator {
	return &Validator{store: store}
}

// Validate fails closed: any missing or mismatched reference yields
// Valid=false with a reason. The error return is reserved for storage
// failures.
func (v *Validator) Validate(ctx context.Context, venueID, branchID string) (Result, error) {
	if venueID == "" {
		return invalid("venue id is required"), nil
	}
	venue, err := v.store.GetVenue(ctx, venueID)
	if err != nil {
		if errors.Is(err, store.ErrVenueNotFound) {
			return invalid(fmt.Sprintf("venue %s not found", venueID)), nil
		}
		return Result{}, fmt.Errorf("load venue: %w", err)
	}
	if venue.OwnerID == "" {
		return invalid(fmt.Sprintf("venue %s has no owner", venueID)), nil
	}
	if branchID == "" {
		return Result{Valid: true, OwnerID: venue.OwnerID}, nil
	}

	branch, err := v.store.GetBranch(ctx, branchID)
	if err != nil {
		if errors.Is(err, store.ErrBranchNotFound) {
			return invalid(fmt.Sprintf("branch %s not found", branchID)), nil
		}
		return Result{}, fmt.Errorf("load branch: %w", err)
	}
	return checkBranch(venue, branch), nil
}

func checkBranch(venue models.Venue, branch models.Branch) Result {
	if branch.VenueID != venue.VenueID {
		return invalid(fmt.Sprintf("branch %s does not belong to venue %s", branch.BranchID, venue.VenueID))
	}
	if branch.OwnerID == "" {
		return invalid(fmt.Sprintf("branch %s has no owner", branch.BranchID))
	}
	if branch.OwnerID != venue.OwnerID {
		return invalid(fmt.Sprintf("branch %s owner does not match venue owner", branch.BranchID))
	}
	return Result{Valid: true, OwnerID: venue.OwnerID}
}

func invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}
