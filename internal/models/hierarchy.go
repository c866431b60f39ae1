package models

type Venue struct {
	VenueID string `json:"venue_id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name,omitempty"`
}

type Branch struct {
	BranchID string `json:"branch_id"`
	VenueID  string `json:"venue_id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name,omitempty"`
}

type Manager struct {
	ManagerID string `json:"manager_id"`
	CreatedBy string `json:"created_by"`
}

// Scope identifies one waiting list and one round-robin cursor: a branch of a
// venue, or the venue itself when BranchID is empty.
type Scope struct {
	VenueID  string `json:"venue_id"`
	BranchID string `json:"branch_id,omitempty"`
}

func (s Scope) Key() string {
	if s.BranchID == "" {
		return s.VenueID
	}
	return s.VenueID + "/" + s.BranchID
}
