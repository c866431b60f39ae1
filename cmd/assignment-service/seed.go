package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"tabletop/assignment-service/internal/models"
	"tabletop/assignment-service/internal/store/memory"
)

type seedFile struct {
	Venues   []models.Venue   `json:"venues"`
	Branches []models.Branch  `json:"branches"`
	Managers []models.Manager `json:"managers"`
	Workers  []models.Worker  `json:"workers"`
}

// loadSeed fills a memory store with a hierarchy for local runs. Workers
// default to available active waiters; the store fills in capacity.
func loadSeed(path string, st *memory.Store) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, venue := range seed.Venues {
		st.AddVenue(venue)
	}
	for _, branch := range seed.Branches {
		st.AddBranch(branch)
	}
	for _, manager := range seed.Managers {
		st.AddManager(manager)
	}
	for _, worker := range seed.Workers {
		if worker.Role == "" {
			worker.Role = models.RoleWaiter
		}
		if worker.Status == "" {
			worker.Status = models.WorkerActive
			worker.IsAvailable = true
		}
		st.AddWorker(worker)
	}
	log.Printf("seed loaded venues=%d branches=%d managers=%d workers=%d",
		len(seed.Venues), len(seed.Branches), len(seed.Managers), len(seed.Workers))
	return nil
}
