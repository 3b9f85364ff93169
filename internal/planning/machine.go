package planning

import (
	"time"

	"horizon-workflow/internal/models"
)

// transitions lists every permitted planning move. Unlock (LOCKED -> PLANNED) is the only
// backward edge; Reset is privileged and handled separately.
var transitions = map[string][]string{
	models.PlanningPending: {models.PlanningPlanned},
	models.PlanningPlanned: {models.PlanningPlanned, models.PlanningLocked},
	models.PlanningLocked:  {models.PlanningPlanned, models.PlanningApplied},
}

// CanTransition reports whether from -> to is a regular planning move.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func validateLayout(l models.Layout) error {
	switch {
	case l.FinalTotalSheets <= 0:
		return models.Errorf(models.ErrValidation, "final_total_sheets must be positive")
	case l.BlanksPerSheet <= 0:
		return models.Errorf(models.ErrValidation, "blanks_per_sheet must be positive")
	case l.CuttingLayoutType == "":
		return models.Errorf(models.ErrValidation, "cutting_layout_type is required")
	}
	return nil
}

func move(p *models.Planning, to string) error {
	if !CanTransition(p.Status, to) {
		return models.Errorf(models.ErrInvalidTransition, "planning is %s, cannot move to %s", p.Status, to)
	}
	p.Status = to
	return nil
}

// Plan records or revises a layout proposal.
func Plan(p *models.Planning, layout models.Layout, now time.Time) error {
	if err := validateLayout(layout); err != nil {
		return err
	}
	if err := move(p, models.PlanningPlanned); err != nil {
		return err
	}
	p.Layout = layout
	p.UpdatedAt = now
	return nil
}

// Lock freezes the proposal.
func Lock(p *models.Planning, actor models.Actor, now time.Time) error {
	if err := move(p, models.PlanningLocked); err != nil {
		return err
	}
	p.LockedAt = &now
	p.LockedBy = actor.Name
	p.UpdatedAt = now
	return nil
}

// Unlock reopens a locked proposal for editing.
func Unlock(p *models.Planning, now time.Time) error {
	if p.Status != models.PlanningLocked {
		return models.Errorf(models.ErrInvalidTransition, "planning is %s, only a locked plan can be unlocked", p.Status)
	}
	p.Status = models.PlanningPlanned
	p.LockedAt = nil
	p.LockedBy = ""
	p.UpdatedAt = now
	return nil
}

// Apply finalizes a locked layout. A layout supplied here must match the locked one.
func Apply(p *models.Planning, layout models.Layout, actor models.Actor, now time.Time) error {
	if p.Status != models.PlanningLocked {
		return models.Errorf(models.ErrNotLocked, "planning is %s", p.Status)
	}
	if !layout.IsZero() && layout != p.Layout {
		return models.Errorf(models.ErrValidation, "layout differs from the locked proposal; unlock and re-plan first")
	}
	p.Status = models.PlanningApplied
	p.PlannedAt = &now
	p.PlannedBy = actor.Name
	p.UpdatedAt = now
	return nil
}

// Reset sends planning back to PENDING for rework. Only elevated roles may reset.
func Reset(p *models.Planning, elevated bool, now time.Time) error {
	if !elevated {
		return models.Errorf(models.ErrForbidden, "planning reset requires an elevated role")
	}
	if p.Status == models.PlanningPending {
		return models.Errorf(models.ErrInvalidTransition, "planning is already %s", p.Status)
	}
	p.Status = models.PlanningPending
	p.Layout = models.Layout{}
	p.PlannedAt = nil
	p.PlannedBy = ""
	p.LockedAt = nil
	p.LockedBy = ""
	p.UpdatedAt = now
	return nil
}
