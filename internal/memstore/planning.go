package memstore

import (
	"context"
	"strings"

	"horizon-workflow/internal/models"
)

func (s *Store) GetPlanning(_ context.Context, jobID string) (models.Planning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planningLocked(jobID)
}

func (s *Store) planningLocked(jobID string) (models.Planning, error) {
	if _, ok := s.jobs[jobID]; !ok {
		return models.Planning{}, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	p, ok := s.planning[jobID]
	if !ok {
		p = models.Planning{JobCardID: jobID, Status: models.PlanningPending}
	}
	return p, nil
}

func (s *Store) MutatePlanning(_ context.Context, jobID string, fn func(*models.Planning) ([]models.Event, error)) (models.Planning, error) {
	lock := s.lockFor(s.planningLocks, jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	p, err := s.planningLocked(jobID)
	s.mu.Unlock()
	if err != nil {
		return models.Planning{}, err
	}
	evs, err := fn(&p)
	if err != nil {
		return models.Planning{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version++
	p.UpdatedAt = s.now()
	s.planning[jobID] = p
	for _, ev := range evs {
		s.appendEventLocked(jobID, s.jobs[jobID].Version, ev)
	}
	return p, nil
}

func (s *Store) GetCuttingAssignment(_ context.Context, jobID string) (*models.CuttingAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	a, ok := s.cutting[jobID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) SaveCuttingAssignment(_ context.Context, a models.CuttingAssignment, overwrite bool, mut models.Mutation) (models.CuttingAssignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[a.JobCardID]
	if !ok {
		return models.CuttingAssignment{}, false, models.Errorf(models.ErrJobNotFound, "job %s", a.JobCardID)
	}
	if existing, ok := s.cutting[a.JobCardID]; ok {
		if !overwrite {
			return existing, false, nil
		}
		existing.AssignedTo = a.AssignedTo
		existing.AssignedBy = a.AssignedBy
		existing.Comments = a.Comments
		a = existing
	}
	s.cutting[a.JobCardID] = a
	s.applyMutationLocked(a.JobCardID, job.Version, mut)
	return a, true, nil
}

func (s *Store) CuttingQueue(_ context.Context, limit int) ([]models.CuttingQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CuttingQueueEntry
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Terminal() {
			continue
		}
		p, _ := s.planningLocked(id)
		a, hasAssignment := s.cutting[id]
		e := models.CuttingQueueEntry{
			Job:             job,
			PlanningStatus:  p.Status,
			InCuttingDept:   strings.EqualFold(job.CurrentDepartment, models.CuttingDepartment),
			PlanningApplied: p.Status == models.PlanningApplied,
			HasAssignment:   hasAssignment,
		}
		if !e.InCuttingDept && !e.PlanningApplied && !e.HasAssignment {
			continue
		}
		if hasAssignment {
			e.Assignment = &a
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
