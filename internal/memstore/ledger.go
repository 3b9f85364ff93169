package memstore

import (
	"context"

	"horizon-workflow/internal/models"
)

func (s *Store) AppendHistory(_ context.Context, entry models.HistoryEntry, events []models.Event) (models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[entry.JobCardID]
	if !ok {
		return models.HistoryEntry{}, models.Errorf(models.ErrJobNotFound, "job %s", entry.JobCardID)
	}
	saved := s.appendHistoryLocked(entry.JobCardID, entry)
	for _, ev := range events {
		s.appendEventLocked(entry.JobCardID, job.Version, ev)
	}
	return saved, nil
}

func (s *Store) ListHistory(_ context.Context, jobID string, limit int) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	rows := s.history[jobID]
	out := make([]models.HistoryEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
