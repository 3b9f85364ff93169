package memstore

import (
	"context"

	"horizon-workflow/internal/models"
)

func (s *Store) DrainOutbox(_ context.Context, jobID string, deliver func(models.Event) error) (int, error) {
	lock := s.lockFor(s.drainLocks, jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	var pending []int
	for i, row := range s.outbox {
		if row.ev.JobCardID == jobID && !row.delivered {
			pending = append(pending, i)
		}
	}
	evs := make([]models.Event, len(pending))
	for i, idx := range pending {
		evs[i] = s.outbox[idx].ev
	}
	s.mu.Unlock()

	n := 0
	for i, ev := range evs {
		if err := deliver(ev); err != nil {
			return n, err
		}
		s.mu.Lock()
		s.outbox[pending[i]].delivered = true
		s.mu.Unlock()
		n++
	}
	return n, nil
}

func (s *Store) PendingOutboxJobIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, row := range s.outbox {
		if row.delivered || seen[row.ev.JobCardID] {
			continue
		}
		seen[row.ev.JobCardID] = true
		out = append(out, row.ev.JobCardID)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Events returns every outbox event of a job in order, delivered or not.
func (s *Store) Events(jobID string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, row := range s.outbox {
		if row.ev.JobCardID == jobID {
			out = append(out, row.ev)
		}
	}
	return out
}
