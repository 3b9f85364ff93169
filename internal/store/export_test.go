package store

import "context"

// Truncate empties every table. Integration tests only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE workflow_events, job_assignment_history, cutting_assignments, job_production_planning,
			job_workflow_steps, job_cards, process_steps, process_sequences, products
		RESTART IDENTITY CASCADE
	`)
	return err
}
