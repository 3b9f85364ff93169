// Package memstore keeps all workflow state in process memory. It backs local runs with
// STORAGE_BACKEND=memory and the service tests; it has the same locking units as the Postgres
// store: one lock per job card, one per planning record, one per outbox drain.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"horizon-workflow/internal/models"
)

type outboxRow struct {
	ev        models.Event
	delivered bool
}

// Store is an in-memory implementation of every repository interface.
type Store struct {
	mu        sync.Mutex
	products  map[string]models.Product
	sequences map[string]models.ProcessSequence
	jobs      map[string]models.JobCard
	jobOrder  []string
	steps     map[string][]models.WorkflowStep
	planning  map[string]models.Planning
	cutting   map[string]models.CuttingAssignment
	history   map[string][]models.HistoryEntry
	outbox    []outboxRow
	historyID int64
	eventID   int64

	locksMu       sync.Mutex
	jobLocks      map[string]*sync.Mutex
	planningLocks map[string]*sync.Mutex
	drainLocks    map[string]*sync.Mutex

	now func() time.Time
}

func New() *Store {
	return &Store{
		products:      map[string]models.Product{},
		sequences:     map[string]models.ProcessSequence{},
		jobs:          map[string]models.JobCard{},
		steps:         map[string][]models.WorkflowStep{},
		planning:      map[string]models.Planning{},
		cutting:       map[string]models.CuttingAssignment{},
		history:       map[string][]models.HistoryEntry{},
		jobLocks:      map[string]*sync.Mutex{},
		planningLocks: map[string]*sync.Mutex{},
		drainLocks:    map[string]*sync.Mutex{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lockFor(set map[string]*sync.Mutex, id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if set[id] == nil {
		set[id] = &sync.Mutex{}
	}
	return set[id]
}

// PutProduct registers a product for sequence resolution.
func (s *Store) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// UpsertProduct registers or updates a product.
func (s *Store) UpsertProduct(_ context.Context, p models.Product) error {
	s.PutProduct(p)
	return nil
}

// PutJob stores a job card with the given steps as-is, bypassing the workflow. It exists to load
// legacy fixtures that predate materialized steps.
func (s *Store) PutJob(job models.JobCard, steps []models.WorkflowStep, history []models.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobOrder = append(s.jobOrder, job.ID)
	}
	s.jobs[job.ID] = job
	s.steps[job.ID] = cloneSteps(steps)
	for _, h := range history {
		s.appendHistoryLocked(job.ID, h)
	}
}

// Catalog

func (s *Store) GetSequence(_ context.Context, productType string) (models.ProcessSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[productType]
	if !ok {
		return models.ProcessSequence{}, models.Errorf(models.ErrSequenceNotFound, "product type %q", productType)
	}
	seq.Steps = append([]models.ProcessStep(nil), seq.Steps...)
	return seq, nil
}

func (s *Store) ListSequences(context.Context) ([]models.ProcessSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProcessSequence, 0, len(s.sequences))
	for _, seq := range s.sequences {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductType < out[j].ProductType })
	return out, nil
}

func (s *Store) ReplaceSequence(_ context.Context, seq models.ProcessSequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq.Steps = append([]models.ProcessStep(nil), seq.Steps...)
	seq.UpdatedAt = s.now()
	s.sequences[seq.ProductType] = seq
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return models.Product{}, models.Errorf(models.ErrValidation, "unknown product %q", id)
	}
	return p, nil
}

// Jobs

func (s *Store) CreateJob(_ context.Context, snap *models.JobSnapshot, mut models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.JobNumber == snap.Job.JobNumber {
			return models.Errorf(models.ErrDuplicate, "job number %s", snap.Job.JobNumber)
		}
	}
	s.jobs[snap.Job.ID] = snap.Job
	s.jobOrder = append(s.jobOrder, snap.Job.ID)
	s.steps[snap.Job.ID] = cloneSteps(snap.Steps)
	s.planning[snap.Job.ID] = models.Planning{JobCardID: snap.Job.ID, Status: models.PlanningPending, Version: 1, UpdatedAt: snap.Job.CreatedAt}
	s.applyMutationLocked(snap.Job.ID, snap.Job.Version, mut)
	return nil
}

func (s *Store) LoadJob(_ context.Context, jobID string) (*models.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(jobID)
}

func (s *Store) MutateJob(_ context.Context, jobID string, fn func(*models.JobSnapshot) (models.Mutation, error)) (*models.JobSnapshot, error) {
	lock := s.lockFor(s.jobLocks, jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	snap, err := s.snapshotLocked(jobID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	loaded := snap.Job.Version

	mut, err := fn(snap)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[jobID].Version != loaded {
		return nil, models.Errorf(models.ErrConcurrentModification, "job %s changed from version %d", jobID, loaded)
	}
	snap.Job.Version = loaded + 1
	snap.Job.UpdatedAt = s.now()
	s.jobs[jobID] = snap.Job
	s.steps[jobID] = cloneSteps(snap.Steps)
	s.applyMutationLocked(jobID, snap.Job.Version, mut)
	snap.History = append([]models.HistoryEntry(nil), s.history[jobID]...)
	snap.Derived = false
	return snap, nil
}

func (s *Store) StalledJobIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.jobOrder {
		if s.jobs[id].Status != models.JobInProgress {
			continue
		}
		for _, st := range s.steps[id] {
			if st.Stalled(now) && st.StalledNotifiedAt == nil {
				out = append(out, id)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountStalled(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.Status != models.JobInProgress {
			continue
		}
		for _, st := range s.steps[id] {
			if st.Stalled(now) {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) UnmaterializedJobIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.jobOrder {
		if len(s.steps[id]) == 0 {
			out = append(out, id)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListJobs(_ context.Context, f models.JobFilter) ([]models.JobCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobCard
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; matches(j, s.steps[id], f) {
			out = append(out, j)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListSnapshots(_ context.Context, f models.JobFilter) ([]models.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobSnapshot
	for _, id := range s.jobOrder {
		if !matches(s.jobs[id], s.steps[id], f) {
			continue
		}
		snap, _ := s.snapshotLocked(id)
		out = append(out, *snap)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(j models.JobCard, steps []models.WorkflowStep, f models.JobFilter) bool {
	if f.Department != "" && !strings.EqualFold(j.CurrentDepartment, f.Department) {
		return false
	}
	if !f.ActiveSince.IsZero() && j.Terminal() && j.UpdatedAt.Before(f.ActiveSince) {
		return false
	}
	if f.TouchesDepartment != "" && !touches(j, steps, f.TouchesDepartment) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

func touches(j models.JobCard, steps []models.WorkflowStep, dept string) bool {
	if strings.EqualFold(j.CurrentDepartment, dept) {
		return true
	}
	for _, st := range steps {
		if strings.EqualFold(st.Department, dept) {
			return true
		}
	}
	return false
}

func (s *Store) snapshotLocked(jobID string) (*models.JobSnapshot, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.Errorf(models.ErrJobNotFound, "job %s", jobID)
	}
	return &models.JobSnapshot{
		Job:     job,
		Steps:   cloneSteps(s.steps[jobID]),
		History: append([]models.HistoryEntry(nil), s.history[jobID]...),
	}, nil
}

func (s *Store) applyMutationLocked(jobID string, version int64, mut models.Mutation) {
	for _, h := range mut.History {
		s.appendHistoryLocked(jobID, h)
	}
	for _, ev := range mut.Events {
		s.appendEventLocked(jobID, version, ev)
	}
}

func (s *Store) appendHistoryLocked(jobID string, h models.HistoryEntry) models.HistoryEntry {
	s.historyID++
	h.ID = s.historyID
	h.JobCardID = jobID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	s.history[jobID] = append(s.history[jobID], h)
	return h
}

func (s *Store) appendEventLocked(jobID string, version int64, ev models.Event) {
	s.eventID++
	ev.ID = s.eventID
	ev.JobCardID = jobID
	ev.JobVersion = version
	ev.CreatedAt = s.now()
	s.outbox = append(s.outbox, outboxRow{ev: ev})
}

func cloneSteps(steps []models.WorkflowStep) []models.WorkflowStep {
	if steps == nil {
		return nil
	}
	out := make([]models.WorkflowStep, len(steps))
	copy(out, steps)
	return out
}
