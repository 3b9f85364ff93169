package dashboard

import (
	"sort"
	"strings"
	"time"

	"horizon-workflow/internal/models"
)

// CompletionRate is completed steps over applicable (non-skipped) steps. Empty input yields 0.
func CompletionRate(steps []models.WorkflowStep) float64 {
	var done, applicable int
	for _, s := range steps {
		if s.Status == models.StepSkipped {
			continue
		}
		applicable++
		if s.Status == models.StepCompleted {
			done++
		}
	}
	return ratio(float64(done), float64(applicable))
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) contains(t *time.Time) bool {
	return t != nil && !t.Before(w.From) && t.Before(w.To)
}

// Efficiency is quantity-weighted completion of one department inside a window.
type Efficiency struct {
	Department        string  `json:"department"`
	StepsTouched      int     `json:"steps_touched"`
	StepsCompleted    int     `json:"steps_completed"`
	WeightedTouched   int     `json:"weighted_touched"`
	WeightedCompleted int     `json:"weighted_completed"`
	Efficiency        float64 `json:"efficiency"`
}

// DepartmentEfficiency weighs every step started or completed in the window by its job quantity
// and reports the completed share per department, sorted by department name.
func DepartmentEfficiency(snaps []models.JobSnapshot, w Window) []Efficiency {
	byDept := map[string]*Efficiency{}
	for _, snap := range snaps {
		weight := max(snap.Job.Quantity, 1)
		for _, s := range snap.Steps {
			started, completed := w.contains(s.StartedAt), w.contains(s.CompletedAt)
			if !started && !completed {
				continue
			}
			e := byDept[s.Department]
			if e == nil {
				e = &Efficiency{Department: s.Department}
				byDept[s.Department] = e
			}
			e.StepsTouched++
			e.WeightedTouched += weight
			if completed {
				e.StepsCompleted++
				e.WeightedCompleted += weight
			}
		}
	}
	out := make([]Efficiency, 0, len(byDept))
	for _, e := range byDept {
		e.Efficiency = ratio(float64(e.WeightedCompleted), float64(e.WeightedTouched))
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Department < out[j].Department })
	return out
}

// Bottleneck is a step whose average dwell time exceeds its department SLA.
type Bottleneck struct {
	Department string        `json:"department"`
	StepName   string        `json:"step_name"`
	Samples    int           `json:"samples"`
	AvgDwell   time.Duration `json:"avg_dwell"`
	SLA        time.Duration `json:"sla"`
}

// Bottlenecks groups completed steps by (department, step) and returns the groups whose average
// dwell is above sla(department), worst overrun first.
func Bottlenecks(snaps []models.JobSnapshot, sla func(department string) time.Duration) []Bottleneck {
	if sla == nil {
		return nil
	}
	type key struct{ dept, step string }
	type acc struct {
		total time.Duration
		n     int
	}
	groups := map[key]*acc{}
	for _, snap := range snaps {
		for _, s := range snap.Steps {
			if s.Status != models.StepCompleted {
				continue
			}
			d, ok := s.DwellTime()
			if !ok || d < 0 {
				continue
			}
			k := key{s.Department, s.StepName}
			a := groups[k]
			if a == nil {
				a = &acc{}
				groups[k] = a
			}
			a.total += d
			a.n++
		}
	}
	var out []Bottleneck
	for k, a := range groups {
		avg := a.total / time.Duration(a.n)
		limit := sla(k.dept)
		if limit <= 0 || avg <= limit {
			continue
		}
		out = append(out, Bottleneck{Department: k.dept, StepName: k.step, Samples: a.n, AvgDwell: avg, SLA: limit})
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].AvgDwell-out[i].SLA, out[j].AvgDwell-out[j].SLA
		if oi != oj {
			return oi > oj
		}
		return out[i].StepName < out[j].StepName
	})
	return out
}

// StalledStep is an in-progress step past its lease.
type StalledStep struct {
	JobCardID      string        `json:"job_card_id"`
	JobNumber      string        `json:"job_number"`
	SequenceNumber int           `json:"sequence_number"`
	StepName       string        `json:"step_name"`
	Department     string        `json:"department"`
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
	OverdueBy      time.Duration `json:"overdue_by"`
}

// Stalled lists in-progress steps whose lease expired before now, longest overdue first.
func Stalled(snaps []models.JobSnapshot, now time.Time) []StalledStep {
	var out []StalledStep
	for _, snap := range snaps {
		if snap.Job.Status != models.JobInProgress {
			continue
		}
		for _, s := range snap.Steps {
			if !s.Stalled(now) {
				continue
			}
			out = append(out, StalledStep{
				JobCardID:      snap.Job.ID,
				JobNumber:      snap.Job.JobNumber,
				SequenceNumber: s.SequenceNumber,
				StepName:       s.StepName,
				Department:     s.Department,
				LeaseExpiresAt: *s.LeaseExpiresAt,
				OverdueBy:      now.Sub(*s.LeaseExpiresAt),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OverdueBy > out[j].OverdueBy })
	return out
}

// Director is the factory-wide view.
type Director struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	Window             Window         `json:"window"`
	TotalJobs          int            `json:"total_jobs"`
	JobsByStatus       map[string]int `json:"jobs_by_status"`
	ActiveByDepartment map[string]int `json:"active_by_department"`
	OverdueJobs        int            `json:"overdue_jobs"`
	DerivedJobs        int            `json:"derived_jobs"`
	CompletionRate     float64        `json:"completion_rate"`
	Efficiency         []Efficiency   `json:"efficiency"`
	Bottlenecks        []Bottleneck   `json:"bottlenecks"`
	Stalled            []StalledStep  `json:"stalled"`
}

// BuildDirector summarizes every job. It never fails; missing inputs give zero values.
func BuildDirector(snaps []models.JobSnapshot, now time.Time, w Window, sla func(string) time.Duration) Director {
	d := Director{
		GeneratedAt:        now,
		Window:             w,
		TotalJobs:          len(snaps),
		JobsByStatus:       map[string]int{},
		ActiveByDepartment: map[string]int{},
	}
	var all []models.WorkflowStep
	for _, snap := range snaps {
		d.JobsByStatus[snap.Job.Status]++
		if snap.Derived {
			d.DerivedJobs++
		}
		if isOpen(snap.Job) && snap.Job.CurrentDepartment != "" {
			d.ActiveByDepartment[snap.Job.CurrentDepartment]++
		}
		if isOpen(snap.Job) && snap.Job.DueDate != nil && snap.Job.DueDate.Before(now) {
			d.OverdueJobs++
		}
		if snap.Job.Status != models.JobCancelled {
			all = append(all, snap.Steps...)
		}
	}
	d.CompletionRate = CompletionRate(all)
	d.Efficiency = DepartmentEfficiency(snaps, w)
	d.Bottlenecks = Bottlenecks(snaps, sla)
	d.Stalled = Stalled(snaps, now)
	return d
}

// Department is the view for one department's HOD and supervisors.
type Department struct {
	Department  string           `json:"department"`
	GeneratedAt time.Time        `json:"generated_at"`
	Window      Window           `json:"window"`
	Queue       []models.JobCard `json:"queue"`
	InProgress  int              `json:"in_progress"`
	Waiting     int              `json:"waiting"`
	Blocked     int              `json:"blocked"`
	Efficiency  Efficiency       `json:"efficiency"`
	Bottlenecks []Bottleneck     `json:"bottlenecks"`
	Stalled     []StalledStep    `json:"stalled"`
}

// BuildDepartment summarizes the jobs whose cursor sits in dept.
func BuildDepartment(snaps []models.JobSnapshot, dept string, now time.Time, w Window, sla func(string) time.Duration) Department {
	d := Department{Department: dept, GeneratedAt: now, Window: w, Queue: []models.JobCard{}}
	for _, snap := range snaps {
		if !isOpen(snap.Job) || !strings.EqualFold(snap.Job.CurrentDepartment, dept) {
			continue
		}
		d.Queue = append(d.Queue, snap.Job)
		switch snap.Job.WorkflowStatus {
		case models.StepInProgress:
			d.InProgress++
		case models.StepBlocked:
			d.Blocked++
		default:
			d.Waiting++
		}
	}
	sort.SliceStable(d.Queue, func(i, j int) bool { return priorityRank(d.Queue[i]) > priorityRank(d.Queue[j]) })

	d.Efficiency = Efficiency{Department: dept}
	for _, e := range DepartmentEfficiency(snaps, w) {
		if strings.EqualFold(e.Department, dept) {
			d.Efficiency = e
		}
	}
	for _, b := range Bottlenecks(snaps, sla) {
		if strings.EqualFold(b.Department, dept) {
			d.Bottlenecks = append(d.Bottlenecks, b)
		}
	}
	for _, s := range Stalled(snaps, now) {
		if strings.EqualFold(s.Department, dept) {
			d.Stalled = append(d.Stalled, s)
		}
	}
	return d
}

func isOpen(j models.JobCard) bool {
	return j.Status == models.JobPending || j.Status == models.JobInProgress || j.Status == models.JobOnHold
}

func priorityRank(j models.JobCard) int {
	switch j.Priority {
	case models.PriorityUrgent:
		return 3
	case models.PriorityHigh:
		return 2
	case models.PriorityMedium:
		return 1
	}
	return 0
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
