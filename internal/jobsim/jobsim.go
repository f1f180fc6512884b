// Package jobsim implements the in-memory demo submission path. Jobs live in
// a process-local map and advance through fabricated progress steps on
// timers; nothing is persisted.
package jobsim

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values a simulated job moves through.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Job is one simulated submission.
type Job struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"-"`
	FileName    string     `json:"filename"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Simulator runs the fabricated job lifecycle.
type Simulator struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// step is the delay between progress transitions.
	step time.Duration
}

// New constructs a simulator. step <= 0 selects the one-second default.
func New(step time.Duration) *Simulator {
	if step <= 0 {
		step = time.Second
	}
	return &Simulator{
		jobs: make(map[string]*Job),
		step: step,
	}
}

// Submit registers a job in pending state and schedules its transitions.
func (s *Simulator) Submit(subject, fileName string) Job {
	job := &Job{
		ID:        "job_" + uuid.NewString(),
		SubjectID: subject,
		FileName:  fileName,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	// Snapshot before the timers start mutating the shared entry.
	snapshot := *job
	s.mu.Unlock()

	s.schedule(job.ID, 1*s.step, StatusProcessing, 25)
	s.schedule(job.ID, 2*s.step, StatusProcessing, 50)
	s.schedule(job.ID, 3*s.step, StatusProcessing, 75)
	time.AfterFunc(4*s.step, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		j, ok := s.jobs[job.ID]
		if !ok {
			return
		}
		now := time.Now().UTC()
		j.Status = StatusCompleted
		j.Progress = 100
		j.Result = fmt.Sprintf("OCR result for %s\n\nThis is a simulated OCR result. In a real implementation, this would contain the extracted text from the document.", j.FileName)
		j.CompletedAt = &now
	})
	return snapshot
}

// Get returns a snapshot of the job.
func (s *Simulator) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *Simulator) schedule(id string, after time.Duration, status string, progress int) {
	time.AfterFunc(after, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		job, ok := s.jobs[id]
		if !ok || job.Status == StatusCompleted {
			return
		}
		job.Status = status
		job.Progress = progress
	})
}
