package queue

import (
	"sort"
	"time"
)

// Stats is a read-only snapshot for monitoring.
type Stats struct {
	Active        int            `json:"active"`
	Pending       int            `json:"pending"`
	Delayed       int            `json:"delayed"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	FailedLast24h int            `json:"failedLast24h"`
	Cancelled     int            `json:"cancelled"`
	ByPriority    map[string]int `json:"byPriority"`
	Workers       int            `json:"workers"`
	FreeWorkers   int            `json:"freeWorkers"`
}

// Stats counts jobs by state. Pending includes delayed jobs; ByPriority
// breaks pending jobs down by priority.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.evictLocked(now)

	st := Stats{
		ByPriority: map[string]int{
			PriorityHigh.String():   0,
			PriorityMedium.String(): 0,
			PriorityLow.String():    0,
		},
	}
	for _, j := range q.jobs {
		switch j.Status {
		case JobQueued:
			st.Pending++
			if j.delayed {
				st.Delayed++
			}
			st.ByPriority[j.Priority.String()]++
		case JobActive:
			st.Active++
		case JobCompleted:
			st.Completed++
		case JobCancelled:
			st.Cancelled++
		case JobFailed:
			st.Failed++
			if j.FinishedAt != nil && now.Sub(*j.FinishedAt) <= 24*time.Hour {
				st.FailedLast24h++
			}
		}
	}
	m := q.pool.Metrics()
	st.Workers = m.Size
	st.FreeWorkers = q.pool.Available()
	return st
}

// Active returns the jobs currently running, oldest first.
func (q *Queue) Active() []Job {
	return q.list(JobActive)
}

// Pending returns queued jobs in dispatch order for ready jobs, followed by
// delayed jobs by eligibility.
func (q *Queue) Pending() []Job {
	jobs := q.list(JobQueued)
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if a.delayed != b.delayed {
			return !a.delayed
		}
		if a.delayed {
			return a.EligibleAt.Before(b.EligibleAt)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	})
	return jobs
}

func (q *Queue) list(status JobStatus) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, j := range q.jobs {
		if j.Status == status {
			out = append(out, j.snapshot())
		}
	}
	if status == JobActive {
		sort.Slice(out, func(i, k int) bool {
			return out[i].StartedAt.Before(*out[k].StartedAt)
		})
	}
	return out
}
