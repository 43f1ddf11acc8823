package domain

// forward lists the non-terminal successor of each in-progress state.
var forward = map[JobStatus]JobStatus{
	JobPending:    JobGenerating,
	JobGenerating: JobGenerated,
	JobGenerated:  JobPublishing,
	JobPublishing: JobPublished,
}

// CanTransition reports whether a job in status from may move to status to.
//
// Jobs only move forward; failed and cancelled are reachable from any
// non-terminal state; terminal states never change. Re-entering generating or
// publishing is allowed so that a retried stage can mark itself again.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == JobFailed || to == JobCancelled {
		return true
	}
	if from == to {
		return from == JobGenerating || from == JobPublishing
	}
	return forward[from] == to
}

// SourcesFor returns every status from which to is reachable. Storage uses it
// to build conditional updates.
func SourcesFor(to JobStatus) []JobStatus {
	all := []JobStatus{JobPending, JobGenerating, JobGenerated, JobPublishing}
	out := make([]JobStatus, 0, len(all))
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Aggregate derives a schedule's status from its counters. It is the only
// place that decides completion and must run after every counter mutation.
//
// A cancelled schedule stays cancelled. Once every job is accounted for the
// schedule is failed if any job failed, otherwise completed.
func Aggregate(s Schedule) ScheduleStatus {
	if s.Status == ScheduleCancelled {
		return ScheduleCancelled
	}
	if s.TotalJobs > 0 && s.Done() >= s.TotalJobs {
		if s.FailedJobs > 0 {
			return ScheduleFailed
		}
		return ScheduleCompleted
	}
	return s.Status
}
