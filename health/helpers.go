package health

import "time"

// NewHealthy creates a new healthy status
func NewHealthy(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(subsystem, message string) Status {
	return Status{
		Subsystem: subsystem,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds subsystem statuses into one agent-level status.
// Precedence: any unhealthy subsystem makes the aggregate unhealthy; else
// any degraded subsystem makes it degraded; else it is healthy.
func Aggregate(subsystem string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(subsystem, "No subsystems to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false

	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	if hasUnhealthy {
		status = NewUnhealthy(subsystem, "One or more subsystems are unhealthy")
	} else if hasDegraded {
		status = NewDegraded(subsystem, "One or more subsystems are degraded")
	} else {
		status = NewHealthy(subsystem, "All subsystems are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
