package health

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Status levels
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

var (
	urlPattern        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s,]+`)
	unixPathPattern   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex  = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one part of a node, optionally composed of the
// statuses of its parts
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are optional counters attached to a status
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func newStatus(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, LevelHealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, LevelDegraded, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, LevelUnhealthy, message)
}

// FromError reports component unhealthy with a sanitized err as message, or
// healthy when err is nil
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "OK")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == LevelHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == LevelDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == LevelUnhealthy }

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with sub appended. The receiver's slice is
// never shared with the copy.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// Aggregate combines subs into one status for component. Any unhealthy part
// makes it unhealthy, otherwise any degraded part makes it degraded. Parts
// are ordered by component name.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "No parts to aggregate")
	}

	level := LevelHealthy
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			level = LevelUnhealthy
		case sub.IsDegraded() && level == LevelHealthy:
			level = LevelDegraded
		}
	}

	var out Status
	switch level {
	case LevelUnhealthy:
		out = NewUnhealthy(component, "One or more parts are unhealthy")
	case LevelDegraded:
		out = NewDegraded(component, "One or more parts are degraded")
	default:
		out = NewHealthy(component, "All parts are healthy")
	}

	out.SubStatuses = make([]Status, len(subs))
	copy(out.SubStatuses, subs)
	sort.SliceStable(out.SubStatuses, func(i, j int) bool {
		return out.SubStatuses[i].Component < out.SubStatuses[j].Component
	})
	return out
}

// Sanitize strips URLs, paths, addresses, ports and credentials from a
// message before it is exposed on the health endpoint
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}

	// URLs first, they contain paths
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = unixPathPattern.ReplaceAllString(msg, "[PATH]")
	msg = windowsPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrPattern.ReplaceAllString(msg, "[IP]")
	msg = portPattern.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
			break
		}
	}
	return msg
}
