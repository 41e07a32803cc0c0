package scheduler

import "fmt"

// Reason classifies a rejected request
type Reason string

const (
	ReasonInvalid      Reason = "invalid_request"
	ReasonNotFound     Reason = "not_found"
	ReasonUnavailable  Reason = "unavailable"
	ReasonLowBattery   Reason = "low_battery"
	ReasonBusy         Reason = "busy"
	ReasonNoActiveTask Reason = "no_active_task"
)

// Rejection is returned when a request fails validation against the current
// fleet view. Match with errors.Is against the Err* values.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// Is matches any rejection with the same reason
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrInvalidRequest = &Rejection{Reason: ReasonInvalid}
	ErrNotFound       = &Rejection{Reason: ReasonNotFound}
	ErrUnavailable    = &Rejection{Reason: ReasonUnavailable}
	ErrLowBattery     = &Rejection{Reason: ReasonLowBattery}
	ErrBusy           = &Rejection{Reason: ReasonBusy}
	ErrNoActiveTask   = &Rejection{Reason: ReasonNoActiveTask}
)

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
