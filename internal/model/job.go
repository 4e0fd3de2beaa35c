package model

import "time"

// Job is a user-owned URL invocation on a cron schedule.
type Job struct {
	ID             int64             `json:"id"`
	UserID         int64             `json:"user_id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	CronExpression string            `json:"cron_expression"`
	Timezone       string            `json:"timezone"`
	Headers        map[string]string `json:"headers"`
	Body           *string           `json:"body,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Status         string            `json:"status"`
	SuccessCount   int64             `json:"success_count"`
	FailureCount   int64             `json:"failure_count"`
	LastExecution  *time.Time        `json:"last_execution,omitempty"`
	NextExecution  *time.Time        `json:"next_execution,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AllowedMethods are the HTTP methods a job template may use.
var AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// MethodAllowed reports whether m is a permitted job method.
func MethodAllowed(m string) bool {
	for _, allowed := range AllowedMethods {
		if m == allowed {
			return true
		}
	}
	return false
}
