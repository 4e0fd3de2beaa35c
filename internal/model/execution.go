package model

import "time"

// JobExecution records one invocation attempt of a job.
type JobExecution struct {
	ID              int64             `json:"id"`
	JobID           int64             `json:"job_id"`
	ExecutedAt      time.Time         `json:"executed_at"`
	Status          string            `json:"status"`
	DurationMs      int64             `json:"duration_ms"`
	ResponseCode    *int              `json:"response_code,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	TriggeredBy     string            `json:"triggered_by"`
}
