package request

import "net/http"

type CreateJob struct {
	Name           string            `json:"name" validate:"required,max=100"`
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method" validate:"omitempty,oneof=GET POST PUT DELETE PATCH get post put delete patch"`
	CronExpression string            `json:"cron_expression" validate:"required,cron"`
	Timezone       string            `json:"timezone" validate:"omitempty"`
	Headers        map[string]string `json:"headers" validate:"omitempty"`
	Body           *string           `json:"body" validate:"omitempty,max=10000"`
	Description    *string           `json:"description" validate:"omitempty,max=500"`
}

type UpdateJob struct {
	Name           *string           `json:"name" validate:"omitempty,max=100"`
	URL            *string           `json:"url" validate:"omitempty,url"`
	Method         *string           `json:"method" validate:"omitempty,oneof=GET POST PUT DELETE PATCH get post put delete patch"`
	CronExpression *string           `json:"cron_expression" validate:"omitempty,cron"`
	Timezone       *string           `json:"timezone" validate:"omitempty"`
	Headers        map[string]string `json:"headers" validate:"omitempty"`
	Body           *string           `json:"body" validate:"omitempty,max=10000"`
	Description    *string           `json:"description" validate:"omitempty,max=500"`
	Status         *string           `json:"status" validate:"omitempty,oneof=active paused"`
}

type Register struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type Login struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// JobListQuery holds parsed list parameters.
type JobListQuery struct {
	Status string
	Search string
	SortBy string
	Page   int
	Limit  int
}

// ParseJobListQuery extracts list parameters from the query string.
func ParseJobListQuery(r *http.Request) JobListQuery {
	q := JobListQuery{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		SortBy: r.URL.Query().Get("sortBy"),
		Page:   1,
		Limit:  20,
	}
	if page, err := ParseID(r.URL.Query().Get("page")); err == nil {
		q.Page = int(page)
	}
	if limit, err := ParseID(r.URL.Query().Get("limit")); err == nil {
		q.Limit = int(limit)
	}
	return q
}
