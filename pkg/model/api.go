package model

import "time"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Response is the envelope every API call answers with.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes one page of a list endpoint.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions selects a page of master builds, optionally of one project.
type ListOptions struct {
	Limit   int
	Offset  int
	Project string
}

func DefaultListOptions() ListOptions {
	return ListOptions{Limit: defaultPageSize}
}

// Clamp returns o with Limit in [1, 100] and a non-negative Offset. A missing
// limit becomes the default page size.
func (o ListOptions) Clamp() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultPageSize
	case o.Limit > maxPageSize:
		o.Limit = maxPageSize
	}
	o.Offset = max(o.Offset, 0)
	return o
}

// Page describes the page o selects out of total items.
func (o ListOptions) Page(total int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+o.Limit < total,
	}
}
