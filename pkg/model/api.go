package model

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Response is the envelope of every progress API response. Status is "ok" or
// "error"; Error is only set for "error".
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Run history page sizes.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions selects a page of the run history.
type ListOptions struct {
	Limit    int
	Offset   int
	State    string // RunState, empty for all
	Workflow string // workflow name, empty for all
}

// DefaultListOptions returns the first page with the default size.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultListLimit}
}

// Clamp defaults a non-positive limit, caps it at MaxListLimit and makes the
// offset non-negative.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Page describes this page of a result with total matching runs.
func (o ListOptions) Page(total int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+o.Limit < total,
	}
}

// Query encodes o as URL query parameters. Empty filters are omitted.
func (o ListOptions) Query() url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(o.Limit))
	q.Set("offset", strconv.Itoa(o.Offset))
	if o.State != "" {
		q.Set("state", o.State)
	}
	if o.Workflow != "" {
		q.Set("workflow", o.Workflow)
	}
	return q
}

// ParseListOptions reads limit, offset, state and workflow from q and clamps
// the result. Malformed numbers and unknown run states are reported per
// field; the state name is case-insensitive.
func ParseListOptions(q url.Values) (ListOptions, []FieldError) {
	opts := DefaultListOptions()
	var details []FieldError
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, FieldError{Field: p.name, Message: "must be an integer"})
			continue
		}
		*p.dst = n
	}

	if v := q.Get("state"); v != "" {
		switch s := RunState(strings.ToUpper(v)); s {
		case RunStateRunning, RunStateSucceeded, RunStateFailed:
			opts.State = string(s)
		default:
			details = append(details, FieldError{Field: "state", Message: "unknown run state " + strconv.Quote(v)})
		}
	}
	opts.Workflow = q.Get("workflow")
	opts.Clamp()
	return opts, details
}
