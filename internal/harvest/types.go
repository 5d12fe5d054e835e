package harvest

import (
	"encoding/json"
	"time"
)

// Status is the terminal state of one download attempt sequence.
type Status string

// Outcome status values.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// CsvLink is one downloadable resource found on the target page. Title is
// used verbatim as the destination file name.
type CsvLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Outcome is the structured result of downloading a single link.
// File holds the written path on success and the link title on failure.
type Outcome struct {
	Status     Status `json:"status"`
	File       string `json:"file"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Err        error  `json:"-"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Error returns the failure text, or "" for successes.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// MarshalJSON adds the failure text under "error".
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(o), Error: o.Error()})
}

// Result partitions the outcomes of one fan-out. Both lists are ordered by
// completion time, not submission order.
type Result struct {
	Succeeded []Outcome `json:"succeeded"`
	Failed    []Outcome `json:"failed"`
}

// Add appends the outcome to the partition matching its status.
func (r *Result) Add(o Outcome) {
	if o.Succeeded() {
		r.Succeeded = append(r.Succeeded, o)
		return
	}
	r.Failed = append(r.Failed, o)
}

// Total is the number of outcomes recorded.
func (r Result) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// SucceededFiles lists the written paths of successful downloads.
func (r Result) SucceededFiles() []string {
	return files(r.Succeeded)
}

// FailedFiles lists the titles of failed downloads.
func (r Result) FailedFiles() []string {
	return files(r.Failed)
}

func files(outcomes []Outcome) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.File)
	}
	return out
}

// CycleReport summarizes one discovery and download cycle.
type CycleReport struct {
	ID           string    `json:"id"`
	TargetURL    string    `json:"target_url"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Interstitial bool      `json:"interstitial"`
	Links        []CsvLink `json:"links"`
	Skipped      int       `json:"skipped"`
	Result       Result    `json:"result"`
	Err          string    `json:"error,omitempty"`
}

// Duration is the wall time the cycle took.
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Document is one validated CSV row destined for the document store.
type Document struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Source     string            `json:"source"`
	Fields     map[string]string `json:"fields"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FetchRequest describes a single HTTP GET.
type FetchRequest struct {
	URL     string
	Headers map[string]string
}

// FetchResponse is the raw result of a single HTTP GET. Attempts counts the
// round trips spent on server errors before this response.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
	Duration   time.Duration
}
