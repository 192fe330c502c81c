// Package progress provides the event primitives, non-blocking hub, and
// emitter interface that runners use to report crawl progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such
// as Prometheus metrics or structured logs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobFinished   Stage = "JOB_FINISHED"
	StagePageProcessed Stage = "PAGE_PROCESSED"
	StagePageFailed    Stage = "PAGE_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// JobID identifies the crawl job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Host scopes page events to the fetched host.
	Host string
	// URL is the optional page URL; it must not contain credentials.
	URL string
	// Depth is the hop count from the start URL for page events.
	Depth int
	// Result carries the terminal status for JOB_FINISHED events.
	Result crawl.JobStatus
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency for pages and wall time for finished jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StageJobFinished:
		if !e.Result.IsTerminal() {
			return fmt.Errorf("job finished requires a terminal result, got %q", e.Result)
		}
	case StagePageProcessed:
		if e.URL == "" {
			return errors.New("page processed requires url")
		}
		if e.StatusClass == "" {
			return errors.New("page processed requires status class")
		}
	case StagePageFailed:
		if e.URL == "" {
			return errors.New("page failed requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
