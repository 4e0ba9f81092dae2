package types

import (
	"time"

	"go.uber.org/multierr"
)

// SyncReport summarizes one inbound reconciliation cycle.
type SyncReport struct {
	CycleID  string        `json:"cycle_id"`
	FirstRun bool          `json:"first_run"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Planned  int `json:"planned"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`

	// Aborted is set when the cycle stopped before applying anything.
	Aborted  bool     `json:"aborted"`
	Failures []string `json:"failures,omitempty"`
	Errors   []error  `json:"-"`
}

func (r *SyncReport) AddFailure(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
	r.Failures = append(r.Failures, err.Error())
}

func (r SyncReport) Partial() bool { return !r.Aborted && r.Failed > 0 }

func (r SyncReport) Err() error { return multierr.Combine(r.Errors...) }

// DrainResult summarizes one outbound drain.
type DrainResult struct {
	CycleID  string        `json:"cycle_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Succeeded    int `json:"succeeded"`
	Acknowledged int `json:"acknowledged"`
	Quarantined  int `json:"quarantined"`
	Failed       int `json:"failed"`
	Remaining    int `json:"remaining"`

	Failures []string `json:"failures,omitempty"`
	Errors   []error  `json:"-"`
}

func (r *DrainResult) AddFailure(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
	r.Failures = append(r.Failures, err.Error())
}

func (r DrainResult) Err() error { return multierr.Combine(r.Errors...) }
