package backup

import (
	"errors"
	"fmt"
	"time"
)

// RepositoryRef identifies a repository to back up as seen at enumeration time
type RepositoryRef struct {
	Name                 string
	Owner                string
	CloneURL             string
	Watermark            time.Time // last push; never decreases over the repository's life
	DefaultBranch        string
	DefaultBranchHeadSHA string
	Tags                 []string
	Description          string
}

// RefKind is the pointer directory a ref is stored under
type RefKind string

const (
	KindBranch RefKind = "heads"
	KindTag    RefKind = "tags"
)

// RefSnapshot is one branch or tag at backup time
type RefSnapshot struct {
	Name        string
	SHA         string
	Kind        RefKind
	DownloadURL string
}

// Failure records a unit of work that could not be backed up
type Failure struct {
	Target string
	Err    error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Target, f.Err)
}

// Outcome is the result of processing a single repository
type Outcome string

const (
	OutcomeBackedUp    Outcome = "backed_up"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// RunResult accumulates what a single run did
type RunResult struct {
	RunID             string
	Processed         int
	BackedUp          int
	Skipped           int
	Uploaded          int
	Bytes             int64
	Failures          []Failure
	StoppedForTimeout bool
}

// Err reports the failures of the run as a single error, or nil if there were none
func (r *RunResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Target, f.Err))
	}
	return fmt.Errorf("failed to back up %d items: %w", len(r.Failures), errors.Join(errs...))
}

// Summary describes the run for humans
func (r *RunResult) Summary() string {
	switch {
	case len(r.Failures) > 0:
		return "partially backed up, retry recommended"
	case r.StoppedForTimeout:
		return "incomplete but healthy, will finish on next run"
	default:
		return "fully backed up"
	}
}
