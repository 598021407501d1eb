package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunResult_Summary(t *testing.T) {
	tests := []struct {
		name   string
		result RunResult
		want   string
	}{
		{"clean", RunResult{Processed: 3}, "fully backed up"},
		{"timeout", RunResult{StoppedForTimeout: true}, "incomplete but healthy, will finish on next run"},
		{
			"failures win over timeout",
			RunResult{StoppedForTimeout: true, Failures: []Failure{{Target: "a", Err: errors.New("x")}}},
			"partially backed up, retry recommended",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Summary())
		})
	}
}

func TestRunResult_Err(t *testing.T) {
	r := &RunResult{}
	require.NoError(t, r.Err())

	denied := Failure{Target: "api:heads/main", Err: ErrPermissionDenied}
	r.Failures = []Failure{denied, {Target: "web", Err: errors.New("clone failed")}}

	err := r.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "failed to back up 2 items")
	assert.Contains(t, err.Error(), "web: clone failed")
	assert.Equal(t, "api:heads/main: permission denied", denied.String())
}

func TestLocator(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.FixedZone("CEST", 2*3600))

	assert.Equal(t, "svc/", RepositoryPrefix("svc"))
	assert.Equal(t, "svc/2024-05-06T05:08:09.123Z.bundle", BundleKey("svc", at))
	assert.Equal(t, "svc/objects/abc123.tar.gz", ObjectKey("svc", "abc123"))
	assert.Equal(t, "svc/heads/feature/login", PointerKey("svc", KindBranch, "feature/login"))
	assert.Equal(t, "svc/tags/v1.2.0", PointerKey("svc", KindTag, "v1.2.0"))
}

func TestRun_Expired(t *testing.T) {
	e := NewEngine(nil, nil, nil, Options{})
	r := &run{engine: e, result: &RunResult{}}
	assert.False(t, r.expired(), "zero deadline never expires")

	r.deadline = time.Now().Add(time.Hour)
	assert.False(t, r.stopIfExpired())

	r.deadline = time.Now().Add(time.Second)
	assert.True(t, r.stopIfExpired())
	r.deadline = time.Now().Add(time.Hour)
	assert.True(t, r.stopIfExpired(), "stop is sticky")
}
