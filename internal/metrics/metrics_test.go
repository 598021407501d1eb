package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ghbackup/internal/backup"
)

func TestCollector_RecordsRun(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	c.RepositoryFinished(backup.OutcomeBackedUp)
	c.RepositoryFinished(backup.OutcomeBackedUp)
	c.RepositoryFinished(backup.OutcomeSkipped)
	c.UnitFailed()
	c.ObjectUploaded(1024)
	c.ObjectUploaded(2048)
	c.RunFinished(&backup.RunResult{
		Failures: []backup.Failure{{Target: "api", Err: errors.New("x")}},
	}, 90*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.repositories.WithLabelValues("backed_up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.repositories.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.uploads))
	assert.Equal(t, 3072.0, testutil.ToFloat64(c.uploadedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("partial")))
	assert.Positive(t, testutil.ToFloat64(c.lastRun))
	assert.Zero(t, testutil.ToFloat64(c.lastSuccess))

	count, err := testutil.GatherAndCount(reg, "ghbackup_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "complete", resultLabel(&backup.RunResult{}))
	assert.Equal(t, "incomplete", resultLabel(&backup.RunResult{StoppedForTimeout: true}))
	assert.Equal(t, "partial", resultLabel(&backup.RunResult{
		StoppedForTimeout: true,
		Failures:          []backup.Failure{{Target: "x"}},
	}))
}

func TestPush(t *testing.T) {
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	c.ObjectUploaded(10)

	require.NoError(t, Push(context.Background(), srv.URL, "ghbackup", reg))
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/ghbackup", path)
	assert.NotEmpty(t, body)
}

func TestPush_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Push(context.Background(), srv.URL, "ghbackup", prometheus.NewRegistry())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to push metrics"))
}
