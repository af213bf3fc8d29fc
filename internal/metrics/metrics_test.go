package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordBackendRequest("batch_check", "ok")
	m.RecordTokenInvalidated()
	m.RecordSubmission("batch", 2)
	m.RecordPollRound()
	m.RecordPollError()
	m.RecordCardTransition("READY")
	m.RecordDownload("ok", 10)
	m.RecordRunStarted()
	m.RecordRunFinished("completed", 1)
}

func TestRecordSubmissionCountsOperations(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordSubmission("batch", 3)
	m.RecordSubmission("per_copy", 1)

	if got := testutil.ToFloat64(m.OperationsCreated); got != 4 {
		t.Errorf("operations created = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.Submissions.WithLabelValues("batch")); got != 1 {
		t.Errorf("batch submissions = %v, want 1", got)
	}
}

func TestRunGauge(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordRunStarted()
	m.RecordRunStarted()
	m.RecordRunFinished("completed", 12)

	if got := testutil.ToFloat64(m.RunsInProgress); got != 1 {
		t.Errorf("runs in progress = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
}
