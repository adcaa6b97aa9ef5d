package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"calrecur/internal/model"
	"calrecur/internal/recurrence"
)

func TestObserveExpansion(t *testing.T) {
	before := testutil.ToFloat64(InstancesGenerated)
	truncBefore := testutil.ToFloat64(ExpansionsTruncated)

	ObserveExpansion(recurrence.Result{Instances: make([]model.Event, 3)})
	ObserveExpansion(recurrence.Result{Instances: make([]model.Event, 100), Truncated: true})

	if got := testutil.ToFloat64(InstancesGenerated) - before; got != 103 {
		t.Errorf("instances delta = %v, want 103", got)
	}
	if got := testutil.ToFloat64(ExpansionsTruncated) - truncBefore; got != 1 {
		t.Errorf("truncated delta = %v, want 1", got)
	}
}

func TestObserveDecodeAndRefresh(t *testing.T) {
	committed := testutil.ToFloat64(DecodedEvents.WithLabelValues("committed"))
	ObserveDecode(4, 1)
	if got := testutil.ToFloat64(DecodedEvents.WithLabelValues("committed")) - committed; got != 4 {
		t.Errorf("committed delta = %v", got)
	}

	failed := testutil.ToFloat64(FeedRefresh.WithLabelValues("error"))
	ObserveRefresh(errors.New("boom"))
	ObserveRefresh(nil)
	if got := testutil.ToFloat64(FeedRefresh.WithLabelValues("error")) - failed; got != 1 {
		t.Errorf("error delta = %v", got)
	}
}
