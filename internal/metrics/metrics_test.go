// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(QueueAttempts.WithLabelValues("STATUS_UPDATE", "delivered"))
	QueueAttempts.WithLabelValues("STATUS_UPDATE", "delivered").Inc()
	after := testutil.ToFloat64(QueueAttempts.WithLabelValues("STATUS_UPDATE", "delivered"))

	if after-before != 1 {
		t.Errorf("delta = %v, want 1", after-before)
	}
}

func TestBoolGauge(t *testing.T) {
	NetworkOnline.Set(BoolGauge(true))
	if v := testutil.ToFloat64(NetworkOnline); v != 1 {
		t.Errorf("NetworkOnline = %v, want 1", v)
	}
	NetworkOnline.Set(BoolGauge(false))
	if v := testutil.ToFloat64(NetworkOnline); v != 0 {
		t.Errorf("NetworkOnline = %v, want 0", v)
	}
}

func TestCollectorsLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(QueuePending)
	if err != nil {
		t.Fatalf("CollectAndLint() error = %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
}

func TestGaugeWrite(t *testing.T) {
	QueueParked.Set(3)

	var m dto.Metric
	if err := QueueParked.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 3 {
		t.Errorf("gauge = %v, want 3", got)
	}
}

func TestRecordAdminRequest(t *testing.T) {
	c := AdminRequests.WithLabelValues("GET", "/api/v1/queue", "200")
	before := testutil.ToFloat64(c)
	RecordAdminRequest("GET", "/api/v1/queue", "200", 15*time.Millisecond)
	if d := testutil.ToFloat64(c) - before; d != 1 {
		t.Errorf("delta = %v, want 1", d)
	}
}
