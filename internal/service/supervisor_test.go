package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/health"
)

var errUnreachable = domain.Errorf(domain.KindUnreachable, "connection refused")

func TestSupervisor_OpensOnlyAtThreshold(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	ctx := context.Background()
	failing := func(context.Context) error { return errUnreachable }

	for i := 0; i < 2; i++ {
		_ = f.sup.Guard(ctx, f.agentID, failing)
		if !f.sup.IsAvailable(f.agentID) {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}
	_ = f.sup.Guard(ctx, f.agentID, failing)
	if f.sup.IsAvailable(f.agentID) {
		t.Fatal("circuit should be open after 3 failures")
	}

	rec, err := f.sup.Record(f.agentID)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Circuit != health.CircuitOpen || rec.RetryIn != 30*time.Second {
		t.Errorf("record = %+v", rec)
	}
	if rec.LastError == "" {
		t.Error("expected last error to be kept")
	}

	called := false
	err = f.sup.Guard(ctx, f.agentID, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("open circuit must not run the call")
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindCircuitOpen || de.RetryAfter != 30*time.Second {
		t.Fatalf("expected CircuitOpen with retry hint, got %v", err)
	}
}

func TestSupervisor_NonHealthErrorsDoNotCount(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	remote := domain.Errorf(domain.KindRemoteError, "agent said no")
	for range 10 {
		_ = f.sup.Guard(context.Background(), f.agentID, func(context.Context) error { return remote })
	}
	if !f.sup.IsAvailable(f.agentID) {
		t.Fatal("remote errors must not open the circuit")
	}
}

func TestSupervisor_RemoteErrorBreaksFailureStreak(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	ctx := context.Background()
	failing := func(context.Context) error { return errUnreachable }
	remote := func(context.Context) error { return domain.Errorf(domain.KindRemoteError, "agent said no") }

	_ = f.sup.Guard(ctx, f.agentID, failing)
	_ = f.sup.Guard(ctx, f.agentID, failing)
	_ = f.sup.Guard(ctx, f.agentID, remote)
	_ = f.sup.Guard(ctx, f.agentID, failing)

	if !f.sup.IsAvailable(f.agentID) {
		t.Fatal("failures separated by an answer are not consecutive")
	}
	if rec, _ := f.sup.Record(f.agentID); rec.Failures != 1 {
		t.Fatalf("failures = %d, want 1", rec.Failures)
	}
}

func TestSupervisor_HalfOpenOnlyAfterBackoff(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	ctx := context.Background()
	for range 3 {
		f.sup.ReportFailure(ctx, f.agentID, errUnreachable)
	}
	if f.sup.IsAvailable(f.agentID) {
		t.Fatal("expected open circuit")
	}

	f.clock.Advance(29 * time.Second)
	if f.sup.IsAvailable(f.agentID) {
		t.Fatal("circuit must stay open until the backoff elapses")
	}
	f.clock.Advance(time.Second)
	rec, _ := f.sup.Record(f.agentID)
	if rec.Circuit != health.CircuitHalfOpen {
		t.Fatalf("circuit = %s, want half-open", rec.Circuit)
	}

	if err := f.sup.Guard(ctx, f.agentID, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	rec, _ = f.sup.Record(f.agentID)
	if rec.Circuit != health.CircuitClosed || rec.Failures != 0 {
		t.Fatalf("successful trial should close the circuit, got %+v", rec)
	}
}

func TestSupervisor_ProbeSkipsOpenCircuit(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	f.prober.setErr(errUnreachable)
	ctx := context.Background()

	for range 3 {
		if _, err := f.sup.Probe(ctx, f.agentID); domain.KindOf(err) != domain.KindUnreachable {
			t.Fatalf("probe error = %v", err)
		}
	}
	if n := f.prober.count(); n != 3 {
		t.Fatalf("prober called %d times, want 3", n)
	}

	rec, err := f.sup.Probe(ctx, f.agentID)
	if domain.KindOf(err) != domain.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
	if n := f.prober.count(); n != 3 {
		t.Fatalf("open circuit was probed: %d calls", n)
	}
	if rec.Circuit != health.CircuitOpen {
		t.Errorf("record circuit = %s", rec.Circuit)
	}

	f.prober.setErr(nil)
	f.clock.Advance(30 * time.Second)
	rec, err = f.sup.Probe(ctx, f.agentID)
	if err != nil {
		t.Fatalf("probe after backoff: %v", err)
	}
	if rec.Circuit != health.CircuitClosed || rec.Version != "1.2.0" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.LastSuccess.Equal(f.clock.Now()) {
		t.Errorf("LastSuccess = %v", rec.LastSuccess)
	}
}

func TestSupervisor_ProbeAllAndRecords(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	f.sup.ProbeAll(context.Background())
	if n := f.prober.count(); n != 1 {
		t.Fatalf("ProbeAll probed %d agents, want 1", n)
	}
	recs := f.sup.Records()
	if len(recs) != 1 || recs[0].AgentID != f.agentID {
		t.Fatalf("Records() = %+v", recs)
	}

	if _, err := f.sup.Record("unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Record(unknown) = %v", err)
	}
}

func TestSupervisor_RemovedAgentForgetsCircuit(t *testing.T) {
	f := newFixture(t, echoCard(false, false))
	ctx := context.Background()
	for range 3 {
		f.sup.ReportFailure(ctx, f.agentID, errUnreachable)
	}
	if err := f.agents.Remove(ctx, f.agentID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.agents.Register(ctx, echoURL); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !f.sup.IsAvailable(f.agentID) {
		t.Fatal("re-registered agent should start with a closed circuit")
	}
}
