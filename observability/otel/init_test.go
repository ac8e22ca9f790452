package otel

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "poold"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsSampleRatio(t *testing.T) {
	if _, err := Init(context.Background(), Config{ServiceName: "poold", Traces: true, SampleRatio: 2}); err == nil {
		t.Fatalf("expected sample ratio error")
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =x,tenant=pool")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["tenant"] != "pool" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestSamplerSelection(t *testing.T) {
	if got := sampler(0).Description(); got != "AlwaysOnSampler" {
		t.Fatalf("zero ratio sampler = %s", got)
	}
	if got := sampler(0.25).Description(); !strings.Contains(got, "TraceIDRatioBased{0.25}") {
		t.Fatalf("ratio sampler = %s", got)
	}
}

func TestShutdownAllCollectsErrors(t *testing.T) {
	var order []int
	fail := errors.New("flush failed")
	err := shutdownAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { order = append(order, 1); return nil },
		func(context.Context) error { order = append(order, 2); return fail },
	})
	if !errors.Is(err, fail) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("shutdown order %v", order)
	}
}
