package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    int
		want time.Duration
	}{
		{0, 1},
		{50, 5},
		{95, 9},
		{100, 10},
	}
	for _, tc := range tests {
		if got := percentile(samples, tc.p); got != tc.want {
			t.Fatalf("p%d: got %v want %v", tc.p, got, tc.want)
		}
	}
	if percentile(nil, 50) != 0 {
		t.Fatal("empty samples must yield zero")
	}
}

func TestRunSmallLoad(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	var out bytes.Buffer
	args := []string{"-sessions", "5", "-grants", "2", "-concurrency", "4", "-ops", "20"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	for _, want := range []string{"validate: ops=20 failures=0", "refresh: ops=20 failures=0"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in output:\n%s", want, out.String())
		}
	}
}

func TestRunRejectsNonPositiveCounts(t *testing.T) {
	if err := run(context.Background(), []string{"-ops", "0"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}
