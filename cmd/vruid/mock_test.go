package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRunMockStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	code := runMock(ctx, []string{"--addr", "127.0.0.1:0", "--trackers", "2", "--buttons", "4"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "2 trackers, 4 buttons, 0 valuators") {
		t.Fatalf("unexpected stdout: %s", stdout.String())
	}
}

func TestRunMockRejectsBadLayout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runMock(context.Background(), []string{"--trackers", "-1"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if code := runMock(context.Background(), []string{"--rate", "0"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unexpected exit code: %d", code)
	}
}
