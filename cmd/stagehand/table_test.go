package main

import (
	"strings"
	"testing"
)

func TestRenderTableTrimsFreeTextColumns(t *testing.T) {
	longError := "worker exited: " + strings.Repeat("stack frame ", 12) + "\n  caused by: timeout"
	out := renderTable(
		[]string{"Task", "Stage", "Error"},
		[][]string{
			{"t-1", "video", longError},
			{"t-2"},
		},
		nil,
	)

	requireContains(t, out, "t-1")
	requireContains(t, out, "worker exited: stack frame")
	requireContains(t, out, "…")
	if strings.Contains(out, "caused by") {
		t.Fatalf("expected long error trimmed, got:\n%s", out)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Contains(line, "t-1") && strings.Count(line, "│") != 4 {
			t.Fatalf("expected the error on one row line, got %q", line)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("expected trailing newline")
	}
}

func TestEllipsize(t *testing.T) {
	cases := []struct {
		value string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"lock expired on video", 8, "lock ex…"},
		{"anything", 1, "anything"},
	}
	for _, tc := range cases {
		if got := ellipsize(tc.value, tc.width); got != tc.want {
			t.Fatalf("ellipsize(%q, %d) = %q, want %q", tc.value, tc.width, got, tc.want)
		}
	}
}

func TestRenderTableWithoutHeaders(t *testing.T) {
	if out := renderTable(nil, [][]string{{"x"}}, nil); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}
