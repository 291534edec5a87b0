package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunStats(t *testing.T) {
	path := writeTestLog(t, testEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats() error = %v", err)
	}
	output := buf.String()

	checks := []string{
		"Total Events: 4",
		"TRANSPORT:",
		"CONNECTION:",
		"DISCOVERY:",
		"DATAGRAM:    2",
		"REQUEST:     1",
		"ERROR:       1",
		"Datagram Bytes: 38 in, 36 out",
		"Retries: 1",
		"Connections: 2",
		"Errors: 1",
	}
	for _, want := range checks {
		if !strings.Contains(output, want) {
			t.Errorf("stats output missing %q:\n%s", want, output)
		}
	}

	// Connections are listed oldest first, ids shortened to 8 chars.
	aaaa := strings.Index(output, "[aaaa1111]")
	bbbb := strings.Index(output, "[bbbb2222]")
	if aaaa == -1 || bbbb == -1 || aaaa > bbbb {
		t.Errorf("connections not listed in first-seen order:\n%s", output)
	}
}

func TestRunStatsEmptyFile(t *testing.T) {
	path := writeTestLog(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("stats output missing zero count:\n%s", buf.String())
	}
}
