package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
)

func run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run("version")
	if err != nil || !strings.Contains(out, constants.Version) {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		wantErr        bool
	}{
		{"user.+", "user.created", false},
		{"logs.#", "logs", false},
		{"user.+", "user.a.b", true},
		{"a.#.b", "a.b", true},
		{"a.+", "a.+", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.topic, func(t *testing.T) {
			_, err := run("match", tt.pattern, tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("match error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("subscriptions:\n  - {name: a, pattern: \"a.#\", sink: log}\n"), 0o600)
	os.WriteFile(bad, []byte("bus:\n  segment_size: 3\n"), 0o600)

	out, err := run("validate", "--config", good)
	if err != nil || !strings.Contains(out, "1 subscriptions") {
		t.Errorf("validate good = %q, %v", out, err)
	}
	if _, err := run("validate", "-c", bad); err == nil || !strings.Contains(err.Error(), "segment_size") {
		t.Errorf("validate bad = %v", err)
	}
	if _, err := run("validate", "-c", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("validate accepted a missing file")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Error(err)
	}
	if _, err := newLogger("verbose"); err == nil {
		t.Error("newLogger accepted an unknown level")
	}
}
