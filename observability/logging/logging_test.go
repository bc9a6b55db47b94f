package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupEmitsCanonicalKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := SetupWithOptions("haggled", "test", Options{Output: &buf, Level: "debug"})
	defer closer.Close()

	logger.Debug("offer accepted", slog.String("negotiationId", "ab"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "negotiationId"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["severity"] != "DEBUG" || line["message"] != "offer accepted" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := SetupWithOptions("haggled", "", Options{Output: &buf, Level: "warn"})
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered: %s", buf.String())
	}
	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Fatalf("warn line missing")
	}
}

func TestSetupWritesRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "haggled.log")
	logger, closer := SetupWithOptions("haggled", "", Options{Output: &buf, File: path, MaxSizeMB: 1})
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("to file")) {
		t.Fatalf("log file missing line: %s", data)
	}
}

func TestMasking(t *testing.T) {
	if got := MaskField("jwtSecret", "abc").Value.String(); got != RedactedValue {
		t.Fatalf("secret not masked: %q", got)
	}
	if got := MaskField("method", "negotiation_create").Value.String(); got != "negotiation_create" {
		t.Fatalf("allowlisted key masked: %q", got)
	}
	if got := MaskAuthorization("Bearer abc.def"); got != "Bearer "+RedactedValue {
		t.Fatalf("unexpected authorization mask %q", got)
	}
	if got := MaskValue(""); got != "" {
		t.Fatalf("empty value should pass through")
	}
}
