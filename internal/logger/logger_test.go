package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestNew_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", "json", &buf)
	if l.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level got %s", l.GetLevel())
	}

	Component(l, "scheduled_posts").WithField("postId", "p1").Info("claimed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "scheduled_posts" || line["postId"] != "p1" || line["msg"] != "claimed" {
		t.Fatalf("unexpected fields: %v", line)
	}
}

func TestNew_TextAndBadLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("loud", "text", &buf)
	if l.GetLevel() != log.InfoLevel {
		t.Fatalf("invalid level should fall back to info, got %s", l.GetLevel())
	}
	l.Debug("hidden")
	l.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("expected a usable entry")
	}
	e := Component(Discard(), "x")
	if OrDiscard(e) != e {
		t.Fatalf("expected the same entry back")
	}
}
