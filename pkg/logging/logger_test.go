package logging

import (
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	hook := logrustest.NewLocal(l)
	l.SetOutput(discard{})

	l.WithField("k", "v").Info("hello")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected an entry")
	}
	if entry.Data["service"] != "svc-a" {
		t.Fatalf("expected service field, got %#v", entry.Data)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("expected fallback logger")
	}
	l := NewLogger()
	if OrDiscard(l) != l {
		t.Fatal("expected logger to be passed through")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
