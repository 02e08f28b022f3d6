package logger

import "testing"

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("dispatchd")
	if l == nil {
		t.Fatal("nil logger")
	}
	l.Debugf("offer pushed to %s", "agent-1")
	l.Debugw("offer", map[string]any{"attempt": 1})
	l.Infof("request %s bound", "req-1")
	l.Warnf("slow eta lookup")
	l.Errorf("send failed")
}
