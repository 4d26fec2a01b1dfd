package platlog

import (
	"context"
	"testing"
)

func TestFromContextDefaultsToGlobal(t *testing.T) {
	if got := FromContext(context.Background()); got.Logger != Global.Logger {
		t.Fatalf("expected FromContext to fall back to Global logger")
	}
}

func TestIntoContextRoundTrip(t *testing.T) {
	Configure("development")
	l := Global.WithName("test").WithValues("component", "unit")
	ctx := IntoContext(context.Background(), l)

	got := FromContext(ctx)
	if got.Logger != l.Logger {
		t.Fatalf("expected attached logger to be retrievable from context")
	}
}

func TestConfigureProductionDoesNotPanic(t *testing.T) {
	Configure("production")
	Global.Info("hello", "k", "v")
	Global.Debug("debug message")
	Global.Warning("be careful")
}
