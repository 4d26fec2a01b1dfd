package template

import (
	"context"
	"testing"

	"github.com/agentdiff/harness/internal/apierr"
	"github.com/agentdiff/harness/internal/store"
)

func TestResolveRequiresAReferenceField(t *testing.T) {
	m := New(nil)
	_, err := m.Resolve(context.Background(), Reference{}, "user-1")
	if err == nil {
		t.Fatalf("expected an error for an empty reference")
	}
	if apierr.KindOf(err) != apierr.KindInvalidInput {
		t.Fatalf("expected invalid_input, got %s", apierr.KindOf(err))
	}
}

func TestCheckAccessAllowsOwnerAndSharedTemplates(t *testing.T) {
	m := New(nil)

	shared := store.TemplateEnvironment{OwnerID: "owner-1", Visibility: "shared"}
	if err := m.checkAccess(shared, "someone-else"); err != nil {
		t.Fatalf("expected shared template to be accessible to anyone, got %v", err)
	}

	private := store.TemplateEnvironment{OwnerID: "owner-1", Visibility: "private"}
	if err := m.checkAccess(private, "owner-1"); err != nil {
		t.Fatalf("expected owner to access their own private template, got %v", err)
	}

	if err := m.checkAccess(private, "someone-else"); err == nil {
		t.Fatalf("expected non-owner to be denied access to a private template")
	} else if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected access denial to present as not_found, got %s", apierr.KindOf(err))
	}
}
