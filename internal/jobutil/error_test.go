package jobutil

import (
	"context"
	"strings"
	"testing"

	"github.com/fpang/virtual-tryon/internal/store"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

func TestSetJobError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.CreateSession(ctx, &store.Session{ID: "s1", OwnerID: "user_1", Status: tryon.StatusPending}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TransitionSession(ctx, "s1", tryon.StatusPending, tryon.StatusProcessing, nil); err != nil {
		t.Fatal(err)
	}

	cause := tryon.API("overloaded").WithDetail("Response Code 500 | Full Response: {}")
	sess := SetJobError(ctx, st, "s1", tryon.StatusProcessing, cause)
	if sess == nil {
		t.Fatal("expected failed session")
	}
	if sess.Status != tryon.StatusFailed || sess.ErrorKind != "api_error" {
		t.Errorf("session = %+v", sess)
	}
	if !strings.Contains(sess.ErrorMessage, "overloaded") {
		t.Errorf("server-side message should keep upstream text: %q", sess.ErrorMessage)
	}

	rebuilt := StoredError(sess)
	if msg := rebuilt.Public(false); strings.Contains(msg, "overloaded") {
		t.Errorf("public message leaks detail: %q", msg)
	}
	if msg := rebuilt.Public(true); !strings.Contains(msg, "Response Code 500") {
		t.Errorf("debug message missing detail: %q", msg)
	}

	if again := SetJobError(ctx, st, "s1", tryon.StatusProcessing, cause); again != nil {
		t.Error("a terminal session cannot fail twice")
	}
}
