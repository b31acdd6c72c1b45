package tryon

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusPending, StatusFailed}:       true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
			err := Transition(from, to)
			if want && err != nil {
				t.Errorf("Transition(%s, %s) unexpected error: %v", from, to, err)
			}
			if !want && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Transition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, next := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
			if s.CanTransitionTo(next) {
				t.Errorf("terminal %s must not move to %s", s, next)
			}
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestSources(t *testing.T) {
	got := Sources(StatusFailed)
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusProcessing {
		t.Errorf("Sources(failed) = %v", got)
	}
	if got := Sources(StatusPending); len(got) != 0 {
		t.Errorf("Sources(pending) = %v, want none", got)
	}
}

func TestParseAspectRatio(t *testing.T) {
	for _, r := range AspectRatios {
		got, err := ParseAspectRatio(string(r))
		if err != nil || got != r {
			t.Errorf("ParseAspectRatio(%q) = %q, %v", r, got, err)
		}
	}
	for _, bad := range []string{"", "1:2", "16x9", "square"} {
		if _, err := ParseAspectRatio(bad); err == nil {
			t.Errorf("ParseAspectRatio(%q) should fail", bad)
		}
	}
}

func TestNewGarmentRef(t *testing.T) {
	tests := []struct {
		name                       string
		item, image, garment, file string
		wantMode                   GarmentMode
		wantErr                    bool
	}{
		{name: "catalog", item: "42", image: "7", wantMode: ModeCatalog},
		{name: "free-form", garment: "shirt-1", file: "shirt-1.jpg", wantMode: ModeFreeForm},
		{name: "neither", wantErr: true},
		{name: "both", item: "42", image: "7", garment: "shirt-1", file: "shirt-1.jpg", wantErr: true},
		{name: "catalog missing image", item: "42", wantErr: true},
		{name: "free-form missing file", garment: "shirt-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := NewGarmentRef(tt.item, tt.image, tt.garment, tt.file)
			if tt.wantErr {
				if KindOf(err) != KindValidation {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Mode() != tt.wantMode {
				t.Errorf("mode = %s, want %s", ref.Mode(), tt.wantMode)
			}
		})
	}
}

func TestErrorPublicMessage(t *testing.T) {
	apiErr := API("overloaded").WithDetail("Response Code 500 | Full Response: {}")

	if got := apiErr.Public(false); strings.Contains(got, "overloaded") {
		t.Errorf("non-debug message leaked upstream text: %q", got)
	}
	debugMsg := apiErr.Public(true)
	if !strings.Contains(debugMsg, "overloaded") || !strings.Contains(debugMsg, "Response Code 500") {
		t.Errorf("debug message missing detail: %q", debugMsg)
	}

	v := Validation("File size must be less than %dMB.", 5)
	if got := v.Public(false); got != "File size must be less than 5MB." {
		t.Errorf("validation message = %q", got)
	}

	wrapped := fmt.Errorf("execute: %w", Transport(errors.New("dial tcp: i/o timeout")))
	if KindOf(wrapped) != KindTransport {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if got := PublicMessage(wrapped, true); !strings.Contains(got, "i/o timeout") {
		t.Errorf("debug transport message = %q", got)
	}
	if got := PublicMessage(errors.New("boom"), false); got != genericMessages[KindUnknown] {
		t.Errorf("unknown error message = %q", got)
	}
}

func TestKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		if ParseKind(k.String()) != k {
			t.Errorf("ParseKind(%q) != %v", k.String(), k)
		}
	}
	if HTTPStatus(KindRateLimited) != http.StatusTooManyRequests {
		t.Error("rate limit should map to 429")
	}
	if HTTPStatus(KindGlobalRateLimited) != http.StatusTooManyRequests {
		t.Error("global rate limit should map to 429")
	}
	if KindGlobalRateLimited.String() == KindRateLimited.String() {
		t.Error("global and per-identity rejections need distinct codes")
	}
	if HTTPStatus(KindStorage) != http.StatusInternalServerError {
		t.Error("storage should map to 500")
	}
}
