package spaxerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNewAndError(t *testing.T) {
	err := New(KindNotFound, "study not found")
	if err.Error() != "not-found: study not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("expected nil cause for New")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorageUnavailable, "writing instance", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	want := "storage-unavailable: writing instance: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestAsAndKindOf(t *testing.T) {
	base := New(KindConflict, "duplicate SOP instance")
	wrapped := fmt.Errorf("storing instance: %w", base)

	found, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to find the *Error in the chain")
	}
	if found.Kind != KindConflict {
		t.Errorf("Kind = %s, want %s", found.Kind, KindConflict)
	}
	if KindOf(wrapped) != KindConflict {
		t.Errorf("KindOf = %s, want %s", KindOf(wrapped), KindConflict)
	}

	plain := errors.New("unkinded")
	if _, ok := As(plain); ok {
		t.Error("expected As to fail for an error with no *Error in its chain")
	}
	if KindOf(plain) != "" {
		t.Errorf("KindOf(plain) = %q, want empty", KindOf(plain))
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindTenantNotFound, http.StatusNotFound},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindFrameOutOfRange, http.StatusBadRequest},
		{KindBadFrameList, http.StatusBadRequest},
		{KindInvalidArgument, http.StatusBadRequest},
		{KindDiskLow, http.StatusInsufficientStorage},
		{KindNoWriteVolume, http.StatusServiceUnavailable},
		{KindStorageUnavailable, http.StatusServiceUnavailable},
		{KindSecurity, http.StatusForbidden},
		{KindInvalidDICOM, http.StatusBadRequest},
		{Kind("something-unmapped"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.kind); got != c.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestStatusForUnkindedError(t *testing.T) {
	if got := StatusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("StatusFor(plain error) = %d, want 500", got)
	}
	if got := StatusFor(New(KindUnknownVolume, "volume 4 not registered")); got != http.StatusInternalServerError {
		t.Errorf("StatusFor(KindUnknownVolume) = %d, want 500 (unmapped kind falls to default)", got)
	}
}
