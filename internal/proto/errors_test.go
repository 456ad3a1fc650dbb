package proto

import (
	"errors"
	"testing"
)

func TestWireErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	werr := NewWireError(CodeBundleLoadError, "failed to load", cause)

	if !errors.Is(werr, cause) {
		t.Error("errors.Is(werr, cause) = false, want true")
	}
	if werr.Code != CodeBundleLoadError {
		t.Errorf("Code = %q, want %q", werr.Code, CodeBundleLoadError)
	}
}

func TestWireErrorMessageWithoutCause(t *testing.T) {
	werr := NewWireError(CodeInvalidMessage, "bad input", nil)
	want := CodeInvalidMessage + ": bad input"
	if werr.Error() != want {
		t.Errorf("Error() = %q, want %q", werr.Error(), want)
	}
}
