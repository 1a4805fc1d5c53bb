package errs

import (
	"errors"
	"testing"
)

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("signature mismatch")
	e := New(KindCrypto, "uhp.VerifyAndRespond", cause)

	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to unwrap to cause")
	}
	if e.Kind != KindCrypto {
		t.Fatalf("expected KindCrypto, got %v", e.Kind)
	}
	if e.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindCrypto, false},
		{KindIdentity, false},
		{KindHandshake, false},
		{KindRouting, true},
		{KindStorage, true},
		{KindValidation, false},
		{KindEconomic, false},
		{KindConcurrency, true},
	}
	for _, c := range cases {
		e := New(c.kind, "op", nil)
		if e.Retryable() != c.retryable {
			t.Errorf("kind %v: expected retryable=%v, got %v", c.kind, c.retryable, e.Retryable())
		}
	}
}
