package webhook

import "testing"

func TestVerifySignatureAcceptsMatchingBody(t *testing.T) {
	body := []byte(`{"push_data":{"tag":"v2"}}`)
	secret := "s"
	sig := Sign(body, secret)

	if !VerifySignature(body, secret, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifySignatureRejectsAlteredBody(t *testing.T) {
	secret := "s"
	sig := Sign([]byte(`{"push_data":{"tag":"v2"}}`), secret)

	if VerifySignature([]byte(`{"push_data":{"tag":"v3"}}`), secret, sig) {
		t.Fatalf("expected altered body to fail verification")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"push_data":{"tag":"v2"}}`)
	sig := Sign(body, "s")

	if VerifySignature(body, "other", sig) {
		t.Fatalf("expected wrong secret to fail verification")
	}
}
