package wsbridge

import "testing"

// TestAcceptKeyRFC6455Fixture checks acceptKey against the example given in
// RFC 6455 §1.3.
func TestAcceptKeyRFC6455Fixture(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	got := acceptKey(key)
	if got != want {
		t.Errorf("acceptKey(%q) = %q, want %q", key, got, want)
	}
}
