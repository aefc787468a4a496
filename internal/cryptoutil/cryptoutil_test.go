package cryptoutil

import "testing"

func TestHashEncryptDecryptRoundTrip(t *testing.T) {
	data := []byte("hello world")
	want := Hash(data)

	env, err := Encrypt(data, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := Decrypt(env, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got := Hash(plain); got != want {
		t.Fatalf("hash mismatch after round trip: got %s want %s", got, want)
	}
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	env, err := Encrypt([]byte("secret"), "pw1")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(env, "pw2"); err == nil {
		t.Fatalf("expected AuthFailed, got nil")
	}
}

func TestCombineHashesOrderIndependent(t *testing.T) {
	a, b, c := Hash([]byte("a")), Hash([]byte("b")), Hash([]byte("c"))
	h1 := CombineHashes([]string{a, b, c})
	h2 := CombineHashes([]string{c, a, b})
	h3 := CombineHashes([]string{b, c, a})
	if h1 != h2 || h2 != h3 {
		t.Fatalf("CombineHashes not order independent: %s %s %s", h1, h2, h3)
	}
}

func TestGenerateTransferCodeLength(t *testing.T) {
	code, err := GenerateTransferCode(6)
	if err != nil {
		t.Fatalf("GenerateTransferCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected length 6, got %d (%s)", len(code), code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit rune %q in code %s", r, code)
		}
	}
}

func TestDocumentIDDeterministic(t *testing.T) {
	id1 := DocumentID("abc123", 1000)
	id2 := DocumentID("abc123", 1000)
	if id1 != id2 {
		t.Fatalf("DocumentID not deterministic: %s != %s", id1, id2)
	}
	if len(id1) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(id1))
	}
}
