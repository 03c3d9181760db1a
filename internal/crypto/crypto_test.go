package crypto

import "testing"

func TestRoundTrip(t *testing.T) {
	pw := []byte("correct-horse-battery-staple")
	plain := []byte("sk-test-credential-bytes")

	blob, err := Encrypt(plain, pw)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(blob, pw)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Errorf("Decrypt = %q, want %q", got, plain)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	blob, err := Encrypt([]byte("x"), []byte("p"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(blob, []byte("p-prime")); err != ErrAuthFailed {
		t.Errorf("Decrypt with wrong passphrase = %v, want ErrAuthFailed", err)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	pw := []byte("p")
	a, err := Encrypt([]byte("x"), pw)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt([]byte("x"), pw)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
	for _, blob := range [][]byte{a, b} {
		got, err := Decrypt(blob, pw)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(got) != "x" {
			t.Errorf("Decrypt = %q, want %q", got, "x")
		}
	}
}

func TestDecryptShortBlob(t *testing.T) {
	if _, err := Decrypt([]byte("short"), []byte("p")); err != ErrAuthFailed {
		t.Errorf("Decrypt short blob = %v, want ErrAuthFailed", err)
	}
}

func TestBlobLayout(t *testing.T) {
	blob, err := Encrypt([]byte("payload"), []byte("p"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(blob) < headerLen+len("payload") {
		t.Errorf("blob too short: %d bytes", len(blob))
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d = %d, want 0", i, v)
		}
	}
}
