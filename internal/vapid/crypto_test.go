package vapid

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	pub, priv, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if pub == "" || priv == "" {
		t.Fatal("expected non-empty keys")
	}
	if pub == priv {
		t.Error("public and private keys must differ")
	}

	pub2, _, err := Generate()
	if err != nil {
		t.Fatalf("generate second pair: %v", err)
	}
	if pub2 == pub {
		t.Error("two generated pairs should not collide")
	}
}

func TestEncryptDecryptPrivateKey(t *testing.T) {
	_, priv, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	blob, err := EncryptPrivateKey(priv, "test-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(blob, priv) {
		t.Error("ciphertext must not contain the plaintext key")
	}

	got, err := DecryptPrivateKey(blob, "test-secret")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != priv {
		t.Errorf("roundtrip = %q, want %q", got, priv)
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	blob, err := EncryptPrivateKey("some-private-key", "right-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptPrivateKey(blob, "wrong-secret"); err == nil {
		t.Error("expected decryption failure with wrong secret")
	}
}

func TestDecryptGarbage(t *testing.T) {
	if _, err := DecryptPrivateKey("not base64!!", "secret"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecryptPrivateKey("YWJj", "secret"); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestEncryptIsSalted(t *testing.T) {
	a, err := EncryptPrivateKey("key-material", "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := EncryptPrivateKey("key-material", "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same key should differ")
	}
}
