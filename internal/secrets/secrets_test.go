package secrets

import (
	"bytes"
	"testing"
)

func TestBox_SealOpen(t *testing.T) {
	box, err := NewBox("test-passphrase")
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	plaintext := []byte("ya29.a0AfH6SMB-access-token")

	sealed, err := box.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output contains plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q", opened)
	}
}

func TestBox_WrongPassphrase(t *testing.T) {
	box, _ := NewBox("correct")
	other, _ := NewBox("wrong")

	sealed, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected open with wrong passphrase to fail")
	}
}

func TestBox_TamperedCiphertext(t *testing.T) {
	box, _ := NewBox("pass")
	sealed, err := box.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := box.Open(sealed); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}

	if _, err := box.Open([]byte("short")); err == nil {
		t.Fatal("expected short input to fail")
	}
}

func TestNewBox_EmptyPassphrase(t *testing.T) {
	if _, err := NewBox(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}
