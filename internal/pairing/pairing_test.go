package pairing

import (
	"errors"
	"testing"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		phrase string
		want   string
	}{
		{"hello", "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		if got := Digest(tt.phrase); got != tt.want {
			t.Errorf("Digest(%q) = %s, want %s", tt.phrase, got, tt.want)
		}
	}
}

func TestHashSecretVerify(t *testing.T) {
	hash, err := HashSecret("open sesame")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	if !Verify(hash, Digest("open sesame")) {
		t.Error("Verify() rejected the matching digest")
	}
	if Verify(hash, Digest("open sesame!")) {
		t.Error("Verify() accepted a different digest")
	}
	if Verify(hash, "open sesame") {
		t.Error("Verify() accepted the plain phrase")
	}
	if Verify("", Digest("open sesame")) {
		t.Error("Verify() accepted with an empty hash")
	}
}

func TestHashSecretEmpty(t *testing.T) {
	if _, err := HashSecret(""); !errors.Is(err, ErrEmptyPhrase) {
		t.Errorf("HashSecret(\"\") error = %v, want ErrEmptyPhrase", err)
	}
}
