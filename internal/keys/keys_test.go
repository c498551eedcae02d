package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strings"
	"testing"

	"forumwatch/internal/store"
)

func TestEnsureGeneratesOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()

	provider := NewProvider(kv)
	first, err := provider.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}
	if !strings.Contains(first.PublicPEM, "PUBLIC KEY") {
		t.Fatalf("expected PEM public key, got %q", first.PublicPEM)
	}

	second, err := provider.Ensure(ctx)
	if err != nil {
		t.Fatalf("second Ensure returned error: %v", err)
	}
	if first != second {
		t.Fatal("expected cached pair on second call")
	}

	// a fresh provider over the same store must load, not regenerate
	reloaded, err := NewProvider(kv).Ensure(ctx)
	if err != nil {
		t.Fatalf("reload Ensure returned error: %v", err)
	}
	if reloaded.PublicPEM != first.PublicPEM {
		t.Fatal("expected reloaded pair to match persisted pair")
	}
	if reloaded.Private.N.Cmp(first.Private.N) != 0 {
		t.Fatal("expected reloaded private key to match persisted key")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := NewProvider(store.NewMemoryStore())

	pair, err := provider.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}

	payload := Encrypt(t, &pair.Private.PublicKey, `{"nonce":"abc","key":"tok","push":true,"api":4}`)
	plaintext, err := provider.Decrypt(ctx, payload)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if !strings.Contains(string(plaintext), `"nonce":"abc"`) {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestDecryptRejectsEmptyAndGarbage(t *testing.T) {
	ctx := context.Background()
	provider := NewProvider(store.NewMemoryStore())

	if _, err := provider.Decrypt(ctx, ""); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := provider.Decrypt(ctx, "not base64!!!"); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestPassphraseProtectedKeyPair(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()

	pair, err := NewProvider(kv, WithPassphrase("hunter2")).Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}

	// correct passphrase loads the same key
	reloaded, err := NewProvider(kv, WithPassphrase("hunter2")).Ensure(ctx)
	if err != nil {
		t.Fatalf("reload with passphrase returned error: %v", err)
	}
	if reloaded.Private.N.Cmp(pair.Private.N) != 0 {
		t.Fatal("expected same key after reload")
	}

	// wrong passphrase fails
	if _, err := NewProvider(kv, WithPassphrase("wrong")).Ensure(ctx); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}

	// missing passphrase fails
	if _, err := NewProvider(kv).Ensure(ctx); err == nil {
		t.Fatal("expected error when passphrase is missing")
	}
}

// Encrypt is a test helper that encrypts plaintext against the public key the
// way a forum server encrypts authentication replies.
func Encrypt(t *testing.T, key *rsa.PublicKey, plaintext string) string {
	t.Helper()
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}
