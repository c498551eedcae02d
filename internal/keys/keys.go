// Package keys owns the asymmetric key pair used to decrypt authentication
// replies. The pair is generated on first use and persisted through the
// injected store so the same keys survive restarts; replies encrypted
// against an earlier public key would otherwise be undecipherable.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"forumwatch/internal/store"
)

const (
	keyBits           = 2048
	kdfSaltLength     = 16
	kdfKeyLength      = 32
	kdfIterations     = 120000
	privateKeyPEMType = "RSA PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// ErrNoPayload is returned when an empty encrypted payload is presented.
var ErrNoPayload = errors.New("keys: empty payload")

// Pair holds the in-memory key material.
type Pair struct {
	Private   *rsa.PrivateKey
	PublicPEM string
}

// Provider lazily generates and persists the key pair.
type Provider struct {
	mu         sync.Mutex
	kv         store.KV
	passphrase []byte
	logger     *slog.Logger
	pair       *Pair
}

// Option customises the provider.
type Option func(*Provider)

// WithPassphrase encrypts the private key at rest with a key derived from
// the passphrase.
func WithPassphrase(passphrase string) Option {
	return func(p *Provider) {
		if passphrase != "" {
			p.passphrase = []byte(passphrase)
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider constructs a key pair provider backed by the given store.
func NewProvider(kv store.KV, opts ...Option) *Provider {
	p := &Provider{kv: kv}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

type keyRecord struct {
	Public     string `json:"public"`
	Private    string `json:"private"`
	Salt       string `json:"salt,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
}

// Ensure returns the key pair, generating and persisting a new one when none
// has been stored yet.
func (p *Provider) Ensure(ctx context.Context) (*Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pair != nil {
		return p.pair, nil
	}

	raw, err := p.kv.Get(ctx, store.KeyKeyPair)
	switch {
	case err == nil:
		pair, loadErr := p.decodeRecord(raw)
		if loadErr != nil {
			return nil, loadErr
		}
		p.pair = pair
		return pair, nil
	case errors.Is(err, store.ErrNotFound):
		// fall through to generation
	default:
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	p.logger.Info("generating key pair", "bits", keyBits)
	private, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	pair := &Pair{Private: private, PublicPEM: encodePublicKey(&private.PublicKey)}

	record, err := p.encodeRecord(pair)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Set(ctx, store.KeyKeyPair, record); err != nil {
		return nil, fmt.Errorf("persist key pair: %w", err)
	}

	p.pair = pair
	return pair, nil
}

// Decrypt base64-decodes the payload and decrypts it with the private key.
func (p *Provider) Decrypt(ctx context.Context, payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrNoPayload
	}
	pair, err := p.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, pair.Private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

func encodePublicKey(key *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		// x509 cannot fail for an in-memory RSA public key
		panic(err)
	}
	block := &pem.Block{Type: publicKeyPEMType, Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func (p *Provider) encodeRecord(pair *Pair) ([]byte, error) {
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyPEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(pair.Private),
	})

	record := keyRecord{Public: pair.PublicPEM}
	if len(p.passphrase) == 0 {
		record.Private = string(privatePEM)
	} else {
		salt := make([]byte, kdfSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		sealed, nonce, err := seal(privatePEM, p.passphrase, salt)
		if err != nil {
			return nil, err
		}
		record.Private = base64.RawStdEncoding.EncodeToString(sealed)
		record.Salt = base64.RawStdEncoding.EncodeToString(salt)
		record.Nonce = base64.RawStdEncoding.EncodeToString(nonce)
		record.Iterations = kdfIterations
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode key record: %w", err)
	}
	return encoded, nil
}

func (p *Provider) decodeRecord(raw []byte) (*Pair, error) {
	var record keyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}

	privatePEM := []byte(record.Private)
	if record.Salt != "" {
		if len(p.passphrase) == 0 {
			return nil, errors.New("key pair is encrypted but no passphrase is configured")
		}
		salt, err := base64.RawStdEncoding.DecodeString(record.Salt)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		nonce, err := base64.RawStdEncoding.DecodeString(record.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decode nonce: %w", err)
		}
		sealed, err := base64.RawStdEncoding.DecodeString(record.Private)
		if err != nil {
			return nil, fmt.Errorf("decode private key: %w", err)
		}
		iterations := record.Iterations
		if iterations <= 0 {
			iterations = kdfIterations
		}
		privatePEM, err = open(sealed, nonce, p.passphrase, salt, iterations)
		if err != nil {
			return nil, err
		}
	}

	block, _ := pem.Decode(privatePEM)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, errors.New("stored private key is not valid PEM")
	}
	private, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Pair{Private: private, PublicPEM: record.Public}, nil
}

func seal(plaintext, passphrase, salt []byte) (ciphertext, nonce []byte, err error) {
	derived := pbkdf2.Key(passphrase, salt, kdfIterations, kdfKeyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(ciphertext, nonce, passphrase, salt []byte, iterations int) ([]byte, error) {
	derived := pbkdf2.Key(passphrase, salt, iterations, kdfKeyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("key pair passphrase is incorrect")
	}
	return plaintext, nil
}
