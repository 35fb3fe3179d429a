package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minHMACKeyLen = 32

// SigningKey is one entry of the key set. A key without a private half can
// only verify.
type SigningKey struct {
	ID     string
	Method jwt.SigningMethod
	sign   any
	verify any
}

// CanSign reports whether the key holds private material.
func (k SigningKey) CanSign() bool { return k.sign != nil }

// NewRS256Key builds a signing key from a PEM encoded RSA private key. An
// empty kid is derived from the public key.
func NewRS256Key(kid, privatePEM string) (SigningKey, error) {
	priv, err := parseRSAPrivateKey(strings.TrimSpace(privatePEM))
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse private key: %w", err)
	}
	if kid = strings.TrimSpace(kid); kid == "" {
		if kid, err = rsaKeyID(&priv.PublicKey); err != nil {
			return SigningKey{}, err
		}
	}
	return SigningKey{ID: kid, Method: jwt.SigningMethodRS256, sign: priv, verify: &priv.PublicKey}, nil
}

// NewRS256VerifyKey builds a verification-only key from a PEM encoded RSA
// public key.
func NewRS256VerifyKey(kid, publicPEM string) (SigningKey, error) {
	pub, err := parseRSAPublicKey(strings.TrimSpace(publicPEM))
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse public key: %w", err)
	}
	if kid = strings.TrimSpace(kid); kid == "" {
		if kid, err = rsaKeyID(pub); err != nil {
			return SigningKey{}, err
		}
	}
	return SigningKey{ID: kid, Method: jwt.SigningMethodRS256, verify: pub}, nil
}

// NewHS256Key builds a symmetric key. The secret must be at least 32 bytes.
func NewHS256Key(kid string, secret []byte) (SigningKey, error) {
	if len(secret) < minHMACKeyLen {
		return SigningKey{}, fmt.Errorf("auth: hmac secret must be at least %d bytes", minHMACKeyLen)
	}
	if kid = strings.TrimSpace(kid); kid == "" {
		sum := sha256.Sum256(secret)
		kid = "hs-" + hex.EncodeToString(sum[:8])
	}
	buf := append([]byte(nil), secret...)
	return SigningKey{ID: kid, Method: jwt.SigningMethodHS256, sign: buf, verify: buf}, nil
}

// KeyProvider supplies the active signing key and the set of keys accepted
// for verification.
type KeyProvider interface {
	SigningKey() (SigningKey, error)
	VerificationKey(kid string) (SigningKey, bool)
}

type retiredKey struct {
	key   SigningKey
	until time.Time
}

// KeyRing is a KeyProvider with one active key and a set of retired keys
// that stay valid for verification until their grace window ends.
type KeyRing struct {
	mu      sync.RWMutex
	active  SigningKey
	retired map[string]retiredKey
	grace   time.Duration
	now     func() time.Time
}

var _ KeyProvider = (*KeyRing)(nil)

// NewKeyRing returns a ring whose Rotate keeps the previous key for grace.
func NewKeyRing(active SigningKey, grace time.Duration) (*KeyRing, error) {
	if !active.CanSign() {
		return nil, errors.New("auth: active key must hold private material")
	}
	return &KeyRing{
		active:  active,
		retired: make(map[string]retiredKey),
		grace:   grace,
		now:     time.Now,
	}, nil
}

// SigningKey returns the active key.
func (k *KeyRing) SigningKey() (SigningKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, nil
}

// VerificationKey looks kid up among the active and unexpired retired keys.
func (k *KeyRing) VerificationKey(kid string) (SigningKey, bool) {
	k.mu.RLock()
	if k.active.ID == kid {
		defer k.mu.RUnlock()
		return k.active, true
	}
	rk, ok := k.retired[kid]
	k.mu.RUnlock()
	if !ok {
		return SigningKey{}, false
	}
	if !k.now().Before(rk.until) {
		k.mu.Lock()
		delete(k.retired, kid)
		k.mu.Unlock()
		return SigningKey{}, false
	}
	return rk.key, true
}

// Retire adds a verification key accepted until until.
func (k *KeyRing) Retire(key SigningKey, until time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if key.ID == k.active.ID {
		return
	}
	k.retired[key.ID] = retiredKey{key: key, until: until}
}

// Rotate makes next the active key and keeps the previous one for the grace
// window.
func (k *KeyRing) Rotate(next SigningKey) error {
	if !next.CanSign() {
		return errors.New("auth: active key must hold private material")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if next.ID == k.active.ID {
		return fmt.Errorf("auth: key %q is already active", next.ID)
	}
	prev := k.active
	k.active = next
	delete(k.retired, next.ID)
	if k.grace > 0 {
		k.retired[prev.ID] = retiredKey{key: prev, until: k.now().Add(k.grace)}
	}
	return nil
}

// KeyIDs lists the active key id followed by retired ids.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := []string{k.active.ID}
	now := k.now()
	for id, rk := range k.retired {
		if now.Before(rk.until) {
			out = append(out, id)
		}
	}
	return out
}

// GenerateRSAKey returns PKCS#8 private and PKIX public PEM blocks.
func GenerateRSAKey(bits int) (privatePEM, publicPEM string, err error) {
	if bits < 2048 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	publicPEM, err = encodePublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	return privatePEM, publicPEM, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func rsaKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return "rs-" + hex.EncodeToString(sum[:8]), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
