package webpush

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/golang-jwt/jwt"
)

const (
	DefaultSubject = "mailto:admin@example.com"
	tokenLifetime  = 12 * time.Hour
)

var ErrInvalidVAPIDKey = errors.New("invalid VAPID private key")

// Signer issues VAPID authorization headers with a P-256 key loaded once at
// construction.
type Signer struct {
	key       *ecdsa.PrivateKey
	publicKey string
	subject   string
	now       func() time.Time
}

// NewSigner parses privateKey and returns a Signer. The key may be a
// base64url raw scalar, a PEM block (SEC1 or PKCS#8) or base64-encoded PEM.
// A bare email subject is given a mailto: prefix; an empty subject uses
// DefaultSubject.
func NewSigner(privateKey, subject string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}

	return &Signer{
		key:       key,
		publicKey: base64.RawURLEncoding.EncodeToString(pub.Bytes()),
		subject:   normalizeSubject(subject),
		now:       time.Now,
	}, nil
}

// PublicKey returns the base64url uncompressed public key clients pass as
// applicationServerKey.
func (s *Signer) PublicKey() string {
	return s.publicKey
}

func (s *Signer) Subject() string {
	return s.subject
}

// Sign returns the Authorization header value for a push to endpoint.
func (s *Signer) Sign(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: bad endpoint %q", ErrInvalidSubscription, endpoint)
	}

	claims := jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": s.now().Add(tokenLifetime).Unix(),
		"sub": s.subject,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign vapid token: %w", err)
	}

	return fmt.Sprintf("vapid t=%s, k=%s", token, s.publicKey), nil
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return DefaultSubject
	case strings.HasPrefix(subject, "mailto:"), strings.HasPrefix(subject, "https://"),
		strings.HasPrefix(subject, "http://"):
		return subject
	case strings.Contains(subject, "@"):
		return "mailto:" + subject
	default:
		return subject
	}
}

// ParsePrivateKey decodes a P-256 private key in any of the formats accepted
// by NewSigner.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, `\n`, "\n"))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidVAPIDKey)
	}

	if strings.Contains(raw, "-----BEGIN") {
		return parsePEM([]byte(raw))
	}

	decoded, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}

	switch {
	case len(decoded) == 32:
		return scalarToKey(decoded)
	case bytes.Contains(decoded, []byte("-----BEGIN")):
		return parsePEM(decoded)
	default:
		return parseDER(decoded)
	}
}

func parsePEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidVAPIDKey)
	}
	return parseDER(block.Bytes)
}

func parseDER(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return checkCurve(key)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC key", ErrInvalidVAPIDKey)
	}
	return checkCurve(key)
}

func checkCurve(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve must be P-256", ErrInvalidVAPIDKey)
	}
	return key, nil
}

func scalarToKey(d []byte) (*ecdsa.PrivateKey, error) {
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPIDKey, err)
	}

	// uncompressed point: 0x04 || X || Y
	pub := priv.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

// GenerateVAPIDKeys returns a new base64url private scalar and public key.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpushgo.GenerateVAPIDKeys()
}

// decodeBase64 accepts standard or URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if strings.ContainsAny(s, "+/") {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
