package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/npezzotti/go-chatrelay/internal/types"
	"golang.org/x/crypto/hkdf"
)

const (
	recordSize   = 4096
	saltLength   = 16
	authLength   = 16
	keyIdLength  = 65
	tagLength    = 16
	headerLength = saltLength + 4 + 1 + keyIdLength

	// DefaultPadding is the number of zero bytes written after the 0x02
	// record delimiter.
	DefaultPadding = 1
)

var (
	ErrInvalidSubscription = errors.New("invalid push subscription")
	ErrPayloadTooLarge     = errors.New("push payload exceeds a single record")
)

var (
	infoWebPush = []byte("WebPush: info\x00")
	infoCEK     = []byte("Content-Encoding: aes128gcm\x00")
	infoNonce   = []byte("Content-Encoding: nonce\x00")
)

// Encryptor implements the aes128gcm content encoding for Web Push
// (RFC 8291, RFC 8188). Every call uses a fresh ephemeral key and salt.
type Encryptor struct {
	Padding int
	rand    io.Reader
}

func NewEncryptor() *Encryptor {
	return &Encryptor{
		Padding: DefaultPadding,
		rand:    rand.Reader,
	}
}

// MaxPlaintext is the largest payload that fits in one record.
func (e *Encryptor) MaxPlaintext() int {
	return recordSize - tagLength - 1 - e.Padding
}

// Encrypt returns the request body for delivering plaintext to sub.
func (e *Encryptor) Encrypt(sub types.PushSubscription, plaintext []byte) ([]byte, error) {
	if len(plaintext) > e.MaxPlaintext() {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}

	asKey, err := ecdh.P256().GenerateKey(e.rand)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	return e.encrypt(sub, plaintext, asKey, salt)
}

func (e *Encryptor) encrypt(sub types.PushSubscription, plaintext []byte, asKey *ecdh.PrivateKey, salt []byte) ([]byte, error) {
	uaKey, auth, err := decodeKeys(sub)
	if err != nil {
		return nil, err
	}

	secret, err := asKey.ECDH(uaKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	uaPub := uaKey.Bytes()
	asPub := asKey.PublicKey().Bytes()

	keyInfo := make([]byte, 0, len(infoWebPush)+len(uaPub)+len(asPub))
	keyInfo = append(keyInfo, infoWebPush...)
	keyInfo = append(keyInfo, uaPub...)
	keyInfo = append(keyInfo, asPub...)

	ikm, err := deriveKey(secret, auth, keyInfo, 32)
	if err != nil {
		return nil, err
	}

	cek, err := deriveKey(ikm, salt, infoCEK, 16)
	if err != nil {
		return nil, err
	}

	nonce, err := deriveKey(ikm, salt, infoNonce, 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	// last record: plaintext || 0x02 || zero padding
	record := make([]byte, len(plaintext)+1+e.Padding)
	copy(record, plaintext)
	record[len(plaintext)] = 0x02

	body := make([]byte, headerLength, headerLength+len(record)+tagLength)
	copy(body, salt)
	binary.BigEndian.PutUint32(body[saltLength:], recordSize)
	body[saltLength+4] = keyIdLength
	copy(body[saltLength+5:], asPub)

	return gcm.Seal(body, nonce, record, nil), nil
}

func decodeKeys(sub types.PushSubscription) (*ecdh.PublicKey, []byte, error) {
	rawPub, err := decodeBase64(sub.P256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscription, err)
	}

	uaKey, err := ecdh.P256().NewPublicKey(rawPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscription, err)
	}

	auth, err := decodeBase64(sub.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: auth: %v", ErrInvalidSubscription, err)
	}
	if len(auth) != authLength {
		return nil, nil, fmt.Errorf("%w: auth secret must be %d bytes", ErrInvalidSubscription, authLength)
	}

	return uaKey, auth, nil
}

func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}
