package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer signs V4 string-to-sign payloads on behalf of a service account.
type Signer interface {
	// Email is used as the GoogleAccessID of generated URLs.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountSigner signs with the private key of a downloaded service account key.
type ServiceAccountSigner struct {
	email string
	key   *rsa.PrivateKey
}

var errSignerKeyEmpty = errors.New("storage: signer key is empty")

// ParseServiceAccountKey builds a signer from the JSON key stored in API_STORAGE_SIGNER_KEY
// (usually resolved from Secret Manager).
func ParseServiceAccountKey(raw []byte) (*ServiceAccountSigner, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errSignerKeyEmpty
	}
	var payload struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("storage: decode signer key: %w", err)
	}
	email := strings.TrimSpace(payload.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: signer key has no client_email")
	}
	key, err := decodeRSAKey(payload.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &ServiceAccountSigner{email: email, key: key}, nil
}

// Email implements Signer.
func (s *ServiceAccountSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes implements Signer using RSASSA-PKCS1-v1_5 over SHA-256.
func (s *ServiceAccountSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func decodeRSAKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("storage: signer key has no PEM private_key")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: signer key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse signer key: %w", err)
	}
	return key, nil
}
