package paypay

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signer builds OPA-Auth headers. nonce and now are replaceable in tests.
type signer struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
	nonce     func() (string, error)
}

func newSigner(apiKey, apiSecret string) *signer {
	return &signer{apiKey: apiKey, apiSecret: apiSecret, now: time.Now, nonce: randomNonce}
}

// Authorization returns "hmac OPA-Auth:{key}:{mac}:{nonce}:{epoch}:{hash}".
// Body-less requests hash and type as "empty".
func (s *signer) Authorization(method, pathWithQuery, contentType string, body []byte) (string, error) {
	nonce, err := s.nonce()
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	epoch := strconv.FormatInt(s.now().Unix(), 10)

	hash, ct := bodyHash(contentType, body)
	mac := Sign(s.apiSecret, pathWithQuery, method, nonce, epoch, ct, hash)
	return fmt.Sprintf("hmac OPA-Auth:%s:%s:%s:%s:%s", s.apiKey, mac, nonce, epoch, hash), nil
}

// Sign computes the base64 HMAC-SHA256 over the newline-joined signature fields.
func Sign(secret, pathWithQuery, method, nonce, epoch, contentType, hash string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strings.Join([]string{pathWithQuery, method, nonce, epoch, contentType, hash}, "\n")))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

func bodyHash(contentType string, body []byte) (hash, ct string) {
	if len(body) == 0 {
		return "empty", "empty"
	}
	md := md5.New()
	md.Write([]byte(contentType))
	md.Write(body)
	return base64.StdEncoding.EncodeToString(md.Sum(nil)), contentType
}

// AuthHeader is a parsed OPA-Auth header.
type AuthHeader struct {
	APIKey string
	MAC    string
	Nonce  string
	Epoch  string
	Hash   string
}

// ParseAuthorization splits an OPA-Auth header. Used by the fake server.
func ParseAuthorization(header string) (AuthHeader, error) {
	rest, ok := strings.CutPrefix(header, "hmac OPA-Auth:")
	if !ok {
		return AuthHeader{}, fmt.Errorf("not an OPA-Auth header")
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return AuthHeader{}, fmt.Errorf("OPA-Auth header has %d fields, want 5", len(parts))
	}
	return AuthHeader{APIKey: parts[0], MAC: parts[1], Nonce: parts[2], Epoch: parts[3], Hash: parts[4]}, nil
}

// VerifyAuthorization recomputes the MAC for a received request.
func VerifyAuthorization(h AuthHeader, secret, method, pathWithQuery, contentType string, body []byte) bool {
	hash, ct := bodyHash(contentType, body)
	if hash != h.Hash {
		return false
	}
	want := Sign(secret, pathWithQuery, method, h.Nonce, h.Epoch, ct, hash)
	return hmac.Equal([]byte(want), []byte(h.MAC))
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
