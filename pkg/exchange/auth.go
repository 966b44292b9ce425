package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gregtusar/perpagent/internal/config"
)

type AuthType string

const (
	AuthTypeHMAC AuthType = "legacy"
	AuthTypeJWT  AuthType = "jwt"
)

const tokenLifetime = 2 * time.Minute

// Authenticator stamps venue credentials onto an outgoing request.
type Authenticator interface {
	Sign(req *http.Request, body []byte) error
}

func NewAuthenticator(cfg config.ExchangeConfig) (Authenticator, error) {
	switch AuthType(cfg.AuthType) {
	case AuthTypeJWT:
		return NewKeyAuth(cfg.APIKeyName, cfg.PrivateKeyPEM)
	case AuthTypeHMAC, "":
		return NewHMACAuth(cfg.APIKey, cfg.APISecret, cfg.Passphrase), nil
	}
	return nil, fmt.Errorf("unsupported auth type %q", cfg.AuthType)
}

// HMACAuth signs timestamp, method, path and body with the API secret.
type HMACAuth struct {
	key        string
	secret     []byte
	passphrase string
	now        func() time.Time
}

func NewHMACAuth(key, secret, passphrase string) *HMACAuth {
	return &HMACAuth{key: key, secret: []byte(secret), passphrase: passphrase, now: time.Now}
}

func (a *HMACAuth) Sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(a.now().Unix(), 10)

	req.Header.Set("X-ACCESS-KEY", a.key)
	req.Header.Set("X-ACCESS-TIMESTAMP", ts)
	req.Header.Set("X-ACCESS-SIGN", a.signature(ts, req.Method, req.URL.Path, body))
	if a.passphrase != "" {
		req.Header.Set("X-ACCESS-PASSPHRASE", a.passphrase)
	}
	return nil
}

func (a *HMACAuth) signature(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// requestClaims binds a token to one method and URI.
type requestClaims struct {
	jwt.RegisteredClaims
	URI string `json:"uri"`
}

// KeyAuth signs every request with a short-lived ES256 token.
type KeyAuth struct {
	name string
	key  *ecdsa.PrivateKey
	now  func() time.Time
}

// NewKeyAuth expects name as organizations/{org}/apiKeys/{key} and an EC
// private key in SEC1 or PKCS#8 PEM.
func NewKeyAuth(name, privateKeyPEM string) (*KeyAuth, error) {
	if !validKeyName(name) {
		return nil, fmt.Errorf("api key name %q: want organizations/{org}/apiKeys/{key}", name)
	}
	key, err := parseECKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &KeyAuth{name: name, key: key, now: time.Now}, nil
}

func (a *KeyAuth) Sign(req *http.Request, _ []byte) error {
	now := a.now()
	nonce := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, requestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.name,
			Issuer:    "perp-agent",
			ID:        nonce,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		URI: req.Method + " " + req.URL.Host + req.URL.Path,
	})
	token.Header["kid"] = a.name
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(a.key)
	if err != nil {
		return fmt.Errorf("sign request token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

func validKeyName(name string) bool {
	parts := strings.Split(name, "/")
	return len(parts) == 4 &&
		parts[0] == "organizations" && parts[1] != "" &&
		parts[2] == "apiKeys" && parts[3] != ""
}

func parseECKey(raw string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("private key: no PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key: %T is not ECDSA", parsed)
	}
	return key, nil
}
