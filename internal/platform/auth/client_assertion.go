package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientAssertionType is the client_assertion_type for private_key_jwt.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime is the maximum exp - iat allowed by SMART backend
// services.
const assertionLifetime = 5 * time.Minute

// ErrNoSigningKey is returned when private_key_jwt is selected but the
// operator has not supplied a key.
var ErrNoSigningKey = errors.New("no client signing key configured")

// SigningKey is the operator-supplied private key used to sign client
// assertions. Only the sandbox EHR generates one at runtime.
type SigningKey struct {
	KeyID  string
	Key    crypto.Signer
	method jwt.SigningMethod
}

// Algorithm returns the JWS algorithm used with this key.
func (k *SigningKey) Algorithm() string {
	return k.method.Alg()
}

// ParseSigningKeyPEM parses a PKCS#1, PKCS#8 or SEC1 private key. RSA keys
// sign with RS384 and EC keys with ES256 or ES384 depending on the curve.
// An empty keyID is replaced by the key's RFC 7638 thumbprint.
func ParseSigningKeyPEM(pemData []byte, keyID string) (*SigningKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("signing key: no PEM block found")
	}

	var key interface{}
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	sk := &SigningKey{KeyID: keyID}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < 2048 {
			return nil, fmt.Errorf("signing key: RSA key must be at least 2048 bits")
		}
		sk.Key = k
		sk.method = jwt.SigningMethodRS384
	case *ecdsa.PrivateKey:
		sk.Key = k
		switch k.Curve {
		case elliptic.P256():
			sk.method = jwt.SigningMethodES256
		case elliptic.P384():
			sk.method = jwt.SigningMethodES384
		default:
			return nil, fmt.Errorf("signing key: unsupported EC curve %s", k.Curve.Params().Name)
		}
	default:
		return nil, fmt.Errorf("signing key: unsupported key type %T", key)
	}

	if sk.KeyID == "" {
		kid, err := thumbprint(sk.Key.Public())
		if err != nil {
			return nil, err
		}
		sk.KeyID = kid
	}
	return sk, nil
}

// NewClientAssertion signs a private_key_jwt assertion for the token
// endpoint: iss and sub are the client id, aud is the token endpoint, jti
// is unique per call and exp is five minutes out.
func NewClientAssertion(key *SigningKey, clientID, tokenEndpoint string, now time.Time) (string, error) {
	if key == nil || key.Key == nil {
		return "", ErrNoSigningKey
	}
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenEndpoint},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := key.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// Sign serializes claims as a compact JWS carrying the key id.
func (k *SigningKey) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(k.method, claims)
	token.Header["kid"] = k.KeyID
	return token.SignedString(k.Key)
}

// GenerateSigningKey creates an ephemeral 2048-bit RSA key.
func GenerateSigningKey(keyID string) (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	sk := &SigningKey{KeyID: keyID, Key: priv, method: jwt.SigningMethodRS384}
	if sk.KeyID == "" {
		if sk.KeyID, err = thumbprint(priv.Public()); err != nil {
			return nil, err
		}
	}
	return sk, nil
}
