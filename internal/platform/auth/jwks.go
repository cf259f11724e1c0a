package auth

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
)

// JWKSPath is the stable path at which the operator key set is published.
const JWKSPath = "/.well-known/jwks.json"

// PublicKeySet returns the JWKS document for the operator signing keys.
// Only public halves are included.
func PublicKeySet(keys ...*SigningKey) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		if k == nil || k.Key == nil {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key.Public(),
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm(),
			Use:       "sig",
		})
	}
	return set
}

// JWKSHandler serves the operator key set. With no key configured it serves
// an empty set so vendors polling the endpoint see a valid document.
func JWKSHandler(keys ...*SigningKey) echo.HandlerFunc {
	set := PublicKeySet(keys...)
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "public, max-age=3600")
		return c.JSON(http.StatusOK, set)
	}
}

func thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("signing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
