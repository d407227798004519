// Package auth validates upload tokens against the auth server.
// Tokens are RS256 JWTs signed by the auth server; the public key is fetched
// once at startup.
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datahq/flowmanager/internal/flow"
)

// publicKeyPath is the auth server endpoint serving the PEM-encoded key.
const publicKeyPath = "/auth/public-key"

// permissionClaims is the token payload the flow manager cares about.
type permissionClaims struct {
	UserID      string `json:"userid"`
	Permissions struct {
		MaxDatasetNum *int `json:"max_dataset_num"`
	} `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTVerifyer implements flow.Verifyer with an RSA public key.
type JWTVerifyer struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewJWTVerifyer fetches the auth server's public key and builds a verifyer.
// authServer is a host[:port]; the scheme defaults to http.
func NewJWTVerifyer(ctx context.Context, authServer string) (*JWTVerifyer, error) {
	url := authServer + publicKeyPath
	if !strings.Contains(authServer, "://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build public key request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch public key from %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch public key from %s: %s", url, res.Status)
	}
	pem, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	v, err := NewJWTVerifyerFromPEM(pem)
	if err != nil {
		return nil, err
	}
	slog.Info("auth public key loaded", "auth_server", authServer)
	return v, nil
}

// NewJWTVerifyerFromPEM builds a verifyer from a PEM-encoded RSA public key.
func NewJWTVerifyerFromPEM(pem []byte) (*JWTVerifyer, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &JWTVerifyer{
		key:    key,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}, nil
}

// ExtractPermissions validates the token and returns the identity and quota
// it carries. Any parse or signature failure yields nil.
func (v *JWTVerifyer) ExtractPermissions(_ context.Context, token string) *flow.Permissions {
	if token == "" {
		return nil
	}

	claims := &permissionClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		slog.Debug("token rejected", "error", err)
		return nil
	}
	if claims.UserID == "" {
		return nil
	}

	perms := &flow.Permissions{UserID: claims.UserID}
	if claims.Permissions.MaxDatasetNum != nil {
		perms.MaxDatasetNum = *claims.Permissions.MaxDatasetNum
	}
	return perms
}
