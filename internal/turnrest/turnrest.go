// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<connection_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Credentials is a minted username/credential pair for a TURN server
// configured with the matching shared secret.
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewGenerator(sharedSecret, usernamePrefix string, ttl time.Duration) (*Generator, error) {
	if strings.TrimSpace(sharedSecret) == "" {
		return nil, errors.New("shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if usernamePrefix == "" || strings.Contains(usernamePrefix, ":") {
		return nil, errors.New("username prefix must be non-empty and contain no ':'")
	}
	return &Generator{
		secret: []byte(sharedSecret),
		ttl:    ttl,
		prefix: usernamePrefix,
		now:    time.Now,
	}, nil
}

// Mint derives credentials scoped to the given connection id. The id ends up
// in the TURN username, so coturn logs can be correlated with relay logs.
func (g *Generator) Mint(connID string) (Credentials, error) {
	if connID == "" || strings.Contains(connID, ":") {
		return Credentials{}, errors.New("connection id must be non-empty and contain no ':'")
	}

	expires := g.now().UTC().Add(g.ttl)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, connID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expires,
	}, nil
}
