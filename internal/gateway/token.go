package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session token errors.
var (
	ErrTokenMalformed = errors.New("gateway: malformed session token")
	ErrTokenSignature = errors.New("gateway: session token signature mismatch")
	ErrTokenExpired   = errors.New("gateway: session token expired")
)

// tokenHeader is the fixed JOSE-style header of a session token. Only HS256
// is ever issued or accepted.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// tokenClaims is the signed payload of a session token.
type tokenClaims struct {
	SID string `json:"sid"`
	Exp int64  `json:"exp"`
}

// SignSessionToken issues an HMAC-SHA256 token binding a session id to an
// expiry: base64url(header) "." base64url(claims) "." base64url(signature),
// with the signature computed over header "." claims.
func SignSessionToken(secret []byte, sid string, exp time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("gateway: empty token secret")
	}
	hdr, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("gateway: marshal header: %w", err)
	}
	payload, err := json.Marshal(tokenClaims{SID: sid, Exp: exp.Unix()})
	if err != nil {
		return "", fmt.Errorf("gateway: marshal claims: %w", err)
	}
	signing := base64.RawURLEncoding.EncodeToString(hdr) + "." +
		base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + sign(secret, signing), nil
}

// VerifySessionToken checks the signature and expiry of token and returns the
// session id it was issued for.
func VerifySessionToken(secret []byte, token string) (string, error) {
	signing, sig, ok := lastCut(token, ".")
	if !ok || sig == "" {
		return "", ErrTokenMalformed
	}
	hdrPart, payloadPart, ok := strings.Cut(signing, ".")
	if !ok || hdrPart == "" || payloadPart == "" {
		return "", ErrTokenMalformed
	}
	if !hmac.Equal([]byte(sign(secret, signing)), []byte(sig)) {
		return "", ErrTokenSignature
	}

	hdrRaw, err := base64.RawURLEncoding.DecodeString(hdrPart)
	if err != nil {
		return "", ErrTokenMalformed
	}
	var hdr tokenHeader
	if err := json.Unmarshal(hdrRaw, &hdr); err != nil {
		return "", ErrTokenMalformed
	}
	if hdr.Alg != "HS256" {
		return "", ErrTokenMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return "", ErrTokenMalformed
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrTokenMalformed
	}
	if claims.SID == "" || claims.Exp == 0 {
		return "", ErrTokenMalformed
	}
	if time.Now().Unix() >= claims.Exp {
		return "", ErrTokenExpired
	}
	return claims.SID, nil
}

func sign(secret []byte, signing string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signing))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// lastCut splits s around the final instance of sep.
func lastCut(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
