package license

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carry a license descriptor inside a signed token. The token id is
// the license key and it expires at the end of the license's last day.
type Claims struct {
	Owner   string `json:"owner,omitempty"`
	Quota   int    `json:"quota"`
	EndDate Date   `json:"endDate"`
	jwt.RegisteredClaims
}

var tokenMethods = []string{jwt.SigningMethodEdDSA.Alg(), jwt.SigningMethodHS256.Alg()}

// SignToken signs info with key: an ed25519.PrivateKey for EdDSA or a []byte
// secret for HS256.
func SignToken(info Info, key any) (string, error) {
	if err := info.validate(); err != nil {
		return "", err
	}
	var method jwt.SigningMethod
	switch key.(type) {
	case []byte:
		method = jwt.SigningMethodHS256
	default:
		method = jwt.SigningMethodEdDSA
	}
	claims := Claims{
		Owner:   info.Owner,
		Quota:   info.Quota,
		EndDate: info.EndDate,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        info.Key,
			Subject:   info.Owner,
			ExpiresAt: jwt.NewNumericDate(info.EndDate.AddDays(1).Time()),
		},
	}
	return jwt.NewWithClaims(method, claims).SignedString(key)
}

// ParseToken verifies token with key (an ed25519.PublicKey or a []byte
// secret) and returns the descriptor it carries. A token past its license's
// end date yields ErrLicenseExpired.
func ParseToken(token string, key any) (Info, error) {
	return parseToken(token, key, time.Now)
}

func parseToken(token string, key any, now func() time.Time) (Info, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(tokenMethods), jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Info{}, fmt.Errorf("%w: %v", ErrLicenseExpired, err)
		}
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}
	info := Info{Key: claims.ID, Owner: claims.Owner, Quota: claims.Quota, EndDate: claims.EndDate}
	if err := info.validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// isToken reports whether data looks like a compact JWS rather than JSON.
func isToken(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] != '{' && bytes.Count(data, []byte(".")) == 2
}
