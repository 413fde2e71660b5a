package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens within expiryLeeway of their expiry count as expired.
const expiryLeeway = time.Minute

// Session is the cached Garmin authentication state. The OAuth1 token is
// long-lived and exchanged for a fresh OAuth2 access token when that expires;
// RefreshExpiresAt is when the OAuth1 token stops being accepted.
type Session struct {
	Email             string    `json:"email"`
	OAuth1Token       string    `json:"oauth1_token"`
	OAuth1TokenSecret string    `json:"oauth1_token_secret"`
	MFAToken          string    `json:"mfa_token,omitempty"`
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	TokenType         string    `json:"token_type"`
	ExpiresAt         time.Time `json:"expires_at"`
	RefreshExpiresAt  time.Time `json:"refresh_expires_at"`
}

// AccessValid reports whether the access token can still be used at now.
func (s *Session) AccessValid(now time.Time) bool {
	return s.AccessToken != "" && now.Add(expiryLeeway).Before(s.ExpiresAt)
}

// Refreshable reports whether the OAuth1 token can still be exchanged at now.
func (s *Session) Refreshable(now time.Time) bool {
	return s.OAuth1Token != "" && s.OAuth1TokenSecret != "" && now.Add(expiryLeeway).Before(s.RefreshExpiresAt)
}

func (s *Session) oauth1() oauth1Credentials {
	return oauth1Credentials{
		Token:     s.OAuth1Token,
		Secret:    s.OAuth1TokenSecret,
		MFAToken:  s.MFAToken,
		ExpiresAt: s.RefreshExpiresAt,
	}
}

// oauth1Credentials is the token returned by the preauthorized endpoint.
type oauth1Credentials struct {
	Token     string
	Secret    string
	MFAToken  string
	ExpiresAt time.Time
}

// oauth2Token is the body returned by the Garmin token exchange endpoint.
type oauth2Token struct {
	Scope                 string `json:"scope"`
	JTI                   string `json:"jti"`
	TokenType             string `json:"token_type"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// newSession builds a Session from the OAuth1 credentials and the token
// exchange response. When expires_in is missing the exp claim of the access
// token is used instead.
func newSession(email string, credentials oauth1Credentials, token oauth2Token, now time.Time) (*Session, error) {
	if token.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	session := &Session{
		Email:             email,
		OAuth1Token:       credentials.Token,
		OAuth1TokenSecret: credentials.Secret,
		MFAToken:          credentials.MFAToken,
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		TokenType:         token.TokenType,
		RefreshExpiresAt:  credentials.ExpiresAt,
	}
	if session.TokenType == "" {
		session.TokenType = "Bearer"
	}

	if token.ExpiresIn > 0 {
		session.ExpiresAt = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	} else {
		exp, err := TokenExpiry(token.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to determine token expiry: %w", err)
		}
		session.ExpiresAt = exp
	}

	return session, nil
}

// TokenExpiry reads the exp claim of a JWT access token without verifying its
// signature.
func TokenExpiry(accessToken string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, err
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

func encodeSession(s *Session, key *[32]byte) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	if key == nil {
		return data, nil
	}
	return Seal(data, key)
}

func decodeSession(data []byte, key *[32]byte) (*Session, error) {
	if key != nil {
		plain, err := Open(data, key)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &s, nil
}
