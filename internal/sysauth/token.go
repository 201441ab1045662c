package sysauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 5 * time.Minute

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid system token")

// Identity is the system principal recovered from a verified token.
type Identity struct {
	AccessKey string
	UID       string
	Region    string
	TokenID   string
}

// TokenSigner attaches an HS256 bearer token signed with the system secret.
// The uid and region claims are copied from the request's system parameters.
type TokenSigner struct {
	Issuer string
	TTL    time.Duration

	now func() time.Time
}

// NewTokenSigner creates a token signer. A zero ttl uses five minutes.
func NewTokenSigner(issuer string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenSigner{Issuer: issuer, TTL: ttl, now: time.Now}
}

// Sign implements Signer. payloadHash is carried as a claim so the peer can
// check it against the body when it is known.
func (s *TokenSigner) Sign(req *http.Request, key SystemKey, payloadHash string) error {
	query := req.URL.Query()
	token, err := s.GenerateToken(key, query.Get(ParamUID), query.Get(ParamRegion), payloadHash)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// GenerateToken mints a token for uid on behalf of region.
func (s *TokenSigner) GenerateToken(key SystemKey, uid, region, payloadHash string) (string, error) {
	if key.IsEmpty() {
		return "", ErrMissingKey
	}

	now := s.now().UTC()
	claims := jwt.MapClaims{
		"sub":    key.AccessKey,
		"uid":    uid,
		"region": region,
		"jti":    uuid.New().String(),
		"iat":    now.Unix(),
		"exp":    now.Add(s.TTL).Unix(),
	}
	if s.Issuer != "" {
		claims["iss"] = s.Issuer
	}
	if payloadHash != "" {
		claims["payload_hash"] = payloadHash
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign system token: %w", err)
	}
	return signed, nil
}

// TokenVerifier validates system tokens against a set of known keys.
type TokenVerifier struct {
	secrets map[string]string
}

// NewTokenVerifier trusts every key in keys.
func NewTokenVerifier(keys ...SystemKey) *TokenVerifier {
	secrets := make(map[string]string, len(keys))
	for _, k := range keys {
		if !k.IsEmpty() {
			secrets[k.AccessKey] = k.SecretKey
		}
	}
	return &TokenVerifier{secrets: secrets}
}

// Verify parses and validates tokenString.
func (v *TokenVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("missing subject")
		}
		secret, ok := v.secrets[sub]
		if !ok {
			return nil, fmt.Errorf("unknown access key %q", sub)
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	id := &Identity{}
	id.AccessKey, _ = claims.GetSubject()
	id.UID, _ = claims["uid"].(string)
	id.Region, _ = claims["region"].(string)
	id.TokenID, _ = claims["jti"].(string)
	return id, nil
}

// VerifyRequest extracts and verifies the bearer token on r.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: missing authorization header", ErrInvalidToken)
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return nil, fmt.Errorf("%w: expected bearer token", ErrInvalidToken)
	}
	return v.Verify(tokenString)
}
