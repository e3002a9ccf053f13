package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"UniRide/tools/decode"
	"UniRide/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options controls signing and token lifetime.
type Options struct {
	Secret []byte        // HMAC key, from env or the config center
	Alg    string        // HS256/HS384/HS512, HS256 when empty
	TTL    time.Duration // 2h when zero
	Issuer string        // checked on verify when set
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is what a verified token says about its bearer.
type Identity struct {
	UserID string
	Name   string
	Scopes []string
}

// Claims is the decoded payload of an access token.
type Claims struct {
	Subject   string    `json:"sub"`
	Name      string    `json:"name"`
	Scope     []string  `json:"scope"`
	Issuer    string    `json:"iss"`
	ExpiresAt time.Time `json:"exp"`
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate issues a token for userID. The auth service owns issuance in
// production; this is used by tests, the client SDK examples and dev tooling.
func Generate(opts Options, userID, name string, scopes []string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if name != "" {
		claims["name"] = name
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates signature and time claims and decodes the payload.
func Parse(opts Options, token string) (*Claims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired.WrapMsg(err.Error())
		}
		return nil, errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenInvalid.WrapMsg("claims type mismatch")
	}
	c, err := decode.Map[Claims](mc)
	if err != nil {
		return nil, errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	if c.Subject == "" {
		return nil, errs.ErrTokenInvalid.WrapMsg("missing sub")
	}
	return c, nil
}

// Verifier checks bearer tokens against a shared HMAC secret.
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	return &Verifier{opts: opts}, nil
}

func (v *Verifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errs.ErrUnauthenticated.WrapMsg("empty token")
	}
	c, err := Parse(v.opts, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: c.Subject, Name: c.Name, Scopes: c.Scope}, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
