package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lendpool/crypto"
)

const (
	scopeActor    = "actor"
	scopeOperator = "operator"
)

// AuthConfig configures wallet login and bearer tokens.
type AuthConfig struct {
	HMACSecret   string
	Issuer       string
	Audience     string
	Domain       string
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
	Operators    []common.Address
	ClockSkew    time.Duration
	// MaxChallengesPerAddress bounds unexpired challenges for one address; the
	// oldest is dropped when a new one is issued past the bound.
	MaxChallengesPerAddress int
	// MaxPendingChallenges bounds unexpired challenges across all addresses.
	MaxPendingChallenges int
}

const (
	defaultChallengesPerAddress = 4
	defaultPendingChallenges    = 10000
)

var errChallengeLimit = errors.New("too many outstanding login challenges")

type actorContextKey struct{}

type principal struct {
	Actor  common.Address
	Scopes []string
}

func (p principal) has(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, actorContextKey{}, p)
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(actorContextKey{}).(principal)
	return p, ok
}

type challenge struct {
	nonce   string
	message string
	expires time.Time
}

// authenticator issues login challenges and session tokens. An actor proves
// control of an address by signing the challenge text.
type authenticator struct {
	cfg       AuthConfig
	secret    []byte
	operators map[common.Address]struct{}
	now       func() time.Time

	mu         sync.Mutex
	challenges map[common.Address][]challenge
	pending    int
}

func newAuthenticator(cfg AuthConfig, now func() time.Time) (*authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if cfg.MaxChallengesPerAddress <= 0 {
		cfg.MaxChallengesPerAddress = defaultChallengesPerAddress
	}
	if cfg.MaxPendingChallenges <= 0 {
		cfg.MaxPendingChallenges = defaultPendingChallenges
	}
	operators := make(map[common.Address]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op] = struct{}{}
	}
	return &authenticator{
		cfg:        cfg,
		secret:     secret,
		operators:  operators,
		now:        now,
		challenges: make(map[common.Address][]challenge),
	}, nil
}

// challenge returns the message the actor has to sign. It fails with
// errChallengeLimit when the pending set is full.
func (a *authenticator) challenge(addr common.Address) (nonce, message string, expires time.Time, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.pruneLocked(now)
	list := a.challenges[addr]
	if len(list) >= a.cfg.MaxChallengesPerAddress {
		list = list[1:]
		a.pending--
	} else if a.pending >= a.cfg.MaxPendingChallenges {
		return "", "", time.Time{}, errChallengeLimit
	}
	nonce = uuid.NewString()
	message = crypto.LoginMessage(a.cfg.Domain, addr, nonce, now)
	expires = now.Add(a.cfg.ChallengeTTL)
	a.challenges[addr] = append(list, challenge{nonce: nonce, message: message, expires: expires})
	a.pending++
	return nonce, message, expires, nil
}

// login consumes a challenge and issues a token when sig recovers to addr.
func (a *authenticator) login(addr common.Address, nonce string, sig []byte) (string, time.Time, error) {
	ch, ok := a.take(addr, nonce)
	now := a.now()
	if !ok || now.After(ch.expires) {
		return "", time.Time{}, fmt.Errorf("%w: unknown or expired challenge", errUnauthorized)
	}
	if err := crypto.VerifyText(addr, ch.message, sig); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return a.issue(addr, now)
}

func (a *authenticator) take(addr common.Address, nonce string) (challenge, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.challenges[addr]
	for i, ch := range list {
		if ch.nonce != nonce {
			continue
		}
		rest := append(list[:i:i], list[i+1:]...)
		if len(rest) == 0 {
			delete(a.challenges, addr)
		} else {
			a.challenges[addr] = rest
		}
		a.pending--
		return ch, true
	}
	return challenge{}, false
}

func (a *authenticator) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *authenticator) issue(addr common.Address, now time.Time) (string, time.Time, error) {
	scopes := []string{scopeActor}
	if _, ok := a.operators[addr]; ok {
		scopes = append(scopes, scopeOperator)
	}
	expires := now.Add(a.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"sub":   addr.Hex(),
		"iss":   a.cfg.Issuer,
		"aud":   a.cfg.Audience,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
		"jti":   randomID(),
		"scope": strings.Join(scopes, " "),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

func (a *authenticator) parse(tokenString string) (principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return principal{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return principal{}, errors.New("claims not map")
	}
	sub, err := claims.GetSubject()
	if err != nil || !common.IsHexAddress(sub) {
		return principal{}, errors.New("invalid subject")
	}
	scope, _ := claims["scope"].(string)
	return principal{Actor: common.HexToAddress(sub), Scopes: strings.Fields(scope)}, nil
}

// middleware rejects requests without a valid bearer token or missing one of
// the required scopes.
func (a *authenticator) middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized", RequestID: requestID(r.Context())})
				return
			}
			p, err := a.parse(tokenString)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token", Code: "unauthorized", RequestID: requestID(r.Context())})
				return
			}
			for _, scope := range required {
				if !p.has(scope) {
					writeJSON(w, http.StatusForbidden, errorBody{Error: "insufficient scope", Code: "forbidden", RequestID: requestID(r.Context())})
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func (a *authenticator) pruneLocked(now time.Time) {
	for addr, list := range a.challenges {
		live := list[:0]
		for _, ch := range list {
			if now.After(ch.expires) {
				a.pending--
				continue
			}
			live = append(live, ch)
		}
		if len(live) == 0 {
			delete(a.challenges, addr)
		} else {
			a.challenges[addr] = live
		}
	}
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func randomID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf[:])
}
