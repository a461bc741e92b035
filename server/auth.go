package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer   = "cellsim"
	tokenAudience = "operator"
	tokenTTL      = 7 * 24 * time.Hour
	secretKey     = "operator_jwt_secret"
	secretLen     = 32

	bcryptCost     = 12
	minPasswordLen = 8
	minUsernameLen = 2
	maxUsernameLen = 16

	// Failed logins allowed per address within loginWindow.
	maxLoginAttempts = 10
	loginWindow      = time.Minute
)

var (
	errInvalidLogin    = errors.New("invalid username or password")
	errInvalidToken    = errors.New("invalid token")
	errUsernameTaken   = errors.New("username already taken")
	errTooManyAttempts = errors.New("too many failed logins, try again later")
	errBadUsername     = fmt.Errorf("username must be %d-%d letters, digits, '-' or '_'", minUsernameLen, maxUsernameLen)
	errWeakPassword    = fmt.Errorf("password must be at least %d characters", minPasswordLen)
)

// operatorClaims is the JWT body handed to operators. The subject carries
// the operator id.
type operatorClaims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Auth issues and checks operator credentials.
type Auth struct {
	db     *DB
	secret []byte
	logins *loginLimiter
}

// NewAuth creates the operator authenticator, reusing the signing secret
// stored in db.
func NewAuth(db *DB) *Auth {
	return &Auth{
		db:     db,
		secret: signingSecret(db),
		logins: newLoginLimiter(maxLoginAttempts, loginWindow),
	}
}

// signingSecret returns the persisted HMAC secret, creating it on first use.
func signingSecret(db *DB) []byte {
	if b, err := hex.DecodeString(db.GetSetting(secretKey)); err == nil && len(b) == secretLen {
		return b
	}
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		panic("operator secret: " + err.Error())
	}
	if err := db.SetSetting(secretKey, hex.EncodeToString(secret)); err != nil {
		log.Printf("auth: secret not persisted, tokens end with this process: %v", err)
	}
	return secret
}

func validUsername(name string) bool {
	if n := utf8.RuneCountInString(name); n < minUsernameLen || n > maxUsernameLen {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Register creates an operator account and returns its id and a token.
func (a *Auth) Register(username, password string) (int64, string, error) {
	username = strings.TrimSpace(username)
	if !validUsername(username) {
		return 0, "", errBadUsername
	}
	if len(password) < minPasswordLen {
		return 0, "", errWeakPassword
	}
	taken, err := a.db.UsernameExists(username)
	if err != nil {
		log.Printf("auth: lookup %q: %v", username, err)
		return 0, "", errors.New("database error")
	}
	if taken {
		return 0, "", errUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return 0, "", fmt.Errorf("hash password: %w", err)
	}
	id, err := a.db.CreateOperator(username, string(hash))
	if err != nil {
		// Lost a race with another registration of the same name.
		return 0, "", errUsernameTaken
	}
	log.Printf("auth: operator %q registered", username)
	token, err := a.issue(id, username)
	return id, token, err
}

// Login checks an operator's password. Failed attempts are counted per
// address; a success clears the count.
func (a *Auth) Login(username, password, addr string) (int64, string, error) {
	if !a.logins.allow(addr) {
		return 0, "", errTooManyAttempts
	}
	op, err := a.db.GetOperatorByUsername(strings.TrimSpace(username))
	if err != nil {
		log.Printf("auth: lookup %q: %v", username, err)
		return 0, "", errors.New("database error")
	}
	if op == nil || bcrypt.CompareHashAndPassword([]byte(op.PassHash), []byte(password)) != nil {
		a.logins.fail(addr)
		return 0, "", errInvalidLogin
	}
	a.logins.clear(addr)
	token, err := a.issue(op.ID, op.Username)
	return op.ID, token, err
}

// ValidateToken returns the operator id and username a token was issued to.
func (a *Auth) ValidateToken(token string) (int64, string, error) {
	var claims operatorClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
	)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 || claims.Username == "" {
		return 0, "", errInvalidToken
	}
	return id, claims.Username, nil
}

func (a *Auth) issue(id int64, username string) (string, error) {
	now := time.Now()
	claims := operatorClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			Subject:   strconv.FormatInt(id, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// loginLimiter counts failed logins per address in fixed windows.
type loginLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	failures map[string]*failureWindow
}

type failureWindow struct {
	count int
	until time.Time
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{limit: limit, window: window, failures: make(map[string]*failureWindow)}
}

func (l *loginLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.failures[addr]
	if !ok {
		return true
	}
	if time.Now().After(f.until) {
		delete(l.failures, addr)
		return true
	}
	return f.count < l.limit
}

func (l *loginLimiter) fail(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	// Drop every expired window, not just this address's.
	for k, f := range l.failures {
		if now.After(f.until) {
			delete(l.failures, k)
		}
	}
	f, ok := l.failures[addr]
	if !ok {
		f = &failureWindow{until: now.Add(l.window)}
		l.failures[addr] = f
	}
	f.count++
}

func (l *loginLimiter) clear(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, addr)
}
