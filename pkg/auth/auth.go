// Package auth implements the CORE's user, permission, and personal-access-
// token storage (spec §4.6: "users map, permissions, personal-access-token
// store"). Policy evaluation itself is out of scope (spec §1 Non-goals:
// "Authentication/authorization policy evaluation — treated as a capability
// check the CORE consults") — this package owns the data and the narrow
// Checker interface a transport layer consults, not the decision logic.
//
// Grounded on the teacher's todo-api auth service (bcrypt password hashing,
// JWT issuance via golang-jwt/jwt/v5) generalized from a single-role HTTP
// login flow to the spec's username/password users plus independently
// issued personal access tokens, both gated by a stored, revocable
// permission set.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxorio/streamline/pkg/apperr"
)

// Permissions is the set of capabilities a user or token carries. Policy
// evaluation against these lives outside the CORE; this is storage only.
type Permissions struct {
	Global    GlobalPermissions
	Streams   map[uint32]StreamPermissions
}

// GlobalPermissions gates CORE-wide administrative operations.
type GlobalPermissions struct {
	ManageServers bool
	ReadServers   bool
	ManageUsers   bool
	ReadUsers     bool
	ManageStreams bool
	ReadStreams   bool
}

// StreamPermissions gates operations scoped to one stream.
type StreamPermissions struct {
	ManageStream bool
	ReadStream   bool
	ManageTopics bool
	ReadTopics   bool
	PollMessages bool
	SendMessages bool
}

// User is one authenticable principal (spec §4.6 users map).
type User struct {
	ID           uint32
	Username     string
	PasswordHash string
	Permissions  Permissions
	CreatedAt    time.Time
	Status       UserStatus
}

// UserStatus mirrors the original's active/inactive toggle without deleting
// the account (preserves audit history and token references).
type UserStatus uint8

const (
	StatusActive UserStatus = iota
	StatusInactive
)

// PersonalAccessToken is an independently issued, revocable credential tied
// to a user, distinct from the short-lived session token issued at login
// (spec §4.6 personal-access-token store).
type PersonalAccessToken struct {
	Name      string
	UserID    uint32
	TokenHash string // sha-less: stored as the bcrypt hash of the raw token, never the plaintext
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Checker is the narrow capability-check interface a transport or command
// dispatcher consults before honoring a request (spec §1: "treated as a
// capability check the CORE consults", not a policy engine the CORE owns).
type Checker interface {
	Can(userID uint32, check func(Permissions) bool) bool
}

// Store holds users and personal access tokens, replayed into existence by
// the StateLog rather than loaded from a separate database (spec §4.6:
// "Rebuild permission tables" on startup).
type Store struct {
	mu sync.RWMutex

	users        map[uint32]*User
	usernameToID map[string]uint32
	nextUserID   uint32

	tokens map[string]*PersonalAccessToken // keyed by token name, scoped by UserID

	sessionSecret []byte
}

// New creates an empty Store. sessionSecret signs issued session tokens; it
// is provided by configuration (spec §6.4), never generated implicitly.
func New(sessionSecret []byte) *Store {
	return &Store{
		users:        make(map[uint32]*User),
		usernameToID: make(map[string]uint32),
		tokens:       make(map[string]*PersonalAccessToken),
		sessionSecret: sessionSecret,
	}
}

// CreateUser hashes the password and registers a new user, enforcing
// username uniqueness (spec §7 CodeUsernameAlreadyExists).
func (s *Store) CreateUser(userID uint32, username, password string, perms Permissions, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(username) == 0 || len(username) > 64 {
		return nil, apperr.ErrInvalidUsername
	}
	if len(password) < 8 {
		return nil, apperr.ErrInvalidPassword
	}
	if _, ok := s.usernameToID[username]; ok {
		return nil, apperr.ErrUsernameAlreadyExists
	}
	if userID == 0 {
		userID = s.nextUserID + 1
	}
	if _, ok := s.users[userID]; ok {
		return nil, apperr.New(apperr.CodeUserNotFound, "user id already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidPassword, "hash password", err)
	}

	u := &User{
		ID:           userID,
		Username:     username,
		PasswordHash: string(hash),
		Permissions:  perms,
		CreatedAt:    now,
		Status:       StatusActive,
	}
	s.users[userID] = u
	s.usernameToID[username] = userID
	if userID >= s.nextUserID {
		s.nextUserID = userID
	}
	return u, nil
}

// DeleteUser removes a user and every personal access token it owns.
func (s *Store) DeleteUser(userID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	delete(s.users, userID)
	delete(s.usernameToID, u.Username)
	for name, t := range s.tokens {
		if t.UserID == userID {
			delete(s.tokens, name)
		}
	}
	return nil
}

// SetUserPermissions replaces a user's permission set (state-log-applied
// administrative mutation).
func (s *Store) SetUserPermissions(userID uint32, perms Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.Permissions = perms
	return nil
}

// Authenticate verifies a username/password pair and returns the matching
// user (spec §7 Unauthenticated/InvalidCredentials).
func (s *Store) Authenticate(username, password string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.usernameToID[username]
	if !ok {
		return nil, apperr.ErrInvalidCredentials
	}
	u := s.users[userID]
	if u.Status != StatusActive {
		return nil, apperr.ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.ErrInvalidCredentials
	}
	return u, nil
}

// IssueSessionToken signs a short-lived JWT asserting userID, the way the
// teacher's todo-api login flow issues a bearer token on successful auth.
func (s *Store) IssueSessionToken(userID uint32, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.sessionSecret)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthenticated, "sign session token", err)
	}
	return signed, nil
}

// VerifySessionToken parses and validates a session token issued by
// IssueSessionToken, returning the asserted user id.
func (s *Store) VerifySessionToken(tokenString string) (uint32, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.sessionSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return 0, apperr.ErrUnauthenticated
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, apperr.ErrUnauthenticated
	}
	idFloat, ok := claims["user_id"].(float64)
	if !ok {
		return 0, apperr.ErrUnauthenticated
	}
	return uint32(idFloat), nil
}

// CreatePersonalAccessToken mints a new raw token for userID, stores only
// its bcrypt hash, and returns the raw value exactly once (it cannot be
// recovered later, matching the original's "shown once at creation" PAT
// semantics). Callers that must journal the creation through the state log
// should use InstallPersonalAccessToken instead, so replay installs the same
// token rather than minting a fresh one.
func (s *Store) CreatePersonalAccessToken(userID uint32, name string, expiry time.Duration, now time.Time) (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", apperr.Wrap(apperr.CodeUnauthenticated, "generate personal access token", err)
	}
	if err := s.InstallPersonalAccessToken(userID, name, raw, expiry, now); err != nil {
		return "", err
	}
	return raw, nil
}

// InstallPersonalAccessToken stores a token record for a raw value the
// caller already chose, rather than generating one internally. A state-log
// replay handler uses this: the raw token is embedded in the journaled
// command at creation time, so replaying the entry reproduces the exact same
// bcrypt hash instead of minting a token the original holder never received.
func (s *Store) InstallPersonalAccessToken(userID uint32, name, raw string, expiry time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return apperr.ErrUserNotFound
	}
	if _, ok := s.tokens[name]; ok {
		return apperr.New(apperr.CodeInvalidCommand, "personal access token name already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnauthenticated, "hash personal access token", err)
	}

	var expiresAt *time.Time
	if expiry > 0 {
		t := now.Add(expiry)
		expiresAt = &t
	}
	s.tokens[name] = &PersonalAccessToken{
		Name:      name,
		UserID:    userID,
		TokenHash: string(hash),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	return nil
}

// RevokePersonalAccessToken deletes a named token.
func (s *Store) RevokePersonalAccessToken(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[name]; !ok {
		return apperr.New(apperr.CodeUserNotFound, "personal access token not found")
	}
	delete(s.tokens, name)
	return nil
}

// AuthenticateWithPersonalAccessToken verifies raw against every non-expired
// token and returns its owning user (spec §7 PersonalAccessTokenExpired).
func (s *Store) AuthenticateWithPersonalAccessToken(raw string, now time.Time) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(raw)) != nil {
			continue
		}
		if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
			return nil, apperr.ErrPersonalAccessTokenExpired
		}
		u, ok := s.users[t.UserID]
		if !ok {
			return nil, apperr.ErrUserNotFound
		}
		return u, nil
	}
	return nil, apperr.ErrInvalidCredentials
}

// Can implements Checker by looking up the user and applying check to its
// stored permission set.
func (s *Store) Can(userID uint32, check func(Permissions) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return false
	}
	return check(u.Permissions)
}

// User looks up a user by id.
func (s *Store) User(userID uint32) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return u, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
