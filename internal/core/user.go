package core

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/edvin/cronmaster/internal/model"
)

const sessionTTL = 7 * 24 * time.Hour

// UserService owns the users and user_sessions tables. It supplies the
// authenticated user_id the rest of the repository scopes by.
type UserService struct {
	db DB
}

func NewUserService(db DB) *UserService {
	return &UserService{db: db}
}

const userColumns = `id, name, email, password_hash, account_status, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.AccountStatus, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	return u, nil
}

// Register creates a user with an argon2id password hash. A duplicate email
// surfaces as ErrConflict.
func (s *UserService) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: name and a valid email are required", ErrValidation)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	hash, err := hashArgon2(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, account_status)
		 VALUES ($1, $2, $3, $4) RETURNING `+userColumns,
		name, email, hash, model.AccountStatusActive,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", translateDBError(err))
	}
	return &u, nil
}

// Login verifies credentials and opens a session, returning the opaque token.
// Suspended and deleted accounts cannot log in.
func (s *UserService) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", ErrNotFound)
	}
	if !verifyArgon2(password, u.PasswordHash) {
		return nil, "", fmt.Errorf("login: %w", ErrNotFound)
	}
	if u.AccountStatus != model.AccountStatusActive {
		return nil, "", fmt.Errorf("%w: account is %s", ErrValidation, u.AccountStatus)
	}

	token := uuid.NewString()
	_, err = s.db.Exec(ctx,
		`INSERT INTO user_sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, u.ID, time.Now().UTC().Add(sessionTTL),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert session: %w", err)
	}
	return &u, token, nil
}

// Logout removes the session. Unknown tokens are a no-op.
func (s *UserService) Logout(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM user_sessions WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UserByToken resolves a session token to its active user.
func (s *UserService) UserByToken(ctx context.Context, token string) (*model.User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT u.id, u.name, u.email, u.password_hash, u.account_status, u.created_at, u.updated_at
		   FROM user_sessions sess JOIN users u ON u.id = sess.user_id
		  WHERE sess.token = $1 AND sess.expires_at > now() AND u.account_status = $2`,
		token, model.AccountStatusActive,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", translateDBError(err))
	}
	return &u, nil
}

// hashArgon2 produces a PHC-format argon2id hash.
// Format: $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func hashArgon2(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	const (
		memory      = 64 * 1024
		iterations  = 3
		parallelism = 4
		keyLen      = 32
	)
	key := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyArgon2 checks a password against a PHC-format argon2id hash.
func verifyArgon2(password, hash string) bool {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	paramParts := strings.Split(parts[3], ",")
	if len(paramParts) != 3 {
		return false
	}
	memory, err := parseParam(paramParts[0], "m=")
	if err != nil {
		return false
	}
	iterations, err := parseParam(paramParts[1], "t=")
	if err != nil {
		return false
	}
	parallelism, err := parseParam(paramParts[2], "p=")
	if err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, uint32(iterations), uint32(memory), uint8(parallelism), uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func parseParam(s, prefix string) (int, error) {
	if !strings.HasPrefix(s, prefix) {
		return 0, fmt.Errorf("missing prefix %s", prefix)
	}
	return strconv.Atoi(s[len(prefix):])
}
