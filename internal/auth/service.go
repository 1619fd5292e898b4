// Package auth handles API users and the bearer tokens that guard the HTTP
// surface. API users are operators of this service, unrelated to the
// Microsoft 365 directory users whose mail is collected.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is one API account. The password hash stays out of JSON.
type User struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrInvalidCredentials = errors.New("invalid username or password")

// Service manages API accounts backed by the api_users table.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateUser registers an account with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_users (username, password, created_at) VALUES (?, ?, ?)`,
		username, string(hashed), now,
	)
	if err != nil {
		return nil, err
	}

	return &User{Username: username, CreatedAt: now}, nil
}

// ValidateUser checks a username/password pair. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *Service) ValidateUser(ctx context.Context, username, password string) (*User, error) {
	var hashed string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT password, created_at FROM api_users WHERE username = ?`,
		username,
	).Scan(&hashed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return &User{Username: username, CreatedAt: createdAt}, nil
}
