// Package users stores kitchen accounts. Passwords are kept as bcrypt
// hashes; accounts registered under a configured admin email get the admin
// role.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrExists             = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("email and password are required")
)

type User struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Repo struct {
	DB     *pgxpool.Pool
	Cost   int
	Admins map[string]bool
}

func NewRepo(db *pgxpool.Pool, adminEmails []string) *Repo {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[normalize(e)] = true
	}
	return &Repo{DB: db, Cost: bcrypt.DefaultCost, Admins: admins}
}

// RoleFor is the role an account with this email is created with.
func (r *Repo) RoleFor(email string) string {
	if r.Admins[normalize(email)] {
		return "admin"
	}
	return "customer"
}

func normalize(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func (r *Repo) Register(ctx context.Context, email, password string) (User, error) {
	email = normalize(email)
	if email == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.Cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	var u User
	err = r.DB.QueryRow(ctx, `
		INSERT INTO users(email, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING email, role`, email, string(hash), r.RoleFor(email)).Scan(&u.Email, &u.Role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrExists
		}
		return User{}, err
	}
	return u, nil
}

func (r *Repo) Login(ctx context.Context, email, password string) (User, error) {
	email = normalize(email)
	if email == "" || password == "" {
		return User{}, ErrInvalidInput
	}
	var (
		u    User
		hash string
	)
	err := r.DB.QueryRow(ctx, `SELECT email, role, password_hash FROM users WHERE email=$1`, email).Scan(&u.Email, &u.Role, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}
