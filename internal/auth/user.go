package auth

import (
	"context"
	"strings"
	"time"

	"jp2web/internal/errors"

	"gorm.io/gorm"
)

type User struct {
	ID           uint64    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;default:now()"`
}

func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

type Users struct {
	DB *gorm.DB
}

// Register creates a user. An email already in use is ErrConflict.
func (u *Users) Register(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") || len(password) < MinPasswordLength {
		return nil, errors.InvalidInputf("email and a password of at least %d characters are required", MinPasswordLength)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{Email: email, PasswordHash: hash}
	if err := u.DB.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Mark(errors.Newf("email %s already used", email), errors.ErrConflict)
		}
		return nil, errors.Wrap(err, "create user")
	}
	return user, nil
}

// Authenticate returns the user for valid credentials and ErrNotFound
// otherwise, without telling which part was wrong.
func (u *Users) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var user User
	if err := u.DB.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFoundf("invalid credentials")
		}
		return nil, errors.Wrap(err, "load user")
	}
	if !ComparePassword(user.PasswordHash, password) {
		return nil, errors.NotFoundf("invalid credentials")
	}
	return &user, nil
}
