package db

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows         = errors.New("no rows found")
	ErrUsernameExists = errors.New("username already exists")
)

const defaultCost = bcrypt.DefaultCost

type options struct {
	cost int
}

// Option adjusts a store at construction time.
type Option func(*options)

// WithBcryptCost sets the password hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.cost = cost }
}

func buildOptions(opts []Option) options {
	o := options{cost: defaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func hashPassword(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func checkPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
