package models

import (
	"time"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

const RoleUser = "ROLE_USER"

type User struct {
	PhoneNumber  string    `json:"phone" dynamodbav:"phone_number"`
	Email        string    `json:"email,omitempty" dynamodbav:"email,omitempty"`
	Name         string    `json:"name,omitempty" dynamodbav:"name,omitempty"`
	PasswordHash string    `json:"password,omitempty" dynamodbav:"password_hash,omitempty"`
	Status       string    `json:"status,omitempty" dynamodbav:"status,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER!" + u.PhoneNumber
}

func (u *User) GetSK() string {
	return "METADATA"
}

// Registration is the payload sent to the user directory on sign-up.
type Registration struct {
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}
