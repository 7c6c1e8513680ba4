package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshToken struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	PhoneNumber string    `json:"phoneNumber"`
	ExpiryDate  time.Time `json:"expiryDate"`
	IssuedAt    time.Time `json:"issuedAt"`
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t.ExpiryDate.Before(now)
}

// AuthSession is what a successful authentication hands back to the caller.
type AuthSession struct {
	Phone  string
	Tokens *TokenPair
}
