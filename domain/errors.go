package domain

import "errors"

var (
	ErrChallengeNotFound = errors.New("verification challenge not found")
	ErrChallengeExpired  = errors.New("verification challenge expired")
	ErrRecordExists      = errors.New("verification record already exists for this guild")
)
