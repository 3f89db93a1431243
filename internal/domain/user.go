// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen = 64
	MaxRoomIDLen = 64
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type UserID string

// NewUserID trims and validates a user identifier taken from the signaling URL.
func NewUserID(raw string) (UserID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(raw), nil
}
