package config

import "time"

const (
	// Protocol
	MaxRoomIDRunes   = 128
	MaxEmojiRunes    = 16
	MaxClientIDRunes = 128

	// Timeouts
	DefaultRequestTimeout = 10 * time.Second
	DefaultHistoryTimeout = 5 * time.Second
)
