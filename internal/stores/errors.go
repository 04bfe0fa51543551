package stores

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrAlreadyUsed        = errors.New("record already used")
	ErrExpired            = errors.New("record expired")
	ErrRevoked            = errors.New("record revoked")
	ErrAttemptsExceeded   = errors.New("record attempts exceeded")
	ErrBackendUnavailable = errors.New("store backend unavailable")
	ErrContention         = errors.New("store transaction contention")
	ErrRecordExists       = errors.New("record already exists")

	ErrEmailTaken       = errors.New("email already registered")
	ErrProviderLinked   = errors.New("provider already linked")
	ErrPasswordExists   = errors.New("password already set")
	ErrLastLoginMethod  = errors.New("cannot remove last login method")
	ErrMethodNotLinked  = errors.New("login method not linked")
	ErrCorruptRecord    = errors.New("corrupt record")
	ErrInvalidRecordKey = errors.New("invalid record key")
)
