package store

import "errors"

var (
	ErrRecordNotFound = errors.New("notification record not found")
	ErrRecordExists   = errors.New("notification record already exists")
	ErrConflict       = errors.New("record changed concurrently, retries exhausted")
	ErrUnknownEnv     = errors.New("no redis client configured for environment")
)
