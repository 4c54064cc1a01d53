package appcfg

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("appcfg: not found")
	ErrAlreadyExists = errors.New("appcfg: name already exists")
)

// AppConfig describes one bot application and the upstream provider it
// talks to. APISecretEnc holds the provider credential in vault format;
// plaintext secrets never reach this struct.
type AppConfig struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	APISecretEnc string
	SystemPrompt string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
