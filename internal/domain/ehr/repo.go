package ehr

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/ehrlink/internal/platform/smart"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrLaunchExpired   = errors.New("launch context expired")
	ErrVersionConflict = errors.New("token state version conflict")
)

type SettingsStore interface {
	// GetSettings returns ErrNotFound when the tenant has never saved
	// settings.
	GetSettings(ctx context.Context, tenantID string) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error
}

// LaunchContextStore holds in-flight authorization attempts. A context can
// be consumed once; an expired context is deleted and reported as
// ErrLaunchExpired.
type LaunchContextStore interface {
	SaveLaunch(ctx context.Context, lc *smart.LaunchContext) error
	ConsumeLaunch(ctx context.Context, state string, now time.Time) (*smart.LaunchContext, error)
	DeleteLaunch(ctx context.Context, state string) error
}

type TokenStore interface {
	GetToken(ctx context.Context, key ConnectionKey) (*TokenState, error)
	// PutToken inserts or replaces the state and bumps its Version.
	PutToken(ctx context.Context, t *TokenState) error
	// CompareAndSwapToken writes t only if the stored Version equals
	// expected, otherwise ErrVersionConflict.
	CompareAndSwapToken(ctx context.Context, t *TokenState, expected int64) error
	DeleteToken(ctx context.Context, key ConnectionKey) error
	MarkStatus(ctx context.Context, key ConnectionKey, status ConnectionStatus, reason string) error
}

// Store is every persistence collaborator the service needs.
type Store interface {
	SettingsStore
	LaunchContextStore
	TokenStore
}
