package base

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/soldatov-s/dbpool/x/stringsx"
)

// Enity holds naming and logging shared by every runnable part of the
// application (pool providers, http servers).
type Enity struct {
	name         string
	providerName string
	shuttingDown atomic.Bool
}

type EnityDeps struct {
	Name         string
	ProviderName string
}

func NewEnity(deps *EnityDeps) *Enity {
	return &Enity{
		name:         deps.Name,
		providerName: deps.ProviderName,
	}
}

func (e *Enity) GetName() string {
	return e.name
}

func (e *Enity) GetProviderName() string {
	return e.providerName
}

func (e *Enity) GetFullName() string {
	return stringsx.JoinStrings("_", e.providerName, e.name)
}

func (e *Enity) GetLogger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx).With().
		Str("provider_type", e.providerName).
		Str("enity_name", e.name).
		Logger()
	return &logger
}

func (e *Enity) IsShuttingDown() bool {
	return e.shuttingDown.Load()
}

func (e *Enity) SetShuttingDown(v bool) {
	e.shuttingDown.Store(v)
}
