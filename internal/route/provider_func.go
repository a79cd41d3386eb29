package route

import (
	"context"

	"github.com/bastionhq/bastion/internal/capability"
)

// FuncProvider adapts plain functions to the Provider interface. Used for
// local stub providers and in tests; real deployments register providers
// that wrap an actual sandbox or remote executor.
type FuncProvider struct {
	ProviderID   string
	Capabilities []capability.Capability
	Prio         int
	InSandbox    bool
	HealthFn     func(ctx context.Context) Health
	ExecuteFn    func(ctx context.Context, intent capability.ActionIntent) (capability.ExecResult, error)
}

func (p *FuncProvider) ID() string { return p.ProviderID }

func (p *FuncProvider) Supports(c capability.Capability) bool {
	for _, s := range p.Capabilities {
		if s == c {
			return true
		}
	}
	return false
}

func (p *FuncProvider) Health(ctx context.Context) Health {
	if p.HealthFn == nil {
		return HealthHealthy
	}
	return p.HealthFn(ctx)
}

func (p *FuncProvider) Sandboxed() bool { return p.InSandbox }

func (p *FuncProvider) Priority() int { return p.Prio }

func (p *FuncProvider) Execute(ctx context.Context, intent capability.ActionIntent) (capability.ExecResult, error) {
	if p.ExecuteFn == nil {
		return capability.ExecResult{Status: capability.ExecStatusOK, OutputJSON: "{}"}, nil
	}
	return p.ExecuteFn(ctx, intent)
}
