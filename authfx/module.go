// Package authfx wires an authgate.Gateway into an fx application.
package authfx

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/kv"
	"github.com/MrEthical07/authgate/middleware"
	"github.com/MrEthical07/authgate/rbac"
)

// Roles is the role table handed to the gateway. Provide it to override the
// empty default.
type Roles map[string]rbac.Role

// Params are the gateway dependencies. Everything but Config and Store is
// optional.
type Params struct {
	fx.In

	Config     authgate.Config
	Store      kv.Store
	Logger     *zap.Logger              `optional:"true"`
	Roles      Roles                    `optional:"true"`
	Principals authgate.PrincipalSource `optional:"true"`
	AuditSink  authgate.AuditSink       `optional:"true"`
	Tracer     trace.TracerProvider     `optional:"true"`
}

// ProvideGateway builds the gateway from p.
func ProvideGateway(p Params) (*authgate.Gateway, error) {
	b := authgate.New().
		WithConfig(p.Config).
		WithStore(p.Store).
		WithRoles(p.Roles)
	if p.Logger != nil {
		b.WithLogger(p.Logger.Named("authgate"))
	}
	if p.Principals != nil {
		b.WithPrincipalSource(p.Principals)
	}
	if p.AuditSink != nil {
		b.WithAuditSink(p.AuditSink)
	}
	if p.Tracer != nil {
		b.WithTracerProvider(p.Tracer)
	}
	return b.Build()
}

// ProvideChecker exposes the gateway to the transport adapters.
func ProvideChecker(g *authgate.Gateway) middleware.Checker {
	return g
}

// ProvideConfigFromEnv loads the gateway config from the environment and an
// optional .env file.
func ProvideConfigFromEnv() (authgate.Config, error) {
	return authgate.LoadConfigFromEnv(".env")
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Gateway   *authgate.Gateway
	Logger    *zap.Logger `optional:"true"`
}

// RegisterLifecycle probes the store on start and flushes audit on stop. An
// unreachable store is logged, not fatal: requests fail closed until it
// recovers.
func RegisterLifecycle(p lifecycleParams) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			h := p.Gateway.Health(ctx)
			if !h.StoreReachable {
				logger.Warn("authgate store unreachable at startup", zap.String("error", h.StoreError))
				return nil
			}
			logger.Info("authgate ready",
				zap.Duration("store_latency", h.StoreLatency),
				zap.Uint64("roles_version", h.RolesVersion))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Gateway.Close()
			logger.Info("authgate stopped", zap.Uint64("audit_dropped", p.Gateway.AuditDropped()))
			return nil
		},
	})
}

// Module provides *authgate.Gateway and middleware.Checker. The application
// supplies authgate.Config and kv.Store, for example with EnvConfig.
var Module = fx.Module("authgate",
	fx.Provide(ProvideGateway),
	fx.Provide(ProvideChecker),
	fx.Invoke(RegisterLifecycle),
)

// EnvConfig provides authgate.Config from the environment.
var EnvConfig = fx.Provide(ProvideConfigFromEnv)
