package flows

import "context"

// Service is the centralized flow runner built once by the Gateway.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Authenticate.VerifyAccess != nil
}

func (s Service) Authenticate(ctx context.Context, credential string) AuthenticateResult {
	return RunAuthenticate(ctx, credential, s.deps.Authenticate)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Login(ctx context.Context, subject, device string) LoginResult {
	return RunLogin(ctx, subject, device, s.deps.Login)
}
