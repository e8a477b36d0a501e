// Package grpcauth guards gRPC services with an authgate gateway.
package grpcauth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/middleware"
)

// PermissionFunc returns the permission a method requires. public skips
// authentication entirely; an empty permission only authenticates.
type PermissionFunc func(fullMethod string) (permission string, public bool)

// MethodPermissions builds a PermissionFunc from a method table. Methods
// missing from perms only authenticate.
func MethodPermissions(perms map[string]string, public ...string) PermissionFunc {
	open := make(map[string]struct{}, len(public))
	for _, m := range public {
		open[m] = struct{}{}
	}
	return func(fullMethod string) (string, bool) {
		if _, ok := open[fullMethod]; ok {
			return "", true
		}
		return perms[fullMethod], false
	}
}

// Unary returns a unary server interceptor running Check before next.
func Unary(gate middleware.Checker, perms PermissionFunc, log *zap.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		ctx, err := authorize(ctx, gate, perms, info.FullMethod, log)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// Stream returns a stream server interceptor running Check before next.
func Stream(gate middleware.Checker, perms PermissionFunc, log *zap.Logger) grpc.StreamServerInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		ctx, err := authorize(ss.Context(), gate, perms, info.FullMethod, log)
		if err != nil {
			return err
		}
		return next(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func authorize(ctx context.Context, gate middleware.Checker, perms PermissionFunc, method string, log *zap.Logger) (context.Context, error) {
	var permission string
	if perms != nil {
		p, public := perms(method)
		if public {
			return ctx, nil
		}
		permission = p
	}

	md, _ := metadata.FromIncomingContext(ctx)
	credential, ok := credentialFrom(md)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "credential required")
	}

	ctx = middleware.RequestContext(ctx, peerIP(ctx), first(md, "user-agent"))
	d := gate.Check(ctx, credential, permission)
	if !d.Allowed() {
		kind := authgate.KindInternal
		if d.Err != nil {
			kind = d.Err.Kind
			if kind == authgate.KindRateLimited && d.Err.RetryAfter > 0 {
				_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", middleware.RetryAfterSeconds(d.Err.RetryAfter)))
			}
		}
		// no payloads, metadata only
		log.Debug("grpc auth rejected",
			zap.String("method", method),
			zap.String("kind", kind.String()),
		)
		return ctx, status.Error(Code(kind), kind.String())
	}
	return authgate.WithPrincipal(ctx, d.Principal), nil
}

// Code maps an error kind onto a gRPC status code.
func Code(kind authgate.ErrorKind) codes.Code {
	switch kind {
	case authgate.KindInsufficientPermission:
		return codes.PermissionDenied
	case authgate.KindRateLimited:
		return codes.ResourceExhausted
	case authgate.KindStoreUnavailable:
		return codes.Unavailable
	case authgate.KindInternal:
		return codes.Internal
	default:
		return codes.Unauthenticated
	}
}

func credentialFrom(md metadata.MD) (string, bool) {
	h := http.Header{}
	if v := first(md, "authorization"); v != "" {
		h.Set("Authorization", v)
	}
	if v := first(md, strings.ToLower(middleware.APIKeyHeader)); v != "" {
		h.Set(middleware.APIKeyHeader, v)
	}
	return middleware.Credential(h)
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
