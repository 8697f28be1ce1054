package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// assertionHeaders lists the assertion headers. In gRPC metadata they
// travel under their lower case names.
var assertionHeaders = []string{HeaderUser, HeaderRoles, HeaderExp, HeaderSignature}

// UnaryServerInterceptor verifies the assertion carried in incoming
// metadata and attaches the resulting Principal to the handler context.
// Calls without assertion metadata proceed with an anonymous principal;
// an invalid assertion fails with codes.Unauthenticated.
func UnaryServerInterceptor(v *HeaderTrustVerifier) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := verifyGRPC(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of UnaryServerInterceptor.
func StreamServerInterceptor(v *HeaderTrustVerifier) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := verifyGRPC(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryClientInterceptor forwards the assertion stored in the context to
// outgoing metadata. Calls without one proceed unchanged.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(propagateAssertionToGRPC(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor is the streaming form of UnaryClientInterceptor.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		return streamer(propagateAssertionToGRPC(ctx), desc, cc, method, opts...)
	}
}

func verifyGRPC(ctx context.Context, v *HeaderTrustVerifier) (context.Context, error) {
	meta := RequestMeta{}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		meta.ClientAddr = remoteHost(p.Addr.String())
	}

	md, _ := metadata.FromIncomingContext(ctx)
	h := make(http.Header, len(assertionHeaders))
	for _, name := range assertionHeaders {
		for _, val := range md.Get(name) {
			h.Add(name, val)
		}
	}

	p, a, err := v.verify(ctx, h, meta)
	if err != nil {
		return withAnonymous(ctx, meta), grpcError(err)
	}
	ctx = withAnonymous(ctx, meta)
	if a != nil {
		ctx = ContextWithPrincipal(ContextWithAssertion(ctx, *a), p)
	}
	return ctx, nil
}

// grpcError converts err to a status carrying only its public message.
func grpcError(err error) error {
	resp, _ := sserr.Public(err)
	code := codes.Internal
	switch {
	case sserr.IsAuthentication(err):
		code = codes.Unauthenticated
	case sserr.IsAuthorization(err):
		code = codes.PermissionDenied
	case sserr.IsUnavailable(err):
		code = codes.Unavailable
	}
	return status.Errorf(code, "%s: %s", resp.Code, resp.Message)
}

// propagateAssertionToGRPC replaces any assertion keys in the outgoing
// metadata with the assertion stored in ctx.
func propagateAssertionToGRPC(ctx context.Context) context.Context {
	a, ok := AssertionFromContext(ctx)
	if !ok {
		return ctx
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
		for k := range md {
			if strings.HasPrefix(k, strings.ToLower(reservedHeaderPrefix)) {
				delete(md, k)
			}
		}
	} else {
		md = metadata.MD{}
	}
	md.Set(HeaderUser, a.UserID)
	md.Set(HeaderRoles, a.Roles)
	md.Set(HeaderExp, a.Exp)
	md.Set(HeaderSignature, a.Signature)
	return metadata.NewOutgoingContext(ctx, md)
}

// wrappedServerStream overrides Context so stream handlers see the
// principal added by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
