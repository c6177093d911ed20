// Package opskit bundles a buffered logger, a TTL cache and a performance
// monitor behind gRPC server interceptors.
package opskit

import (
	"context"

	"google.golang.org/grpc"
)

// Middleware wraps a unary handler
type Middleware func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)

// StreamMiddleware wraps a stream handler
type StreamMiddleware func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error

// Chain represents a chain of middleware. The first middleware added runs
// outermost.
type Chain struct {
	middlewares       []Middleware
	streamMiddlewares []StreamMiddleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(append([]Middleware{}, middlewares...), c.middlewares...)
	return c
}

// AppendStream adds stream middleware to the end of the chain
func (c *Chain) AppendStream(middlewares ...StreamMiddleware) *Chain {
	c.streamMiddlewares = append(c.streamMiddlewares, middlewares...)
	return c
}

// Len returns the number of unary and stream middleware
func (c *Chain) Len() (unary, stream int) {
	return len(c.middlewares), len(c.streamMiddlewares)
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that executes the middleware chain
func (c *Chain) UnaryInterceptor() grpc.UnaryServerInterceptor {
	middlewares := append([]Middleware{}, c.middlewares...)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		current := handler
		for i := len(middlewares) - 1; i >= 0; i-- {
			mw, next := middlewares[i], current
			current = func(ctx context.Context, req interface{}) (interface{}, error) {
				return mw(ctx, req, info, next)
			}
		}
		return current(ctx, req)
	}
}

// StreamInterceptor returns a gRPC StreamServerInterceptor that executes the middleware chain
func (c *Chain) StreamInterceptor() grpc.StreamServerInterceptor {
	middlewares := append([]StreamMiddleware{}, c.streamMiddlewares...)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		current := handler
		for i := len(middlewares) - 1; i >= 0; i-- {
			mw, next := middlewares[i], current
			current = func(srv interface{}, ss grpc.ServerStream) error {
				return mw(srv, ss, info, next)
			}
		}
		return current(srv, ss)
	}
}

// ServerOptions returns gRPC server options installing both interceptors
func (c *Chain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(c.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(c.StreamInterceptor()),
	}
}
