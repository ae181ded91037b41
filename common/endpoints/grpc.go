package endpoints

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/tap"

	"github.com/experimaestro/xpm/common/grpchelpers"
)

// GRPCConfig holds fields used for configuring startup of GRPC Listeners and Servers
// Zero value integer fields are interpreted as unlimited
type GRPCConfig struct {
	GRPCAddr         string // Required: ip:port the Listener will bind to
	ListenerMaxConns int    // Maximum simultaneous connections the listener will accept
	RateLimitPerSec  int    // Maximum incoming requests per second
	BurstLimitPerSec int    // Maximum per-burst incoming requests per second (within RateLimitPerSec)
	MaxConnIdleMins  int    // Maximum time a connection can remain open until the server closes it
}

// Creates a new net.Listener with the configured address and limits
func (c *GRPCConfig) NewListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", c.GRPCAddr)
	if err != nil {
		return nil, err
	}
	if c.ListenerMaxConns > 0 {
		log.Infof("Creating LimitListener with max: %d", c.ListenerMaxConns)
		return netutil.LimitListener(listener, c.ListenerMaxConns), nil
	}
	return listener, nil
}

// NewGRPCServer creates a server exposing the grpc health service, with
// options based on the GRPCConfig fields. The health status of the
// scheduler service is set by the caller.
func (c *GRPCConfig) NewGRPCServer() (*grpc.Server, *health.Server) {
	var serverOpts []grpc.ServerOption

	// 0 is a valid Limiter that rejects all requests, but that's not useful, so we interpret 0 as unlimited
	if c.RateLimitPerSec > 0 && c.BurstLimitPerSec > 0 {
		log.Infof("Creating Limiter with rate/burst: %d/%d", c.RateLimitPerSec, c.BurstLimitPerSec)
		serverOpts = append(serverOpts, grpc.InTapHandle(NewTap(c.RateLimitPerSec, c.BurstLimitPerSec).Handler))
	}

	if c.MaxConnIdleMins > 0 {
		log.Infof("Setting KeepaliveParams: max connection idle mins: %d", c.MaxConnIdleMins)
		serverOpts = append(serverOpts, grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: time.Duration(c.MaxConnIdleMins) * time.Minute,
		}))
	}

	return grpchelpers.NewServer(serverOpts...)
}

// SchedulerService is the health service name reported by the daemon.
const SchedulerService = "xpm.Scheduler"

// ServeGRPC serves until ctx is done, then stops the server gracefully.
func ServeGRPC(ctx context.Context, server *grpc.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	log.WithFields(log.Fields{"addr": ln.Addr().String()}).Info("Serving grpc health")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		server.GracefulStop()
		return nil
	}
}

// Encapsulates a rate-per-second limiter that will check all incoming requests (per-connection goroutine)
// Handle func Fulfills grpc/tap.ServerInHandle
type TapLimiter struct {
	limiter *rate.Limiter
}

// Create a new TapLimiter with specified rate and burst allowance
func NewTap(maxRequests, maxBurst int) *TapLimiter {
	return &TapLimiter{
		limiter: rate.NewLimiter(rate.Limit(maxRequests), maxBurst),
	}
}

// Wait until the Limiter allows the a request or the Context expires
// Client sees non-nil err as an RPC error with code=ResourceExhausted
func (t *TapLimiter) Handler(ctx context.Context, info *tap.Info) (context.Context, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		log.Warnf("Tap limiter dropped connection due to rate limit: %s. Incoming request: %s", err, info.FullMethodName)
		return nil, status.Error(codes.ResourceExhausted, "Resource exhausted due to rate limit")
	}
	return ctx, nil
}
