package server

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/serializer"
	"github.com/ValentinKolb/qplex/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("server")

// defaultBatchWorkers is used if ServerConfig.MaxWorkersPerConn is not set
const defaultBatchWorkers = 16

// NewRPCServer creates a new RPC server
// It takes a config, transport, serializer, the query engine and an optional
// watch source (nil disables /watch) as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//		engine,
//		server.NewHeartbeatSource(5*time.Second),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	engine IQueryEngine,
	watch IWatchSource,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	workers := config.MaxWorkersPerConn
	if workers <= 0 {
		workers = defaultBatchWorkers
	}

	// Create the adapter for every route family, keyed by the first path segment
	adapters := xsync.NewMapOf[string, IRPCServerAdapter]()
	adapters.Store(routeFamily(common.RouteBatch), NewBatchServerAdapter(engine, serializer, workers))
	adapters.Store(routeFamily(common.RouteInstances), NewQueryServerAdapter(engine, serializer))
	adapters.Store(routeFamily(common.RouteWatch), NewWatchServerAdapter(watch))

	// Create the RPC server
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapters:   adapters,
	}
}

// RPCServer serves the batch, single query and watch routes on one transport
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapters   *xsync.MapOf[string, IRPCServerAdapter]
}

// Handle dispatches a request to the adapter of its route.
// It is registered as the handler of the transport
func (s *RPCServer) Handle(ctx context.Context, route string, req []byte, send transport.FrameFunc) error {
	// Get appropriate adapter
	adapter, ok := s.adapters.Load(routeFamily(route))

	// Case route does not exist -> error
	if !ok {
		return fmt.Errorf("unknown route %q", route)
	}

	// Let the adapter handle the request
	return adapter.Handle(ctx, route, req, send)
}

// Serve starts the RPC server
// This function will also initialize the loggers and start the transport layer.
// It blocks until the transport is closed
func (s *RPCServer) Serve() error {
	// Init logger
	common.InitLoggers(s.config.LogLevel)

	Logger.Infof("Created RPC Server with %s serializer", s.serializer.Name())
	Logger.Infof(s.config.String())

	// Configure the transport layer
	s.transport.RegisterHandler(s.Handle)

	return s.transport.Listen(s.config)
}

// Close stops the transport and cancels all running requests
func (s *RPCServer) Close() error {
	return s.transport.Close()
}

// routeFamily returns the first path segment of route, e.g. "batch" for "/batch"
func routeFamily(route string) string {
	route = strings.TrimPrefix(route, "/")
	if i := strings.IndexAny(route, "/?"); i >= 0 {
		route = route[:i]
	}
	return route
}
