package server

// ============================================================================
// gRPC health 服務
// 職責：
// 1. 在 unix socket 上提供 grpc.health.v1.Health
// 2. coordinator 服務：fleet 非空時 SERVING
// 3. 每個 island 一個 island-<pid> 服務：連線後 SERVING，被淘汰或離開後 NOT_SERVING
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

var log = slog.Default()

// CoordinatorService is the health service name of the coordinator itself.
const CoordinatorService = "pyramid.Coordinator"

// IslandService returns the health service name for an island.
func IslandService(pid int) string {
	return "island-" + strconv.Itoa(pid)
}

// Server implements the health endpoint for one coordinator run.
type Server struct {
	health *health.Server
	grpc   *grpc.Server
	ln     net.Listener
	path   string

	mu      sync.Mutex
	members map[int]bool // attached and not yet retired
	started bool
	done    chan struct{}
}

// New listens on a unix socket at path. A stale socket file is replaced.
func New(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale health socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on health socket: %w", err)
	}

	s := &Server{
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
		ln:      ln,
		path:    path,
		members: make(map[int]bool),
		done:    make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(CoordinatorService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Start serves in the background until Close.
func (s *Server) Start() {
	s.started = true
	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("Health server stopped", "error", err)
		}
	}()
	log.Info("Health server listening", "socket", s.path)
}

// Observe updates serving states from coordination events.
func (s *Server) Observe(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case types.EventAttach:
		s.members[ev.PID] = true
		s.health.SetServingStatus(IslandService(ev.PID), healthpb.HealthCheckResponse_SERVING)
	case types.EventPrune:
		s.health.SetServingStatus(IslandService(ev.PID), healthpb.HealthCheckResponse_NOT_SERVING)
	case types.EventRetire:
		if s.members[ev.PID] {
			s.health.SetServingStatus(IslandService(ev.PID), healthpb.HealthCheckResponse_NOT_SERVING)
		}
		delete(s.members, ev.PID)
	default:
		return
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if len(s.members) > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(CoordinatorService, status)
}

// Close marks everything NOT_SERVING, stops the server and removes the socket.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.grpc.Stop()
	if s.started {
		<-s.done
	} else {
		s.ln.Close()
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Check queries service on the health socket at path. An empty service
// asks about the server as a whole.
func Check(ctx context.Context, path, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create health client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp, nil
}
