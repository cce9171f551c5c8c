// Package server wires the Device Store, SSH Executor, Template
// Engine, Service Installer, and Terraform Driver into the tool
// registry and MCP dispatcher, and owns the process's transports.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/config"
	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/health"
	"github.com/scoutflo/homelab-mcp-server/pkg/installer"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/tfdriver"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/httpmcp"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/stdio"
	"github.com/scoutflo/homelab-mcp-server/pkg/transport/ws"
)

// Server is the fully wired C1-C9 process: one instance per running
// homelab-mcp-server.
type Server struct {
	cfg *config.Config

	ssh       *sshexec.Executor
	store     *devicestore.Store
	templates *tmpl.Library
	tf        *tfdriver.Driver
	installer *installer.Installer
	registry  *registry.Registry

	dispatcher *mcpproto.Dispatcher
	sessions   *mcpproto.SessionManager
	staleness  *devicestore.StalenessScanner

	stalenessThreshold time.Duration

	http   *httpmcp.Server
	health *health.HealthChecker
}

// New opens the device store, starts the SSH key pool, loads service
// templates, and registers every tool the registry offers.
func New(cfg *config.Config) (*Server, error) {
	store, err := devicestore.Open(cfg.DevicesDBPath())
	if err != nil {
		return nil, fmt.Errorf("server: open device store: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	ssh, err := sshexec.NewExecutor(sshexec.Options{
		KeyPath:        cfg.SSHKeyPath,
		KeyComment:     cfg.ManagedAdminUser + "@" + hostname,
		KnownHostsPath: cfg.KnownHostsPath,
		HostKeyPolicy:  sshexec.HostKeyPolicy(cfg.HostKeyPolicy),
		ManagedUser:    cfg.ManagedAdminUser,
		IdleTTL:        10 * time.Minute,
		ConnectTimeout: 15 * time.Second,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: init ssh executor: %w", err)
	}

	templates, err := tmpl.Load(cfg.TemplatesDir())
	if err != nil {
		ssh.Close()
		store.Close()
		return nil, fmt.Errorf("server: load templates: %w", err)
	}

	tf := tfdriver.New(cfg.TerraformStateDir)
	staleness := cfg.StalenessThreshold()
	in := installer.New(ssh, store, templates, tf, staleness)

	s := &Server{
		cfg:                cfg,
		ssh:                ssh,
		store:              store,
		templates:          templates,
		tf:                 tf,
		installer:          in,
		registry:           registry.New(),
		sessions:           mcpproto.NewSessionManager(),
		staleness:          devicestore.NewStalenessScanner(store, staleness, staleness/4),
		stalenessThreshold: staleness,
		health:             health.NewHealthChecker(),
	}

	if err := s.registerTools(); err != nil {
		s.Close()
		return nil, fmt.Errorf("server: register tools: %w", err)
	}
	s.health.SetReady(true)

	s.dispatcher = mcpproto.NewDispatcher(s.registry, s.sessions, mcpproto.ServerInfo{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	})
	s.http = httpmcp.New(s.dispatcher, s.sessions, cfg.HTTPStateless)

	return s, nil
}

func (s *Server) registerTools() error {
	registrars := []func() error{
		s.registerDiscoveryTools,
		s.registerSSHAdminTools,
		s.registerDeviceTools,
		s.registerServiceTools,
		s.registerTerraformTools,
		s.registerVMTools,
		s.registerTopologyTools,
	}
	for _, register := range registrars {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the SSH key pool and device store handle. Safe to
// call on a partially constructed Server.
func (s *Server) Close() {
	if s.ssh != nil {
		s.ssh.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// Run starts every transport enabled by configuration and blocks until
// ctx is cancelled or a signal is received, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	var httpServer *http.Server

	if s.cfg.Stdio {
		go func() {
			defer recoverInto(errCh, "stdio transport")
			klog.V(0).Info("stdio transport starting")
			if err := stdio.Serve(ctx, s.dispatcher, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	if s.cfg.HTTPPort > 0 {
		s.http.MarkReady()
		mux := http.NewServeMux()
		mux.Handle("/", s.http.Mux())
		health.AttachHealthEndpoints(mux, s.health)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort),
			Handler: mux,
		}
		go func() {
			defer recoverInto(errCh, "http transport")
			klog.V(0).Infof("streamable http transport starting on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http transport: %w", err)
			}
		}()
	}

	var wsServer *http.Server
	if s.cfg.WSPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/ws", ws.Handler(s.dispatcher))
		health.AttachHealthEndpoints(mux, s.health)
		wsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.cfg.WSHost, s.cfg.WSPort),
			Handler: mux,
		}
		go func() {
			defer recoverInto(errCh, "ws transport")
			klog.V(0).Infof("websocket transport starting on %s", wsServer.Addr)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("ws transport: %w", err)
			}
		}()
	}

	if s.staleness != nil {
		s.staleness.Start(ctx)
		defer s.staleness.Stop()
		go s.logStaleDevices(ctx)
	}

	select {
	case <-ctx.Done():
		klog.V(0).Info("shutdown signal received, draining transports")
	case err := <-errCh:
		klog.Errorf("transport failed: %v", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("http transport shutdown: %v", err)
		}
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("ws transport shutdown: %v", err)
		}
	}
	return nil
}

func (s *Server) logStaleDevices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.staleness.Events():
			if !ok {
				return
			}
			klog.V(1).Infof("device %d (%s) is stale, due for background refresh", ev.DeviceID, ev.Hostname)
		}
	}
}

func recoverInto(errCh chan<- error, label string) {
	if r := recover(); r != nil {
		klog.Errorf("%s panic recovered: %v", label, r)
		errCh <- fmt.Errorf("%s panic: %v", label, r)
	}
}
