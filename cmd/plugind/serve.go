package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/plugind"
	"github.com/loykin/plugind/internal/logger"
	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/server"
	ptls "github.com/loykin/plugind/internal/tls"
)

const shutdownTimeout = 30 * time.Second

// runServe runs the daemon until ctx ends or a client calls harakiri.
// ready, when set, receives the bound API address once serving.
func runServe(ctx context.Context, out io.Writer, flags ServeFlags, ready func(addr string)) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=plugind.toml or provide as argument")
	}
	cfg, err := plugind.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		_, err := daemonize(out, flags.PidFile, flags.LogFile)
		return err
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, currentPID()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log, closer, err := logger.New(cfg.File.Log)
	if err != nil {
		return fmt.Errorf("error building logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	h, err := plugind.New(plugind.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return h.Shutdown(sctx)
	}
	if err := h.Start(ctx); err != nil {
		return errors.Join(err, shutdown())
	}

	tlsConfig, err := ptls.Setup(cfg.File.Server.TLS)
	if err != nil {
		return errors.Join(fmt.Errorf("tls setup: %w", err), shutdown())
	}
	ln, err := net.Listen("tcp", cfg.File.Server.Listen)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", cfg.File.Server.Listen, err), shutdown())
	}
	srv := h.NewHTTPServer()
	srv.TLSConfig = tlsConfig

	servers := []*http.Server{srv}
	errCh := make(chan error, 2)
	go func() {
		var err error
		if tlsConfig != nil {
			// certificates come from TLSConfig.GetCertificate
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	protocol := "HTTP"
	if tlsConfig != nil {
		protocol = "HTTPS"
	}
	log.Info("API server started", "protocol", protocol, "addr", ln.Addr().String(), "base_path", cfg.File.Server.BasePath)

	if m := cfg.File.Metrics; m.Enabled && m.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := server.NewServer(m.Listen, mux)
		servers = append(servers, msrv)
		go func() { errCh <- msrv.ListenAndServe() }()
		log.Info("Metrics server started", "addr", m.Listen)
	}
	if ready != nil {
		ready(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Signal received, shutting down")
	case <-h.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			log.Warn("Server shutdown", "addr", s.Addr, "error", err)
		}
	}
	return errors.Join(runErr, h.Shutdown(sctx))
}
