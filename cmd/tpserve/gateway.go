package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tpserve/internal/httpapi"
)

// gatewayOptions are the flags of commands that serve the HTTP gateway.
type gatewayOptions struct {
	addr         string
	maxBodyBytes int64
	queryTimeout time.Duration
	corsOrigins  string
	corsMethods  string
	corsHeaders  string
}

func (g *gatewayOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&g.addr, "addr", "", "Gateway listen address (defaults gateway_addr or :port_number)")
	f.Int64Var(&g.maxBodyBytes, "max-body-bytes", 1<<20, "Maximum query body size")
	f.DurationVar(&g.queryTimeout, "query-timeout", 0, "End-to-end query timeout (0 disables)")
	f.StringVar(&g.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; empty disables CORS")
	f.StringVar(&g.corsMethods, "cors-methods", "GET,POST,OPTIONS", "Comma-separated allowed CORS methods")
	f.StringVar(&g.corsHeaders, "cors-headers", "Content-Type,X-Log-Level", "Comma-separated allowed CORS headers")
}

// serveGateway serves the registry of a until SIGINT or SIGTERM, then
// shuts the listener down gracefully.
func (a *app) serveGateway(ctx context.Context, g gatewayOptions) error {
	addr := g.addr
	if addr == "" {
		addr = a.cfg.GatewayAddr
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(a.log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(g.maxBodyBytes)
	httpapi.SetQueryTimeout(g.queryTimeout)
	origins := splitCSV(g.corsOrigins)
	httpapi.SetCORSOptions(len(origins) > 0, origins, splitCSV(g.corsMethods), splitCSV(g.corsHeaders))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: httpapi.NewMux(a.reg), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info().Str("addr", ln.Addr().String()).Str("state_dir", a.cfg.CacheDir).Msg("gateway listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.log.Info().Msg("gateway stopped")
	return nil
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
