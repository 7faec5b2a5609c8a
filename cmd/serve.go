package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/fetcher"
	"github.com/sells-group/oev-cli/internal/geospatial"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run results as GeoJSON and vector tiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(config.ScopeServer); err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := initStore(ctx, pool)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cache := geospatial.NewTileCache(cfg.Server.TileCacheSize, time.Duration(cfg.Server.TileCacheTTLSecs)*time.Second)
		server := geospatial.NewServer(pool, st, cache)
		if cfg.Server.BasemapURL != "" {
			server.WithBasemap(geospatial.NewTileProxy(cfg.Server.BasemapURL, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), cache))
		}
		handler := server.Router(cfg.Server.CORSOrigins)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
