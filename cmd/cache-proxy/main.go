package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/cache-proxy/internal/config"
	"github.com/jnovack/cache-proxy/pkg/admin"
	"github.com/jnovack/cache-proxy/pkg/blacklist"
	"github.com/jnovack/cache-proxy/pkg/cacheproxy"
	"github.com/jnovack/cache-proxy/pkg/ipcache"
	"github.com/jnovack/cache-proxy/pkg/logging"
	"github.com/jnovack/cache-proxy/pkg/pagecache"
	"github.com/jnovack/cache-proxy/pkg/server"
	"github.com/jnovack/cache-proxy/pkg/signals"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		if !errors.Is(err, config.ErrUsage) {
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)

	bl, err := blacklist.Load(cfg.Blacklist)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Blacklist).Msg("failed to load blacklist")
	}
	go func() {
		if err := bl.Watch(ctx); err != nil {
			log.Warn().Err(err).Str("file", cfg.Blacklist).Msg("blacklist live reload disabled")
		}
	}()
	signals.OnHangup(ctx, func() {
		if err := bl.Reload(); err != nil {
			log.Error().Err(err).Str("file", cfg.Blacklist).Msg("blacklist reload failed")
		}
	})

	var resolver ipcache.Resolver = ipcache.NewSystemResolver()
	if cfg.DNSServer != "" {
		resolver = ipcache.NewDNSResolver(cfg.DNSServer)
	}
	ips := ipcache.New(cfg.IPCacheSize, resolver)
	pages := pagecache.New(cfg.CacheDir, cfg.TTL)

	metrics := admin.NewMetrics()
	metrics.RegisterIPCache(ips)
	metrics.RegisterPages(pages)
	captures := admin.NewCaptureStore(cfg.CaptureSize)

	session := cacheproxy.Config{
		Blacklist:         bl,
		Resolver:          ips,
		Pages:             pages,
		ConnectPolicy:     cfg.ConnectPolicy,
		ClientReadTimeout: cfg.ClientReadTimeout,
		OriginIdleTimeout: cfg.OriginIdleTimeout,
		Metrics:           metrics,
	}
	captures.Attach(&session)

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr: cfg.AdminAddr,
			Handler: admin.Mux(metrics, admin.Sources{
				IPCache:  ips,
				Pages:    pages,
				Captures: captures,
				Varz:     func() interface{} { return cfg.Varz() },
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("admin HTTP failed")
			}
		}()
	}

	s := &server.Server{
		Addr:     cfg.Addr(),
		Session:  session,
		MaxConns: cfg.MaxConns,
		Inflight: metrics,
	}
	if err := s.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("failed to start proxy")
	}
	log.Info().
		Int("port", cfg.Port).
		Dur("ttl", cfg.TTL).
		Str("cache_dir", cfg.CacheDir).
		Int("blacklist_entries", len(bl.Entries())).
		Int("ip_cache_size", cfg.IPCacheSize).
		Str("connect_policy", cfg.ConnectPolicy.String()).
		Msg("cache-proxy started")

	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.Close()
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shCtx)
	}
	if err := s.Wait(shCtx); err != nil {
		log.Warn().Err(err).Msg("sessions still running at exit")
	}
	log.Info().Msg("cache-proxy stopped")
}
