package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"healthauthd/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("HEALTHAUTHD_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Probe configured provider URLs on startup (warnings only).
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancelProbe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	stopSweepers := make(chan struct{})
	application.StartBackground(stopSweepers)
	defer close(stopSweepers)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}

	data, err := yaml.Marshal(server.DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	if cfg.FederationEnabled() {
		wellKnown := strings.TrimSuffix(cfg.Federation.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnown); err != nil {
			logger.Error("provider URL validation failed", "issuer", cfg.Federation.Issuer, "error", err)
		} else {
			logger.Info("provider URL is accessible", "issuer", cfg.Federation.Issuer)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	if !cfg.FederationEnabled() {
		return
	}
	wellKnown := strings.TrimSuffix(cfg.Federation.Issuer, "/") + "/.well-known/openid-configuration"
	if err := validateURL(ctx, wellKnown); err != nil {
		logger.Warn("provider URL may not be accessible",
			"issuer", cfg.Federation.Issuer,
			"url", wellKnown,
			"error", err,
			"note", "server will continue but federated login may fail")
	} else {
		logger.Info("provider URL is accessible", "issuer", cfg.Federation.Issuer)
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
