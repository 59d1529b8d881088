package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mismo-messaging/mismo/config"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/queue"
	serverPkg "github.com/mismo-messaging/mismo/server"
	"github.com/mismo-messaging/mismo/server/httpapi"
	"github.com/mismo-messaging/mismo/server/pop3"
	"github.com/mismo-messaging/mismo/server/smtp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mismo version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MISMO: configuration error: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MISMO: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	hostname := cfg.GetHostname()
	logger.Infof("MISMO messaging system starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Mail hostname", "hostname", hostname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	database, err := db.ConnectWithRetry(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()

	for _, name := range cfg.LocalDomains {
		if err := database.BootstrapDomain(ctx, name); err != nil {
			logger.Fatal("Failed to bootstrap local domain", "domain", name, "error", err)
		}
		logger.Info("Local domain registered", "domain", name)
	}

	counters := metrics.NewCounters()
	errChan := make(chan error, 1)
	var limiters []*serverPkg.ConnectionLimiter

	if cfg.SMTP.Start {
		backend := startSMTP(ctx, "SMTP", hostname, cfg.SMTP, database, counters, errChan)
		limiters = append(limiters, backend.GetLimiter())
	}
	if cfg.SMTPS.Start {
		backend := startSMTP(ctx, "SMTPS", hostname, cfg.SMTPS, database, counters, errChan)
		limiters = append(limiters, backend.GetLimiter())
	}

	if cfg.POP3.Start {
		handshakeTimeout, err := cfg.POP3.GetHandshakeTimeout()
		if err != nil {
			logger.Fatal("Invalid POP3 handshake timeout", "error", err)
		}
		idleTimeout, err := cfg.POP3.GetIdleTimeout()
		if err != nil {
			logger.Fatal("Invalid POP3 idle timeout", "error", err)
		}

		pop3Server, err := pop3.New(ctx, "POP3", hostname, cfg.POP3.Addr, database, counters, pop3.POP3ServerOptions{
			TLSCertFile:         cfg.POP3.TLSCertFile,
			TLSKeyFile:          cfg.POP3.TLSKeyFile,
			MaxConnections:      cfg.POP3.MaxConnections,
			MaxConnectionsPerIP: cfg.POP3.MaxConnectionsPerIP,
			HandshakeTimeout:    handshakeTimeout,
			IdleTimeout:         idleTimeout,
		})
		if err != nil {
			logger.Fatal("Failed to create POP3 server", "error", err)
		}
		limiters = append(limiters, pop3Server.GetLimiter())
		go pop3Server.Start(errChan)
		defer pop3Server.Close()
	}

	if cfg.Queue.Start {
		sweepInterval, err := cfg.Queue.GetSweepInterval()
		if err != nil {
			logger.Fatal("Invalid queue sweep interval", "error", err)
		}
		lockTimeout, err := cfg.Queue.GetLockTimeout()
		if err != nil {
			logger.Fatal("Invalid queue lock timeout", "error", err)
		}
		connectTimeout, err := cfg.Queue.GetConnectTimeout()
		if err != nil {
			logger.Fatal("Invalid queue connect timeout", "error", err)
		}

		heloHostname := cfg.Queue.HeloHostname
		if heloHostname == "" {
			heloHostname = hostname
		}

		agent := queue.NewSMTPDeliveryAgent(heloHostname, connectTimeout)
		agent.DisableTLS = cfg.Queue.DisableOutTLS

		processor := queue.NewProcessor(database, queue.NewNetResolver(), agent, hostname, counters, queue.ProcessorOptions{
			SweepInterval: sweepInterval,
			LockTimeout:   lockTimeout,
			DeliveryLimit: cfg.Queue.GetDeliveryLimit(),
		})
		go processor.Start(ctx)
	}

	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, database, counters, httpapi.ServerOptions{
			Addr:           cfg.HTTPAPI.Addr,
			Hostname:       hostname,
			AllowedHosts:   cfg.HTTPAPI.AllowedHosts,
			LogDir:         cfg.HTTPAPI.LogDir,
			Limiters:       limiters,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.GetPath(),
		}, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for sessions to finish")
		// Listeners close on context cancellation; give in-flight
		// sessions a moment to observe it.
		time.Sleep(2 * time.Second)
		logger.Info("Shutdown complete")
	case err := <-errChan:
		logger.Fatal("Server failure", "error", err)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		// A missing default config file is fine: run on defaults.
		if errors.Is(err, os.ErrNotExist) && path == "config.toml" {
			defaults := config.NewDefaultConfig()
			return defaults, defaults.Validate()
		}
		return cfg, err
	}
	return cfg, nil
}

func startSMTP(ctx context.Context, name, hostname string, cfg config.SMTPServerConfig, database *db.Database, counters *metrics.Counters, errChan chan error) *smtp.Backend {
	maxMessageSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		logger.Fatal("Invalid max message size", "server", name, "error", err)
	}
	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		logger.Fatal("Invalid read timeout", "server", name, "error", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		logger.Fatal("Invalid write timeout", "server", name, "error", err)
	}

	backend, err := smtp.New(ctx, name, hostname, cfg.Addr, database, counters, smtp.Options{
		TLS:                 cfg.TLS,
		TLSCertFile:         cfg.TLSCertFile,
		TLSKeyFile:          cfg.TLSKeyFile,
		InsecureAuth:        cfg.InsecureAuth,
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		MaxMessageSize:      maxMessageSize,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to create SMTP server", "server", name, "error", err)
	}

	go backend.Start(errChan)
	return backend
}
