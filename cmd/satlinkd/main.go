// satlinkd bridges application message traffic to a narrow-band satellite
// modem (IDP or OGx family): it owns the serial link, drives the session
// state machine and exposes a local HTTP control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"satlink/internal/api"
	"satlink/internal/config"
	"satlink/internal/eventline"
	"satlink/internal/integration"
	"satlink/internal/journal"
	"satlink/internal/logging"
	"satlink/internal/queue"
	"satlink/internal/session"
	"satlink/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/satlink/config.yaml", "configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Log)
	log.Info().Str("port", cfg.Serial.Port).Msg("satlinkd starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("satlinkd failed")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := transport.OpenSerial(cfg.Serial, log)
	if err != nil {
		return fmt.Errorf("open serial: %w", err)
	}
	defer port.Close()

	var cmd transport.Commander
	if cfg.Modem.Family == "" {
		cmd, err = transport.Detect(ctx, port, cfg.Modem.CommandTimeout)
		if err != nil {
			return fmt.Errorf("modem family detection: %w", err)
		}
	} else {
		cmd = transport.ForFamily(cfg.Modem.Family, port, cfg.Modem.CommandTimeout)
	}
	log.Info().Str("family", cmd.Family().String()).Msg("modem family selected")

	var sinks []session.Sink

	var jrn *journal.Journal
	if cfg.Journal.Path != "" {
		jrn, err = journal.Open(cfg.Journal.Path, cfg.Journal.Retention, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jrn.Close()
		sinks = append(sinks, jrn)
	}

	if cfg.NATS.URL != "" {
		pub, err := integration.Connect(integration.Options{
			URL:               cfg.NATS.URL,
			SubjectPrefix:     cfg.NATS.SubjectPrefix,
			ReconnectInterval: cfg.NATS.ReconnectWait,
			MaxReconnects:     cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			// The bus is an integration, not a dependency.
			log.Warn().Err(err).Msg("nats unavailable, events not forwarded")
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
		}
	}

	sess := session.New(cmd, session.Options{
		Wakeup:              cfg.Modem.WakeupPeriod,
		PowerMode:           cfg.Modem.PowerMode,
		PollInterval:        cfg.Modem.PollInterval,
		CoalesceWindow:      cfg.Modem.CoalesceWindow,
		AcquisitionInterval: cfg.Modem.AcquireInterval,
		LocationInterval:    cfg.Modem.LocationInterval,
		Queue: queue.Options{
			MaxRetries: cfg.Modem.MaxRetries,
			Backoff:    cfg.Modem.RetryBackoff,
		},
	}, session.MultiSink(sinks...), log)

	// Unsolicited result codes read off the serial line feed the session.
	go func() {
		for raw := range port.URCs() {
			sess.OnURC(raw)
		}
	}()

	if cfg.EventLine.Enabled {
		watcher, err := eventline.NewWatcher(cfg.EventLine.Pin, cfg.EventLine.Period,
			sess.OnEventLinePulse, log)
		if err != nil {
			log.Warn().Err(err).Msg("event line unavailable, poll-only operation")
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("event line watcher stopped")
				}
			}()
		}
	}

	if err := sess.PowerOn(ctx); err != nil {
		// Not fatal: the operator can retry over the API once the modem
		// is reachable.
		log.Warn().Err(err).Msg("initial power-on failed")
	}

	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("control loop stopped")
		}
	}()

	go watchShutdown(ctx, sess, log)

	handler := api.NewHandler(sess, jrn, cfg.Journal.History, log)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	sddaemon.SdNotify(false, sddaemon.SdNotifyReady)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	sess.PowerOff(shutdownCtx)

	log.Info().Msg("stopped")
	return nil
}

// watchShutdown parks the modem before the host powers off. A logind delay
// inhibitor holds the shutdown until the session is off or the lock is
// released by timeout.
func watchShutdown(ctx context.Context, sess *session.Session, log zerolog.Logger) {
	conn, err := dbus.SystemBus()
	if err != nil {
		log.Debug().Err(err).Msg("system bus unavailable, no shutdown hook")
		return
	}
	defer conn.Close()

	logind := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	var fd dbus.UnixFD
	err = logind.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"shutdown", "satlinkd", "parking satellite modem", "delay").Store(&fd)
	if err != nil {
		log.Debug().Err(err).Msg("shutdown inhibitor not acquired")
		return
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForShutdown"),
	)
	if err != nil {
		syscall.Close(int(fd))
		return
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	for {
		select {
		case <-ctx.Done():
			syscall.Close(int(fd))
			return
		case sig := <-signals:
			if sig == nil || len(sig.Body) != 1 {
				continue
			}
			if starting, ok := sig.Body[0].(bool); ok && starting {
				log.Info().Msg("host shutdown, parking modem")
				offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				sess.PowerOff(offCtx)
				cancel()
				syscall.Close(int(fd))
				return
			}
		}
	}
}
