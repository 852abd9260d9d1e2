package start

import (
	"context"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/vaultsync/cmd/util"
	"github.com/sidkik/vaultsync/pkg/config"
	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/metadata"
	"github.com/sidkik/vaultsync/pkg/metrics"
	"github.com/sidkik/vaultsync/pkg/protocol"
	"github.com/sidkik/vaultsync/pkg/session"
	"github.com/sidkik/vaultsync/pkg/transaction"
	"github.com/sidkik/vaultsync/pkg/ui"
	"github.com/sidkik/vaultsync/pkg/warebox"
	"github.com/sidkik/vaultsync/pkg/workers"
)

// DefaultBlobPort is the port that file contents are transferred through
// when the user config doesn't set a blob URL.
const DefaultBlobPort = "4480"

const dialTimeout = 10 * time.Second

// New creates a new `start` command.
func New() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start syncing the configured folder",
		Long: "Connect to the storage server and keep the configured folder in\n" +
			"sync with it until interrupted. Every change made by the server is\n" +
			"checked against the proofs it sends before it's trusted.",
		Run: func(_ *cobra.Command, _ []string) {
			userConfig, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			if err := run(userConfig, !noWatch); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false,
		"Don't watch the folder for changes. Local changes are then only "+
			"picked up when reconnecting.")
	return cmd
}

func run(cfg config.User, watch bool) error {
	key, err := config.LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return errors.WithContext(err, "load private key")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ActivityLog), 0755); err != nil {
		return errors.WithContext(err, "make activity log dir")
	}
	activityLog, err := os.OpenFile(cfg.ActivityLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.WithContext(err, "open activity log")
	}
	defer activityLog.Close()
	log.AddHook(ui.NewActivityHook(activityLog, cfg.ClientID))

	if err := os.MkdirAll(cfg.Warebox, 0755); err != nil {
		return errors.WithContext(err, "make synchronized folder")
	}

	store, err := metadata.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	logLastBasis(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			log.WithField("signal", sig).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddress, registry); err != nil {
				log.WithError(err).Warn("Failed to serve metrics")
			}
		}()
	}

	blobURL, err := blobURL(cfg)
	if err != nil {
		return err
	}

	var sess *session.Session
	wb := warebox.New(cfg.Warebox)
	pool := workers.New(cfg.Workers, wb, workers.NewHTTPTransport(blobURL),
		func(cmd protocol.Command) { sess.Notify(cmd) }, collector)
	defer pool.Stop()

	dialer := net.Dialer{Timeout: dialTimeout}
	sess, err = session.New(session.Config{
		Username:   cfg.Username,
		ClientID:   cfg.ClientID,
		PrivateKey: key,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", cfg.Server)
		},
		KeepAliveInterval: cfg.KeepAliveInterval.Duration,
		KeepAliveTimeout:  cfg.KeepAliveTimeout.Duration,
		Thresholds: transaction.Thresholds{
			MaxOperations: cfg.Commit.MaxOperations,
			MaxBytes:      cfg.Commit.MaxBytes,
			MaxIdle:       cfg.Commit.MaxIdle.Duration,
		},
		DeclareRetries: cfg.DeclareRetries,
		WatchWarebox:   watch,
		LoadKey:        config.LoadPrivateKey,
	}, store, wb, pool, ui.NewConsole(os.Stdin, os.Stdout, cfg.AutoAccept), collector)
	if err != nil {
		return errors.WithContext(err, "create session")
	}

	log.WithFields(log.Fields{
		"server":  cfg.Server,
		"warebox": cfg.Warebox,
		"session": sess.ID(),
	}).Info("Starting vaultsync")
	return sess.Run(ctx)
}

// blobURL returns the base URL of the blob endpoint. It defaults to the
// server's host on DefaultBlobPort.
func blobURL(cfg config.User) (string, error) {
	if cfg.BlobURL != "" {
		if _, err := url.Parse(cfg.BlobURL); err != nil {
			return "", errors.WithContext(err, "parse blob URL")
		}
		return cfg.BlobURL, nil
	}

	host, _, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return "", errors.WithContext(err, "parse server address")
	}
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort(host, DefaultBlobPort)}).String(), nil
}

func logLastBasis(store *metadata.Store) {
	var last metadata.HistoryEntry
	err := store.View(metadata.RetrieveLastBasis(&last))
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		log.Info("No basis was trusted yet")
	case err != nil:
		log.WithError(err).Warn("Failed to read basis history")
	default:
		log.WithFields(log.Fields{
			"basis":  last.Basis,
			"origin": last.Origin,
			"time":   last.Timestamp,
		}).Info("Last trusted basis")
	}
}
