package devserver

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/vaultsync/cmd/util"
	"github.com/sidkik/vaultsync/pkg/errors"
	"github.com/sidkik/vaultsync/pkg/server"
	"github.com/sidkik/vaultsync/pkg/workers"
)

type options struct {
	address     string
	blobAddress string
	username    string
	quota       int64
	clients     []string
}

// New creates a new `dev-server` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use: "dev-server",
		Short: "Run an in-memory storage server for local testing. " +
			"Its contents are lost when it exits.",
		Hidden: true,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.address, "address", ":4443",
		"The address that the sync protocol listens on.")
	cmd.Flags().StringVar(&opts.blobAddress, "blob-address", ":4480",
		"The address that file contents are transferred through.")
	cmd.Flags().StringVar(&opts.username, "username", "",
		"The name of the account that clients must authenticate as.")
	cmd.Flags().Int64Var(&opts.quota, "quota", 0,
		"The number of bytes the account may store. 0 means unlimited.")
	cmd.Flags().StringSliceVar(&opts.clients, "client", nil,
		"A client allowed to connect, as <client id>=<hex public key>. "+
			"The public key is printed by `vaultsync config get-public-key`.")
	return cmd
}

func run(opts options) error {
	if opts.username == "" {
		return errors.NewFriendlyError("The --username flag is required.")
	}

	srv := server.New(server.Config{
		Username: opts.username,
		Quota:    opts.quota,
	})
	for _, client := range opts.clients {
		id, key, err := parseClient(client)
		if err != nil {
			return err
		}
		srv.Register(id, key)
		log.WithField("client", id).Info("Registered client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()

	mux := http.NewServeMux()
	mux.Handle(workers.BlobPath, srv.BlobHandler())
	blobServer := &http.Server{Addr: opts.blobAddress, Handler: mux}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(ctx, opts.address)
	})
	group.Go(func() error {
		log.WithField("address", opts.blobAddress).Info("Serving blobs")
		if err := blobServer.ListenAndServe(); err != http.ErrServerClosed {
			return errors.WithContext(err, "serve blobs")
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return blobServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func parseClient(arg string) (string, ed25519.PublicKey, error) {
	parts := strings.SplitN(arg, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", nil, errors.NewFriendlyError(
			"Malformed client %q. Expected <client id>=<hex public key>.", arg)
	}

	key, err := hex.DecodeString(parts[1])
	if err != nil || len(key) != ed25519.PublicKeySize {
		return "", nil, errors.NewFriendlyError(
			"Malformed public key for client %q. Expected %d hex encoded bytes.",
			parts[0], ed25519.PublicKeySize)
	}
	return parts[0], ed25519.PublicKey(key), nil
}
