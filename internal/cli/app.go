// Package cli implements the interactive journal shell: record commands,
// sign-in, manual sync and local snapshot export/import.
package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"

	"github.com/szaharov/caljournal/internal/bus"
	"github.com/szaharov/caljournal/internal/config"
	"github.com/szaharov/caljournal/internal/logging"
	"github.com/szaharov/caljournal/internal/models"
	"github.com/szaharov/caljournal/internal/remote"
	"github.com/szaharov/caljournal/internal/session"
	"github.com/szaharov/caljournal/internal/snapshot"
	"github.com/szaharov/caljournal/internal/store"
	"github.com/szaharov/caljournal/internal/syncer"
)

type App struct {
	config  *config.Config
	db      *sql.DB
	store   *store.Store
	codec   *snapshot.Codec
	session *session.Manager
	locks   *syncer.DirtyRegistry
	orch    *syncer.Orchestrator
	bus     *bus.Bus
	log     logging.Logger
	reader  *bufio.Reader
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	db, err := store.OpenDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	clock := models.RealClock{}
	st := store.New(db, clock, models.UUIDGenerator{})
	codec := snapshot.NewCodec(clock)
	b := bus.New()
	locks := syncer.NewDirtyRegistry()

	sess := session.NewManager(session.Config{
		ClientID:        cfg.OAuthClientID,
		ClientSecret:    cfg.OAuthClientSecret,
		AuthURL:         cfg.OAuthAuthURL,
		TokenURL:        cfg.OAuthTokenURL,
		RedirectURL:     cfg.OAuthRedirectURL,
		Scopes:          cfg.OAuthScopes,
		ExpiryThreshold: cfg.TokenExpiryThreshold,
	}, clock, b, log)

	backend, err := remote.NewS3Backend(ctx, remote.S3Config{
		Bucket:         cfg.S3Bucket,
		Key:            cfg.S3Key,
		Region:         cfg.S3Region,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		BaseEndpoint:   cfg.S3BaseEndpoint,
		RequestTimeout: cfg.S3RequestTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("error initializing remote backend: %w", err)
	}

	var passphrase []byte
	if cfg.SnapshotPassphrase != "" {
		passphrase = []byte(cfg.SnapshotPassphrase)
	}
	orch := syncer.NewOrchestrator(st, codec, backend, sess, locks, b, log, syncer.Config{
		Interval:            cfg.SyncInterval,
		ManualBypassesLocks: cfg.ManualSyncBypassesLocks,
		Passphrase:          passphrase,
	})

	return &App{
		config:  cfg,
		db:      db,
		store:   st,
		codec:   codec,
		session: sess,
		locks:   locks,
		orch:    orch,
		bus:     b,
		log:     log,
		reader:  bufio.NewReader(os.Stdin),
	}, nil
}

// Run starts the background sync loop and the notification printer, then
// hands control to the REPL until the user exits.
func (a *App) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.db.Close()

	go a.orch.Run(ctx)
	go a.watchNotifications(ctx)

	a.Main(ctx)
}

func (a *App) watchNotifications(ctx context.Context) {
	expiring, cancelExpiring := a.bus.Subscribe(bus.TopicTokenExpiring)
	defer cancelExpiring()
	refreshed, cancelRefreshed := a.bus.Subscribe(bus.TopicTokenRefreshed)
	defer cancelRefreshed()
	completed, cancelCompleted := a.bus.Subscribe(bus.TopicSyncCompleted)
	defer cancelCompleted()

	for {
		select {
		case ev := <-expiring:
			fmt.Printf("\n[!] session expires in %d min, run 'refresh' or 'login'\n", ev.MinutesRemaining)
		case <-refreshed:
			fmt.Println("\n[*] session refreshed")
		case <-completed:
			fmt.Println("\n[*] journal synced")
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) isSignedIn() bool {
	return a.session.IsSignedIn()
}

func (a *App) out() *os.File { return os.Stdout }

func (a *App) promptTag() string {
	if a.isSignedIn() {
		return "caljournal*"
	}
	return "caljournal"
}
