package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nduati/dukapos/backend/internal/config"
	"github.com/nduati/dukapos/backend/internal/db"
	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/ident"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/store"
	syncpkg "github.com/nduati/dukapos/backend/internal/sync"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// App bundles the wired engine for command use.
type App struct {
	Config *config.Config
	DB     *db.DB
	Repo   *db.Repository
	Queue  *queue.Queue
	Store  *store.Store
	Client *syncpkg.RemoteClient
	Orch   *syncpkg.Orchestrator
}

// newApp loads configuration, opens the local mirror, runs migrations and
// wires the engine.
func newApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database.DB, db.Migrations()).Up(); err != nil {
		database.Close()
		return nil, err
	}

	deviceID, err := resolveDeviceID(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRepository(database.DB)
	opts := queue.DefaultOptions()
	opts.RetryCap = cfg.RetryCap
	q := queue.New(repo, opts)
	if err := q.Recover(); err != nil {
		repo.Close()
		database.Close()
		return nil, err
	}
	s := store.New(repo, q)
	client := syncpkg.NewRemoteClient(cfg.RemoteBaseURL, deviceID, cfg.APIToken, cfg.RequestTimeout)
	orch := syncpkg.NewOrchestrator(q, s, repo, client, cfg.PushBatchLimit)

	return &App{
		Config: cfg,
		DB:     database,
		Repo:   repo,
		Queue:  q,
		Store:  s,
		Client: client,
		Orch:   orch,
	}, nil
}

// Close releases the repository and the database.
func (a *App) Close() {
	a.Repo.Close()
	a.DB.Close()
}

// resolveDeviceID returns the configured device id, or a generated one
// persisted under the data directory so the terminal keeps its identity
// across restarts.
func resolveDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}

	path := filepath.Join(cfg.DataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := ident.New()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to persist device id", err)
	}
	logging.Info("generated device id", map[string]interface{}{"device_id": id})
	return id, nil
}
