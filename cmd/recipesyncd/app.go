package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kimhsiao/recipesync/cmd/recipesyncd/handlers"
	"github.com/kimhsiao/recipesync/internal/config"
	"github.com/kimhsiao/recipesync/internal/db"
	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
	"github.com/kimhsiao/recipesync/internal/sync/remote"
	"github.com/kimhsiao/recipesync/internal/sync/remote/s3"
	"github.com/kimhsiao/recipesync/internal/sync/scheduler"
	"github.com/kimhsiao/recipesync/internal/sync/storage"
)

// remotePrefix namespaces every object this daemon writes.
const remotePrefix = "recipesync"

// app is the wired engine: queue, remote, coordinator and scheduler.
type app struct {
	cfg     *config.Config
	db      *db.DB
	queue   *queue.Queue
	session *auth.Session
	store   *remote.ObjectRemote
	coord   *syncpkg.Coordinator
	sched   *scheduler.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.OpenAndMigrate(cfg.DatabaseDir())
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	objects, err := s3.NewFromConfig(cfg.Remote)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("configure remote: %w", err)
	}

	q := queue.New(database.DB, storage.NewOsBlobStore(cfg.BlobDir()),
		queue.WithMaxRetries(cfg.Sync.MaxRetries))

	session := auth.NewSession(auth.StaticTokenSource(cfg.Auth.Token))
	if cfg.Auth.OwnerID != "" {
		session.SignIn(auth.Identity{OwnerID: cfg.Auth.OwnerID})
	}

	store := remote.NewObjectRemote(objects, session, remotePrefix)
	coord := syncpkg.NewCoordinator(q, store, session)
	sched := scheduler.New(coord, session, &scheduler.Config{
		Interval:     cfg.Sync.Interval,
		PassTimeout:  cfg.Sync.PassTimeout,
		ProbeTimeout: cfg.Sync.ProbeTimeout,
	}, scheduler.WithPendingCounter(q))
	q.OnEnqueue(sched.OnEnqueue)

	return &app{
		cfg:     cfg,
		db:      database,
		queue:   q,
		session: session,
		store:   store,
		coord:   coord,
		sched:   sched,
	}, nil
}

// handler mounts the REST API and the event socket.
func (a *app) handler(hub *WSHub) http.Handler {
	mux := http.NewServeMux()
	handlers.NewSyncHandler(a.queue, a.coord, a.sched).Register(mux)
	handlers.NewAuthHandler(a.session).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	return mux
}

// ping checks the remote store within the probe timeout.
func (a *app) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.ProbeTimeout)
	defer cancel()
	return a.store.Ping(ctx)
}

// Close stops the scheduler and closes the database.
func (a *app) Close() error {
	a.sched.Stop()
	return a.db.Close()
}
