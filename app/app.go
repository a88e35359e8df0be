package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/logger"
	"github.com/putto11262002/chatsync/pkg/messages"
	"github.com/putto11262002/chatsync/pkg/realtime"
	"github.com/putto11262002/chatsync/pkg/rooms"
	"github.com/putto11262002/chatsync/pkg/router"
	"github.com/putto11262002/chatsync/pkg/server"
	"github.com/putto11262002/chatsync/pkg/typing"
)

type App struct {
	config    *Config
	context   context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	store     core.DataService
	auth      *core.TokenAuth
	realtime  *realtime.Manager
	directory *rooms.Directory
	sync      *messages.Synchronizer
	router    *router.Router
	server    *server.Server

	roomHandler    *RoomHandler
	messageHandler *MessageHandler

	// follow serializes the switches of the synchronizer to the active room.
	follow sync.Mutex

	cleanupFuncs []func(context.Context)
	started      bool
	served       chan error
}

type Option func(*options)

type options struct {
	logOutput io.Writer
}

// WithLogOutput sends the logs of the app to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) {
		o.logOutput = w
	}
}

// New opens the data service and the realtime transport selected by config
// and wires the room directory, the message synchronizer and the UI bridge.
func New(ctx context.Context, config *Config, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	if config == nil {
		var err error
		config, err = LoadConfig(".")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, errors.New(FormatValidationErrors(err))
	}

	log, err := logger.New(o.logOutput, logger.Options{
		Level:     config.Log.Level,
		Format:    config.Log.Format,
		AddSource: config.Mode == DevMode,
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		config: config,
		logger: log,
		served: make(chan error, 1),
	}
	app.context, app.cancel = context.WithCancel(context.Background())

	transport, err := app.openStore(ctx)
	if err != nil {
		app.cancel()
		app.cleanup(context.Background())
		return nil, err
	}

	app.auth = core.NewTokenAuth(log.With(slog.String("component", "auth")))
	app.realtime = realtime.NewManager(transport,
		realtime.WithLogger(log),
		realtime.WithAccessToken(app.auth.Token))
	app.AddCleanupFunc(func(ctx context.Context) {
		app.realtime.Close()
	})

	app.directory = rooms.New(app.store, app.auth, app.realtime, rooms.WithLogger(log))
	app.sync = messages.New(app.store, app.auth, app.realtime,
		messages.WithLogger(log),
		messages.WithPageSize(config.Messages.PageSize),
		messages.WithSweepInterval(config.Messages.SweepInterval),
		messages.WithTypingOptions(
			typing.WithDebounce(config.Typing.Debounce),
			typing.WithVisibility(config.Typing.Visibility),
			typing.WithLogger(log)))
	app.directory.OnActiveRoomChange(app.followActiveRoom)
	// cleanup functions run in reverse, the components close before the transport
	app.AddCleanupFunc(func(ctx context.Context) {
		app.sync.Close()
		app.directory.Close()
	})

	app.roomHandler = NewRoomHandler(app.directory)
	app.messageHandler = NewMessageHandler(app.sync)
	app.router = app.routes()

	app.server = server.New(&http.Server{
		Addr:    config.Addr(),
		Handler: app.router,
	}, log)
	app.server.ShutdownTimeout = config.Shutdown.Timeout

	return app, nil
}

// openStore opens the data service and returns the realtime transport paired with it.
func (app *App) openStore(ctx context.Context) (realtime.Transport, error) {
	switch app.config.Store.Driver {
	case PostgresDriver:
		pool, err := core.OpenPostgres(ctx, app.config.Store.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			pool.Close()
		})
		if err := core.MigratePostgres(pool); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		app.store = core.NewPostgresStore(pool)

		transport, err := realtime.DialWebsocket(ctx, app.config.Realtime.URL,
			realtime.WithAPIKey(app.config.Realtime.APIKey),
			realtime.WithTransportLogger(app.logger))
		if err != nil {
			return nil, fmt.Errorf("dial realtime: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			transport.Close()
		})
		return transport, nil
	default:
		db, err := core.NewSQLiteDB(app.config.Store.SQLite.File, &core.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}

		// the embedded store serves realtime in process
		hub := realtime.NewLocalHub(realtime.WithHubLogger(app.logger))
		hub.Start()
		app.AddCleanupFunc(func(ctx context.Context) {
			hub.Close()
		})
		app.store = core.NewSQLiteStore(db.DB, core.WithChangePublisher(hub))
		conn := hub.Connect()
		app.AddCleanupFunc(func(ctx context.Context) {
			conn.Close()
		})
		return conn, nil
	}
}

func (app *App) routes() *router.Router {
	r := router.New(router.WithLogger(app.logger))
	r.RegisterErrorMatcher(errorStatus)

	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
	}))
	r.Router.Use(instrument(app.logger))

	r.Router.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api *router.Router) {
		api.Route("/rooms", func(r *router.Router) {
			r.Get("/", app.roomHandler.ListRoomsHandler)
			r.Post("/", app.roomHandler.CreateRoomHandler)
			r.Put("/active", app.roomHandler.SetActiveRoomHandler)
			r.Post("/refresh", app.roomHandler.RefreshHandler)
			r.Delete("/error", app.roomHandler.ClearErrorHandler)
			r.Get("/{roomID}/members", app.roomHandler.ListMembersHandler)
			r.Post("/{roomID}/members", app.roomHandler.JoinRoomHandler)
			r.Delete("/{roomID}/members", app.roomHandler.LeaveRoomHandler)
			r.Post("/{roomID}/read", app.roomHandler.MarkAsReadHandler)
		})
		api.Post("/conversations", app.roomHandler.StartConversationHandler)
		api.Get("/profiles", app.roomHandler.SearchProfilesHandler)

		api.Route("/messages", func(r *router.Router) {
			r.Get("/", app.messageHandler.SnapshotHandler)
			r.Post("/", app.messageHandler.SendHandler)
			r.Post("/more", app.messageHandler.LoadMoreHandler)
			r.Delete("/error", app.messageHandler.ClearErrorHandler)
			r.Post("/{messageID}/retry", app.messageHandler.RetryHandler)
			r.Post("/{messageID}/pin", app.messageHandler.TogglePinHandler)
		})
		api.Post("/typing", app.messageHandler.TypingHandler)
	})
	return r
}

// followActiveRoom points the synchronizer at the active room of the directory.
func (app *App) followActiveRoom(string) {
	app.follow.Lock()
	defer app.follow.Unlock()
	// the directory may have moved on while waiting, its current room wins
	id := app.directory.ActiveRoomID()
	if id == app.sync.RoomID() {
		return
	}
	if err := app.sync.SetRoom(app.context, id); err != nil {
		app.logger.Warn("switch room", slog.String("room.id", id), slog.String("err", err.Error()))
	}
}

// Init resolves the session and loads the room directory.
// A failed session resolution leaves the app anonymous, a failed fetch leaves a banner.
func (app *App) Init(ctx context.Context) error {
	if err := app.auth.Resolve(ctx, app.store, app.config.Auth.Token, app.config.Auth.Secret); err != nil {
		app.logger.Info("running anonymously")
	}
	if err := app.directory.Start(ctx); err != nil {
		if core.KindOf(err) == core.KindInternal {
			return fmt.Errorf("start directory: %w", err)
		}
		app.logger.Warn("rooms not loaded", slog.String("err", err.Error()))
	}
	return nil
}

// Start initializes the app and serves the UI bridge in the background until Stop is called.
func (app *App) Start(ctx context.Context) error {
	if err := app.Init(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", app.config.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, ln.Addr()))
	app.started = true
	go func() {
		app.served <- app.server.Serve(app.context, ln)
	}()
	return nil
}

// Stop shuts the UI bridge down and releases the store and the realtime transport.
func (app *App) Stop(ctx context.Context) error {
	app.cancel()
	var err error
	if app.started {
		select {
		case err = <-app.served:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	app.cleanup(ctx)
	app.logger.Info("app stopped")
	return err
}

func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func (app *App) cleanup(ctx context.Context) {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i](ctx)
	}
	app.cleanupFuncs = nil
}
