package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mind-engage/lti-tool/internal/config"
	"github.com/mind-engage/lti-tool/internal/db"
	"github.com/mind-engage/lti-tool/pkg/tool"
	"github.com/mind-engage/lti-tool/pkg/tool/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		cancel()
		log.Fatalf("db open failed: %v", err)
	}
	store, err := storage.NewSQLStore(dbh, cfg.DBDriver)
	if err != nil {
		cancel()
		log.Fatalf("store: %v", err)
	}
	if err := store.Setup(ctx); err != nil {
		cancel()
		log.Fatalf("store setup failed: %v", err)
	}
	cancel()

	// --- Provider ---
	provider, err := tool.New(tool.Config{
		EncryptionKey:       cfg.EncryptionKey,
		BaseURL:             cfg.PublicURL,
		AppRoute:            cfg.AppRoute,
		LoginRoute:          cfg.LoginRoute,
		SessionTimeoutRoute: cfg.SessionTimeoutRoute,
		InvalidTokenRoute:   cfg.InvalidTokenRoute,
		KeysetRoute:         cfg.KeysetRoute,
		CookieSameSite:      cfg.CookieSameSite,
		CookieSecure:        cfg.CookieSecure,
		DevMode:             cfg.DevMode,
		TokenMaxAge:         cfg.TokenMaxAge,
		LTIKMaxAge:          cfg.LTIKMaxAge,
		StaticPath:          cfg.StaticPath,
	}, tool.Stores{
		Platforms: store,
		Keys:      store,
		Sessions:  store,
	}, tool.Callbacks{
		OnConnect: connect,
	})
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if cfg.CORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Mount("/", provider.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		close(done)
	}()

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	if cfg.HTTPS {
		err = srv.ListenAndServeTLS(cfg.SSLCert, cfg.SSLKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	<-done
	_ = dbh.Close()
}

// connect is the default post-launch handler: it reports who launched and
// from where. Real deployments replace it with their application.
func connect(w http.ResponseWriter, r *http.Request) {
	sess, ok := tool.FromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("launch ok: user " + sess.Token.User + " from " + sess.Token.Issuer + "\n"))
}
