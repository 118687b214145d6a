package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/conjure-api/internal/api"
	apiMiddleware "github.com/phrazzld/conjure-api/internal/api/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// setupRouter registers every route and the middleware chain.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	taskHandler := api.NewTaskHandler(app.scheduler, app.ledger, app.logger)
	actionHandler := api.NewActionHandler(app.interpreter, app.logger)
	statsHandler := api.NewStatsHandler(app.scheduler, app.cache, app.logger)
	callbackHandler := api.NewCallbackHandler(app.adapters, app.scheduler.Reconciler(), app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/tasks", taskHandler.SubmitTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)

		r.Get("/balance", taskHandler.GetBalance)
		r.Post("/actions", actionHandler.HandleAction)

		r.Get("/stats/queue", statsHandler.QueueStats)
		r.Get("/stats/cache", statsHandler.CacheStats)
	})

	r.Route("/callbacks", func(r chi.Router) {
		r.Use(apiMiddleware.CallbackAuth(app.config.Auth.CallbackToken))
		r.Post("/{provider}", callbackHandler.HandleCallback)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return otelhttp.NewHandler(r, "http.server")
}
