package main

import (
	"net/http"

	"github.com/justinas/alice"

	"hydrofirma/growunit/hub/ui"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServerFS(ui.Files))
	mux.HandleFunc("GET /ping", ping)
	mux.Handle("GET /metrics", app.metrics.handler())
	mux.HandleFunc("GET /api/telemetry", app.apiTelemetry)

	dynamic := alice.New(app.requireOperator, app.sessionManager.LoadAndSave, app.noSurf)
	mux.Handle("GET /{$}", dynamic.ThenFunc(app.home))
	mux.Handle("POST /command/auto", dynamic.ThenFunc(app.autoCommandPost))
	mux.Handle("POST /command/actuator", dynamic.ThenFunc(app.actuatorCommandPost))

	standard := alice.New(app.recoverPanic, app.logRequest, app.securityHeaders, app.enableCORS)
	return standard.Then(mux)
}
