package app

import (
	"context"
	"net/http"
	"os"

	"holocron/pkg/api"
	"holocron/pkg/auth"
	"holocron/pkg/banner"
	"holocron/pkg/telemetry"
)

// openapiFile is served at /openapi.yaml when present next to the
// binary's working directory.
const openapiFile = "./docs/openapi.yaml"

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// buildHandler assembles the full HTTP surface: the API router wrapped
// with auth, then telemetry so traces cover rejected requests too.
func (a *App) buildHandler() http.Handler {
	openapi := ""
	if _, err := os.Stat(openapiFile); err == nil {
		openapi = openapiFile
	}

	hooks := api.AdminHooks{
		PurgeNow: func(ctx context.Context) (any, error) { return a.ret.RunNow(ctx) },
	}
	if a.sync != nil {
		hooks.SyncStatus = func() any { return a.sync.Status() }
	}

	srv := api.New(api.Options{
		DB:                a.db,
		Version:           a.version,
		OpenAPIPath:       openapi,
		MaxDocSize:        a.eff.Config.Storage.MaxDocSize.Int64(),
		MaxAttachmentSize: a.eff.Config.Storage.MaxAttachmentSize.Int64(),
		Admin:             hooks,
	})

	sec := a.eff.Config.Security
	secCfg := auth.SecConfig{
		AllowedOrigins: append([]string{}, sec.CORS.AllowedOrigins...),
		RPS:            sec.RateLimit.RPS,
		Burst:          sec.RateLimit.Burst,
		IPWhitelist:    append([]string{}, sec.IPWhitelist...),
		BackendKeys:    auth.KeySet(sec.APIKeys.Backend),
		FrontendKeys:   auth.KeySet(sec.APIKeys.Frontend),
		AdminKeys:      auth.KeySet(sec.APIKeys.Admin),
	}

	wrapped := auth.Middleware(secCfg)(srv.Router())
	return telemetry.Middleware(wrapped)
}

// startHTTP builds the handler, starts the HTTP server in a goroutine
// and returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.srv = &http.Server{Addr: a.eff.Addr, Handler: a.buildHandler()}

	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
