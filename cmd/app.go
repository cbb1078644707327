// Package cmd provides the command line interface for systemctl.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/config"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/expand"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/socket"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/supervisor"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/systemd"
	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/unitstore"
)

type contextKey string

const appContextKey contextKey = "app"

// App holds the application dependencies for command line interface.
type App struct {
	Logger         log.Logger
	Config         *config.Settings
	ConfigProvider config.Provider
	Units          *unitstore.Store
	Supervisor     *supervisor.Supervisor
	Sockets        *socket.Activator
	Manager        *systemd.Manager
}

// AppOptions selects the optional parts of an App.
type AppOptions struct {
	// ExtraVars are NAME=VALUE assignments or @file references passed to
	// every unit environment.
	ExtraVars []string
	// Init wires socket activation, which needs a long running process.
	Init bool
	// Manager options, e.g. init loop overrides in tests.
	ManagerOptions []systemd.Option
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(logger log.Logger, configProv config.Provider, opts AppOptions) *App {
	cfg := configProv.GetConfig()
	units := unitstore.New(cfg, logger)

	supOpts := []supervisor.Option{
		supervisor.WithExpander(expand.New(cfg, logger, opts.ExtraVars)),
	}
	mgrOpts := append([]systemd.Option(nil), opts.ManagerOptions...)
	var sockets *socket.Activator
	if opts.Init {
		sockets = socket.New(cfg, logger)
		supOpts = append(supOpts, supervisor.WithSockets(sockets))
		mgrOpts = append(mgrOpts, systemd.WithSockets(sockets))
	}
	sup := supervisor.New(cfg, logger, supOpts...)

	return &App{
		Logger:         logger,
		Config:         cfg,
		ConfigProvider: configProv,
		Units:          units,
		Supervisor:     sup,
		Sockets:        sockets,
		Manager:        systemd.NewManager(cfg, logger, units, sup, mgrOpts...),
	}
}

// getApp retrieves the App from the command context.
func getApp(cmd *cobra.Command) *App {
	app, _ := cmd.Context().Value(appContextKey).(*App)
	return app
}
