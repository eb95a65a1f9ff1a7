package subcommands

import (
	"fmt"
	"log"

	"Hearth/internal/catalog"
	"Hearth/internal/config"
	"Hearth/internal/history"
	"Hearth/internal/llamasrv"
	"Hearth/internal/session"
)

// App bundles the wired subsystems every subcommand needs: the session
// manager over the llama-server binding, the model catalog, and the
// transcript store.
type App struct {
	Cfg     config.Config
	Manager *session.Manager
	Catalog *catalog.Store
	History *history.Store
}

// NewApp wires the subsystems from configuration.
func NewApp(cfg config.Config) (*App, error) {
	cat, err := catalog.NewStore(cfg.Store.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open model catalog: %w", err)
	}

	hist, err := history.NewStore(cfg.Store.HistoryPath)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	eng := llamasrv.New(cfg.Engine)
	mgr := session.NewManager(eng, cat, cfg)

	return &App{Cfg: cfg, Manager: mgr, Catalog: cat, History: hist}, nil
}

// Close unloads the model and releases the stores.
func (a *App) Close() {
	if err := a.Manager.UnloadModel(); err != nil {
		log.Printf("warning: failed to unload model: %v", err)
	}
	if err := a.History.Close(); err != nil {
		log.Printf("warning: failed to close history store: %v", err)
	}
	if err := a.Catalog.Close(); err != nil {
		log.Printf("warning: failed to close model catalog: %v", err)
	}
}

// projectorFor resolves the projector to load alongside a model: an
// explicit config value wins, then the catalog entry's registered one.
func (a *App) projectorFor(nameOrPath string) string {
	if a.Cfg.Model.ProjectorPath != "" {
		return a.Cfg.Model.ProjectorPath
	}
	return a.Catalog.ProjectorFor(nameOrPath)
}
