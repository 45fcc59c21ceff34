package app

import (
	"context"
	"log"
	"net/http"

	"incident_core/internal/config"
	"incident_core/internal/dispatch"
	"incident_core/internal/events"
	"incident_core/internal/extract"
	"incident_core/internal/gateway"
	"incident_core/internal/httpapi"
	"incident_core/internal/ledger"
	"incident_core/internal/metrics"
	"incident_core/internal/replay"
	"incident_core/internal/session"
)

// App wires the session pipeline components together.
type App struct {
	cfg     config.Config
	ledger  *ledger.Store
	core    *session.Orchestrator
	bus     *events.Bus
	metrics *metrics.Metrics
	watcher *replay.Watcher
	mux     *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	led, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	recovered, err := led.RecoverInterrupted(context.Background())
	if err != nil {
		led.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Printf("marked %d interrupted sessions failed", recovered)
	}
	bus := events.NewBus()
	m := metrics.New()
	extractor := extract.New(cfg, nil)
	router := dispatch.NewRouter(dispatch.SinksFromConfig(cfg, nil)...)
	core := session.NewOrchestrator(led, extractor, router, bus, m)
	watcher := replay.NewWatcher(cfg, core)
	mux := http.NewServeMux()
	httpapi.NewRouter(cfg, core, led, m).Register(mux)
	return &App{cfg: cfg, ledger: led, core: core, bus: bus, metrics: m, watcher: watcher, mux: mux}, nil
}

// Run starts the event log, replay watcher, voice gateway, and HTTP server.
func (a *App) Run(ctx context.Context) error {
	go a.logEvents(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.cfg.BridgeAPIKey != "" {
		go a.pumpGateway(ctx)
	}
	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
		a.core.Wait()
		a.ledger.Close()
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	return srv.ListenAndServe()
}

// pumpGateway runs one bridged call end to end: opens the voice connection,
// starts a session, and feeds utterances until the bridge hangs up.
func (a *App) pumpGateway(ctx context.Context) {
	gw := gateway.New(a.cfg, nil)
	if err := gw.Open(ctx); err != nil {
		log.Printf("gateway open: %v", err)
		return
	}
	defer gw.Close()
	id, err := a.core.Start(ctx)
	if err != nil {
		log.Printf("gateway session start: %v", err)
		return
	}
	log.Printf("gateway session %s started", id)
	for ev := range gw.Events() {
		if err := a.core.RecordUtterance(ctx, id, ev.Speaker, ev.Text, ev.Timestamp); err != nil {
			log.Printf("gateway utterance: %v", err)
		}
	}
	if n := gw.Dropped(); n > 0 {
		log.Printf("gateway dropped %d utterances", n)
	}
	if _, err := a.core.Stop(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("gateway session stop: %v", err)
	}
}

func (a *App) logEvents(ctx context.Context) {
	ch := a.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch e := ev.(type) {
			case events.Transition:
				log.Printf("session %s: %s -> %s", e.SessionID, e.From, e.To)
			case events.SinkResult:
				log.Printf("session %s: sink %s %s after %d attempts", e.SessionID, e.Sink, e.Status, e.Attempts)
			}
		}
	}
}

func (a *App) Core() *session.Orchestrator { return a.core }
func (a *App) Ledger() *ledger.Store      { return a.ledger }
func (a *App) Mux() *http.ServeMux        { return a.mux }
