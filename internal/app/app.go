// Package app wires the relay server: registry, inbound router, connection
// endpoint, and health monitor, assembled from configuration.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/terrafield/relay/internal/clock"
	"github.com/terrafield/relay/internal/config"
	"github.com/terrafield/relay/internal/endpoint"
	"github.com/terrafield/relay/internal/health"
	"github.com/terrafield/relay/internal/protocol"
	"github.com/terrafield/relay/internal/registry"
	msgrouter "github.com/terrafield/relay/internal/router"
)

// App is the assembled relay server.
type App struct {
	cfg *config.Config
	clk clock.Clock

	reg     *registry.Registry
	inbound *msgrouter.Router
	ep      *endpoint.Endpoint
	health  *health.Monitor

	sweepInterval time.Duration
}

// replierProxy breaks the construction cycle between the router, which
// replies through the endpoint, and the endpoint, which dispatches through
// the router.
type replierProxy struct {
	ep *endpoint.Endpoint
}

func (p *replierProxy) SendTo(clientID string, env *protocol.Envelope) error {
	return p.ep.SendTo(clientID, env)
}

// New assembles the server from configuration.
func New(cfg *config.Config) *App {
	clk := clock.New()
	a := &App{
		cfg:           cfg,
		clk:           clk,
		sweepInterval: seconds(cfg.Registry.SweepIntervalSec),
	}

	a.reg = registry.New(clk,
		registry.WithIdleTimeout(seconds(cfg.Registry.IdleTimeoutSec)),
	)

	proxy := &replierProxy{}
	a.inbound = msgrouter.New(clk, proxy,
		msgrouter.WithTick(millis(cfg.Router.TickMS)),
		msgrouter.WithMaxQueue(cfg.Router.MaxQueue),
		msgrouter.WithErrorListener(func(error) { a.recordError() }),
	)

	a.ep = endpoint.New(cfg.Server.Host, cfg.Server.Port, a.reg, a.inbound, clk,
		endpoint.WithHeartbeat(seconds(cfg.Heartbeat.IntervalSec), seconds(cfg.Heartbeat.TimeoutSec)),
		endpoint.WithPollQueueSize(cfg.Poll.QueueSize),
		endpoint.WithErrorRecorder(a.recordError),
	)
	proxy.ep = a.ep

	a.health = health.New(clk, a.ep, cfg.Health.ProbeHost,
		health.WithMinInterval(seconds(cfg.Health.MinIntervalSec)),
		health.WithErrorWindow(seconds(cfg.Health.ErrorWindowSec)),
		health.WithErrorThreshold(cfg.Health.ErrorThreshold),
		health.WithMemoryThreshold(cfg.Health.MemoryThreshold),
		health.WithMaxCycles(cfg.Health.MaxCycles),
	)
	a.ep.SetHealthProvider(func() interface{} { return a.health.Snapshot() })

	a.inbound.Register(protocol.TypeRelay, a.handleRelay)

	return a
}

// Router exposes the inbound dispatcher so embedding applications can
// register their own message handlers.
func (a *App) Router() *msgrouter.Router { return a.inbound }

// Endpoint exposes the connection endpoint, for tests and embedding.
func (a *App) Endpoint() *endpoint.Endpoint { return a.ep }

// Health exposes the health monitor.
func (a *App) Health() *health.Monitor { return a.health }

// Start brings the server up: dispatch loop, idle sweeper, health
// evaluation, then the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	log.Info().
		Str("host", a.cfg.Server.Host).
		Int("port", a.cfg.Server.Port).
		Msg("relay starting")

	a.inbound.Start()
	a.reg.StartSweeper(a.sweepInterval)
	a.health.Start()
	return a.ep.Start()
}

// Stop shuts the server down in reverse order: notify and close clients
// first, then halt the background loops.
func (a *App) Stop(ctx context.Context) error {
	log.Info().Msg("relay stopping")

	err := a.ep.Shutdown(ctx, "server stopping")
	a.health.Stop()
	a.reg.Stop()
	a.inbound.Stop()
	return err
}

// handleRelay forwards an application message to its target client, or to
// everyone when no target is set.
func (a *App) handleRelay(ctx context.Context, env *protocol.Envelope) error {
	if env.IsBroadcast() {
		a.ep.Broadcast(env)
		return nil
	}
	return a.ep.SendTo(env.Target, env)
}

func (a *App) recordError() {
	if a.health != nil {
		a.health.RecordError()
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
