package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	plugin "github.com/hashicorp/go-plugin"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/config"
	"github.com/lineageos/carservice-remotetaskd/internal/dispatch"
	"github.com/lineageos/carservice-remotetaskd/internal/hal"
	"github.com/lineageos/carservice-remotetaskd/internal/identity"
	"github.com/lineageos/carservice-remotetaskd/internal/log"
	"github.com/lineageos/carservice-remotetaskd/internal/loop"
	"github.com/lineageos/carservice-remotetaskd/internal/pkgmon"
	"github.com/lineageos/carservice-remotetaskd/internal/rpc"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// AgentCommand runs the dispatch core as a long-lived process, wiring
// C1-C9 together the way the teacher's agent command wires the server
// and client sub-agents together in one binary.
type AgentCommand struct{}

func (c *AgentCommand) Synopsis() string {
	return "Run the remote task dispatch core"
}

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: remotetaskd agent [options]

  Starts the remote task dispatch core: opens the identity store, loads
  configuration, and serves client registrations over a TCP listener
  until interrupted.

Options:

  -data-dir=<path>        Directory holding identity.db (default "./data")
  -config=<path>          Tunables HCL config file (optional)
  -serverless-config=<p>  Serverless static config file (optional)
  -hal-plugin=<path>      Path to an out-of-process HAL plugin binary
                          (default: run against an in-process fake HAL)
  -bind=<addr>            Listen address for client RPC (default "127.0.0.1:7750")
  -log-level=<level>      Log level (default "info")
`)
}

func (c *AgentCommand) Run(args []string) int {
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	dataDir := flags.String("data-dir", "./data", "directory holding identity.db")
	tunablesPath := flags.String("config", "", "tunables HCL config file")
	serverlessPath := flags.String("serverless-config", "", "serverless static config file")
	halPluginPath := flags.String("hal-plugin", "", "path to an out-of-process HAL plugin binary")
	bindAddr := flags.String("bind", "127.0.0.1:7750", "listen address for client RPC")
	logLevel := flags.String("log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	logger := log.New(*logLevel)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "error", err)
		return 1
	}

	tunables, err := config.LoadTunables(*tunablesPath)
	if err != nil {
		logger.Error("failed to load tunables", "error", err)
		return 1
	}

	var serverlessCfg *config.ServerlessConfig
	if *serverlessPath != "" {
		serverlessCfg, err = config.LoadServerlessConfig(*serverlessPath)
		if err != nil {
			// §4.3: a broken serverless document disables serverless
			// behavior for the session, it does not abort startup.
			logger.Warn("serverless config invalid, serverless clients disabled", "error", err)
			serverlessCfg = nil
		}
	}

	processKey, err := loadOrCreateProcessKey(*dataDir)
	if err != nil {
		logger.Error("failed to establish process encryption key", "error", err)
		return 1
	}

	store, err := identity.Open(*dataDir+"/identity.db", processKey, log.Named(logger, "identity"))
	if err != nil {
		logger.Error("failed to open identity store", "error", err)
		return 1
	}
	defer store.Close()

	adapter, closeHal, err := buildHalAdapter(*halPluginPath, logger)
	if err != nil {
		logger.Error("failed to start HAL adapter", "error", err)
		return 1
	}
	defer closeHal()

	evLoop := loop.New(log.Named(logger, "loop"), 256)
	defer evLoop.Stop()

	pm := pkgmon.NewFake()

	disp := dispatch.New(dispatch.Deps{
		Store:      store,
		ServConfig: serverlessCfg,
		Tunables:   tunables,
		Hal:        adapter,
		Binder:     &loggingBinder{log: log.Named(logger, "binder")},
		PkgMan:     pm,
		Controller: &loggingController{log: log.Named(logger, "power-controller")},
		Death:      noopDeathWatcher{},
		Post:       evLoop.Post,
		BootTime:   time.Now(),
		Log:        log.Named(logger, "dispatch"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := disp.Run(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		return 1
	}

	ln, err := net.Listen("tcp", *bindAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", *bindAddr, "error", err)
		return 1
	}

	rpcServer := rpc.NewServer(ln, disp.Registry, disp.Schedule, disp.Serverless, disp, log.Named(logger, "rpc"))
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- rpcServer.Serve(ctx) }()

	logger.Info("remotetaskd agent started", "bind", *bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("rpc server exited", "error", err)
		}
	}

	cancel()
	disp.Power.Stop()
	return 0
}

func loadOrCreateProcessKey(dataDir string) ([]byte, error) {
	path := dataDir + "/process.key"
	if b, err := os.ReadFile(path); err == nil && len(b) == 32 {
		return b, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("agent: generate process key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("agent: persist process key: %w", err)
	}
	return key, nil
}

func buildHalAdapter(pluginPath string, logger hclog.Logger) (hal.Adapter, func(), error) {
	if pluginPath == "" {
		return hal.NewFake(), func() {}, nil
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  hal.Handshake,
		Plugins:          map[string]plugin.Plugin{"hal": &hal.Plugin{}},
		Cmd:              exec.Command(pluginPath),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger.Named("hal-plugin"),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("agent: hal plugin handshake: %w", err)
	}

	raw, err := rpcClient.Dispense("hal")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("agent: hal plugin dispense: %w", err)
	}

	adapter, ok := raw.(hal.Adapter)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("agent: hal plugin does not implement Adapter")
	}

	return adapter, client.Kill, nil
}

// loggingBinder stands in for the platform's bindService/unbindService
// primitive (§1, out of scope): it logs instead of actually starting a
// worker process.
type loggingBinder struct {
	log hclog.Logger
}

func (b *loggingBinder) Bind(ctx context.Context, info *types.ServiceInfo) error {
	b.log.Info("bind", "uid", info.UidName, "component", info.ComponentAddress)
	return nil
}

func (b *loggingBinder) Unbind(ctx context.Context, info *types.ServiceInfo) error {
	b.log.Info("unbind", "uid", info.UidName, "component", info.ComponentAddress)
	return nil
}

// loggingController stands in for the platform power-management service
// (§1, out of scope): always reports PowerStateOn/in-use so the core
// never tries to shut anything down on its own in this standalone build.
type loggingController struct {
	log hclog.Logger
}

func (c *loggingController) RequestShutdown(ctx context.Context, nextState types.PowerState, runGarageMode bool) error {
	c.log.Info("shutdown requested", "next_state", nextState, "garage_mode", runGarageMode)
	return nil
}

func (c *loggingController) NextPowerState(ctx context.Context) (types.PowerState, error) {
	return types.PowerStateOn, nil
}

func (c *loggingController) VehicleInUse(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *loggingController) Acknowledge(ctx context.Context, state types.PowerState) error {
	c.log.Info("power state change acknowledged", "state", state)
	return nil
}

// noopDeathWatcher never fires: this standalone build has no binder
// death notifications to subscribe to (§1, out of scope).
type noopDeathWatcher struct{}

func (noopDeathWatcher) WatchDeath(callback types.ClientCallback, onDead func()) {}

var _ collab.ServiceBinder = (*loggingBinder)(nil)
var _ collab.PowerController = (*loggingController)(nil)
var _ collab.DeathWatcher = noopDeathWatcher{}
