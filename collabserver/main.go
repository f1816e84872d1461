package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/bringyour/collab/collab"
)

const ShutdownTimeout = 10 * time.Second

func main() {
	usage := `Collaboration server.

Settings are read from defaults, then the config file, then a local .env file
and COLLAB_* environment variables, then the command line.

Usage:
    collabserver serve [--port=<port>] [--address=<address>] [--config=<config>]
        [--allowed_origin=<origin>...]
        [--verbosity=<level>] [--logtostderr]
    collabserver check-config [--config=<config>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    -p --port=<port>                 Listen port.
    --address=<address>              Listen address.
    --config=<config>                Yaml config file.
    --allowed_origin=<origin>        Allowed websocket origin. Repeat for more than one.
    --verbosity=<level>              Glog verbosity [default: 0].
    --logtostderr                    Log to stderr instead of files.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], collab.RequireVersion())
	if err != nil {
		panic(err)
	}

	// missing .env is fine
	godotenv.Load(".env")

	initGlog(opts)
	defer glog.Flush()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if checkConfig_, _ := opts.Bool("check-config"); checkConfig_ {
		checkConfig(opts)
	}
}

func initGlog(opts docopt.Opts) {
	if level, _ := opts.String("--verbosity"); level != "" {
		flag.Set("v", level)
	}
	if logToStderr, _ := opts.Bool("--logtostderr"); logToStderr {
		flag.Set("logtostderr", "true")
	}
	// glog reads its settings from the standard flag set
	flag.CommandLine.Parse([]string{})
}

func loadConfig(opts docopt.Opts) (*collab.ServerConfig, error) {
	configPath, _ := opts.String("--config")
	config, err := collab.LoadServerConfig(configPath)
	if err != nil {
		return nil, err
	}
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if address, _ := opts.String("--address"); address != "" {
		config.Address = address
	}
	if origins, ok := opts["--allowed_origin"].([]string); ok && 0 < len(origins) {
		config.AllowedOrigins = origins
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func checkConfig(opts docopt.Opts) {
	config, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Invalid config (%s).\n", err)
		os.Exit(1)
	}
	printConfig(config)
}

func printConfig(config *collab.ServerConfig) {
	fmt.Printf("address: %s\n", config.Addr())
	fmt.Printf("inactivity_timeout: %s\n", config.InactivityTimeout)
	fmt.Printf("empty_room_timeout: %s\n", config.EmptyRoomTimeout)
	fmt.Printf("sweep_interval: %s\n", config.SweepInterval)
	fmt.Printf("change_log_capacity: %s\n", humanize.Comma(int64(config.ChangeLogCapacity)))
	fmt.Printf("change_backfill: %s\n", humanize.Comma(int64(config.ChangeBackfill)))
	fmt.Printf("max_message_size: %s\n", humanize.IBytes(uint64(config.MaxMessageSize)))
	fmt.Printf("message_rate: %.1f/s burst %d\n", config.MessageRate, config.MessageBurst)
	if len(config.AllowedOrigins) == 0 {
		fmt.Printf("allowed_origins: *\n")
	} else {
		fmt.Printf("allowed_origins: %v\n", config.AllowedOrigins)
	}
}

func serve(opts docopt.Opts) {
	config, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Invalid config (%s).\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	roomManager := collab.NewRoomManager(config.RoomManagerSettings())
	reaper := collab.NewIdleReaper(ctx, roomManager, config.SweepInterval)
	defer reaper.Close()

	gatewaySettings := config.GatewaySettings(collab.RequireVersion())
	if host, err := collab.Host(); err == nil {
		gatewaySettings.Host = host
	}
	gateway := collab.NewGateway(ctx, roomManager, gatewaySettings)
	defer gateway.Close()

	printConfig(config)
	fmt.Printf(
		"Collab %s on %s\n",
		collab.RequireVersion(),
		config.Addr(),
	)

	server := &http.Server{
		Addr:    config.Addr(),
		Handler: gateway,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("server error: %s\n", err)
		}
	}()

	<-ctx.Done()

	stats := roomManager.Stats()
	glog.Infof(
		"[main]shutdown with %s rooms, %s members\n",
		humanize.Comma(int64(stats.Rooms)),
		humanize.Comma(int64(stats.Members)),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	// hijacked websocket connections are not tracked by the server.
	// closing the gateway ends them
	gateway.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Infof("[main]shutdown error = %s\n", err)
	}
}
