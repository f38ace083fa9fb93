package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-1/app"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/repository"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/server"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/srvreg"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

// ledgerFlags are the ledger node's own settings. Each can also be given as
// FOODTRACE_L1_<NAME>, which wins over the default but not over the flag.
type ledgerFlags struct {
	Home         string
	HTTPPort     string
	PostgresHost string
	PostgresDSN  string
}

func parseFlags() ledgerFlags {
	env := viper.New()
	env.SetEnvPrefix("FOODTRACE_L1")
	env.AutomaticEnv()
	env.SetDefault("home", "./node-config/l1-node")
	env.SetDefault("http_port", "5000")
	env.SetDefault("postgres_host", "l1-postgres0:5432")
	env.SetDefault("postgres_dsn", "")

	var f ledgerFlags
	flag.StringVar(&f.Home, "cmt-home", env.GetString("home"), "Path to the CometBFT config directory")
	flag.StringVar(&f.HTTPPort, "http-port", env.GetString("http_port"), "HTTP web server port")
	flag.StringVar(&f.PostgresHost, "postgres-host", env.GetString("postgres_host"), "Mirror database host address")
	flag.StringVar(&f.PostgresDSN, "postgres-dsn", env.GetString("postgres_dsn"), "Full mirror database DSN, overrides -postgres-host")
	flag.Parse()

	if f.Home == "" {
		f.Home = os.ExpandEnv("$HOME/.cometbft")
	}
	return f
}

// mirrorDSN is the connection string of the relational mirror
func (f ledgerFlags) mirrorDSN() string {
	if f.PostgresDSN != "" {
		return f.PostgresDSN
	}
	return fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", f.PostgresHost)
}

func main() {
	flags := parseFlags()
	homeDir, httpPort := flags.Home, flags.HTTPPort

	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(filepath.Join(homeDir, "config", "config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err := cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}
	logger.Info("Starting traceability ledger node", "home", homeDir, "http_port", httpPort)

	repo := repository.NewRepository(logger)
	if err := repo.ConnectDB(flags.mirrorDSN()); err != nil {
		log.Fatalf("Mirror database: %v", err)
	}

	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening badger database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Closing badger database: %v", err)
		}
	}()

	serviceRegistry := srvreg.NewServiceRegistry(repo, logger)
	serviceRegistry.RegisterDefaultServices()

	abciApp := app.NewABCIApplication(db, &app.AppConfig{
		NodeID:    filepath.Base(homeDir),
		LogAllTxs: true,
	}, logger)

	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("Failed to load node's key: %v", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(abciApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating CometBFT node: %v", err)
	}

	abciApp.SetNodeID(string(node.NodeInfo().ID()))
	repo.SetupRpcClient(cmtrpc.New(node))

	if err := node.Start(); err != nil {
		log.Fatalf("Starting CometBFT node: %v", err)
	}
	defer func() {
		logger.Info("Stopping CometBFT node")
		node.Stop()
		node.Wait()
	}()

	webserver := server.NewWebServer(abciApp, httpPort, logger, node, serviceRegistry)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	logger.Info("Ledger node started",
		"node_id", string(node.NodeInfo().ID()),
		"http", fmt.Sprintf("http://localhost:%s", httpPort),
		"rpc", config.RPC.ListenAddress,
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal, shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("Ledger node stopped")
}
