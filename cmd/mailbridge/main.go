package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"

	"github.com/agentmail/matrix-bridge/pkg/mailbridge"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mailbridge - a Matrix ↔ agent-mail bridge",
		"mailbridge [-c config.yaml]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	}
	if *wantHelp {
		flag.PrintHelp()
		return
	}

	cfg, err := mailbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	log := setupLogging(&cfg.Logging)

	br, err := mailbridge.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	if err = br.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	br.Stop()
}

func setupLogging(cfg *zeroconfig.Config) zerolog.Logger {
	if len(cfg.Writers) == 0 {
		cfg.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	log, err := cfg.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(2)
	}
	return *log
}
