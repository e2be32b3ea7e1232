package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ark-network/escrowd/internal/config"
	grpcservice "github.com/ark-network/escrowd/internal/interface/grpc"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := cli.NewApp()
	app.Name = "escrowd"
	app.Usage = "hash-locked conditional transfers over a shared ledger"
	app.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	app.Action = startAction
	app.Commands = append(app.Commands, configCmd, healthCmd)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func startAction(_ *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	svcConfig := grpcservice.Config{
		Port: cfg.Port,
	}

	svc, err := grpcservice.NewService(svcConfig, cfg)
	if err != nil {
		return err
	}

	log.RegisterExitHandler(svc.Stop)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, os.Interrupt)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
