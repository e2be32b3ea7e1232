package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ark-network/escrowd/internal/config"
	"github.com/urfave/cli/v2"
)

// flags
var (
	urlFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "the url of the daemon",
		Value: fmt.Sprintf("http://localhost:%d", config.DefaultPort),
	}
)

// commands
var (
	configCmd = &cli.Command{
		Name:   "config",
		Usage:  "Print the configuration loaded from the environment",
		Action: configAction,
	}
	healthCmd = &cli.Command{
		Name:   "health",
		Usage:  "Check whether the daemon is connected to the ledger",
		Action: healthAction,
		Flags:  []cli.Flag{urlFlag},
	}
)

func configAction(_ *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	fmt.Println(cfg.String())
	return nil
}

func healthAction(ctx *cli.Context) error {
	url := fmt.Sprintf("%s/healthz", ctx.String("url"))
	status, err := getHealth(url)
	if err != nil {
		return err
	}

	fmt.Println(status)
	return nil
}

func getHealth(url string) (string, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Add("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s", buf)
	}

	res := struct {
		Status string `json:"status"`
	}{}
	if err := json.Unmarshal(buf, &res); err != nil {
		return "", fmt.Errorf("failed to parse response: %s", err)
	}
	return res.Status, nil
}
