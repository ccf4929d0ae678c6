/*
Copyright 2025 Kiwi Platform Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command kiwi runs the single-host deployment platform.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/service"
)

func main() {
	app := kingpin.New("kiwi", "Self-hosted single-machine deployment platform.")
	host := app.Flag("host", "Bind address.").
		Default(defaults.BindHost).String()
	port := app.Flag("port", "Bind port.").
		Default(strconv.Itoa(defaults.BindPort)).Int()
	logLevel := app.Flag("log-level", "Log level: debug, info, warn or error.").
		Default("info").Enum("debug", "info", "warn", "error")
	devFrontendPort := app.Flag("dev-frontend-server-port",
		"Local dev frontend server root requests proxy to when no static files path is set.").
		Default(strconv.Itoa(defaults.DevFrontendPort)).Int()
	configDir := app.Flag("config-folder-path",
		"Folder holding the secrets store and the TLS materials. Defaults to $HOME/.kiwi.").
		String()
	staticFilesPath := app.Flag("static-files-path", "Built frontend files.").
		String()
	letsEncryptEnv := app.Flag("lets-encrypt-environment", "ACME environment.").
		Default(service.LetsEncryptStaging).
		Enum(service.LetsEncryptStaging, service.LetsEncryptProduction)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := newLogger(*logLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	process, err := service.NewProcess(ctx, service.Config{
		Host:                   *host,
		Port:                   *port,
		ConfigDir:              *configDir,
		StaticFilesPath:        *staticFilesPath,
		DevFrontendPort:        *devFrontendPort,
		LetsEncryptEnvironment: *letsEncryptEnv,
		Log:                    log,
	})
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	err = process.Run(ctx)
	process.Close()
	if err != nil {
		log.Error("server terminated unexpectedly", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
