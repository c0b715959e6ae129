// Copyright 2026 The multiview Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/multiview/cmd"
	"github.com/alwitt/multiview/common"
	"github.com/alwitt/multiview/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title multiview
// @version v0.1.0
// @description Call session diagnostics for the multiview video subscription manager

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "multiview video subscription manager",
		Description: "Keeps a conferencing bot's limited video sockets on the most relevant speakers",
		Flags:       globalFlags(),
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Serve call sessions",
				Description: "Consume call events from NATS, publish media router commands, " +
					"and expose call diagnostics over HTTP",
				Action: startServer,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("multiview exited with error")
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "json-log",
			Usage:       "Emit logs as JSON lines",
			Aliases:     []string{"j"},
			EnvVars:     []string{"LOG_AS_JSON"},
			Value:       false,
			DefaultText: "false",
			Destination: &cmdArgs.JSONLog,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Minimum log level: [debug info warn error]",
			Aliases:     []string{"l"},
			EnvVars:     []string{"LOG_LEVEL"},
			Value:       "warn",
			DefaultText: "warn",
			Destination: &cmdArgs.LogLevel,
		},
		&cli.StringFlag{
			Name:        "config-file",
			Usage:       "YAML config overriding the built-in defaults (NATS, session, diagnostics)",
			Aliases:     []string{"c"},
			EnvVars:     []string{"CONFIG_FILE"},
			Value:       "",
			DefaultText: "",
			Destination: &cmdArgs.ConfigFile,
		},
	}
}

// applyLogSettings install the log handler and level picked on the command line
func applyLogSettings() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	levels := map[string]log.Level{
		"debug": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	level, ok := levels[cmdArgs.LogLevel]
	if !ok {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

// loadSystemConfig validate the CLI args, then merge the config file over the defaults
func loadSystemConfig() (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CLI arguments")
		return nil, err
	}
	applyLogSettings()
	if dump, err := json.MarshalIndent(&cmdArgs, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("CLI arguments\n%s", dump)
	}

	if cmdArgs.ConfigFile != "" {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to decode system config")
		return nil, err
	}
	if dump, err := json.MarshalIndent(&config, "", "  "); err == nil {
		log.WithFields(logTags).Debugf("System config\n%s", dump)
	}
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("System config failed validation")
		return nil, err
	}
	return &config, nil
}

// connectNats open the NATS connection carrying call events and media commands.
// Losing the connection for good cancels the service context.
func connectNats(
	config common.NATSConfig, stopService context.CancelFunc,
) (*core.NatsClient, error) {
	return core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"Lost NATS server %s, call events paused", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"Reconnected to NATS server %s, call events resumed", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS connection closed, stopping call sessions")
			stopService()
		},
	})
}

// stopOnInterrupt cancel the service context on SIGINT
func stopOnInterrupt(wg *sync.WaitGroup, serviceCtxt context.Context, stopService context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)
		select {
		case <-interrupts:
			log.WithFields(logTags).Info("Interrupted, closing call sessions")
			stopService()
		case <-serviceCtxt.Done():
		}
	}()
}

// startServer action of the "server" command
func startServer(c *cli.Context) error {
	config, err := loadSystemConfig()
	if err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	serviceCtxt, stopService := context.WithCancel(context.Background())
	defer wg.Wait()
	defer stopService()

	natsClient, err := connectNats(config.NATS, stopService)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to NATS server %s", config.NATS.ServerURI,
		)
		return err
	}
	defer func() {
		closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		natsClient.Close(closeCtxt)
	}()

	stopOnInterrupt(wg, serviceCtxt, stopService)

	return cmd.RunServer(serviceCtxt, config, cmdArgs.Hostname, natsClient)
}
