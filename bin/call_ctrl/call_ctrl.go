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
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alwitt/multiview/core"
	"github.com/alwitt/multiview/dataplane"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

type natsArgs struct {
	ServerURI      string        `json:"server_uri" validate:"required,uri"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

type cmdArgs struct {
	JSONLog       bool
	LogLevel      string   `validate:"required,oneof=debug info warn error"`
	NATS          natsArgs `json:"nats" validate:"required,dive"`
	SubjectPrefix string   `json:"subject_prefix" validate:"required"`
	CallID        string   `json:"call_id" validate:"required"`
	EventFile     string   `json:"event_file"`
	ReplyTimeout  time.Duration
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "multiview call control",
		Description: "Inject call events into a multiview server, and watch the resulting media commands",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// NATS
			&cli.StringFlag{
				Name:        "nats-server-uri",
				Usage:       "NATS server URI",
				Aliases:     []string{"nsu"},
				EnvVars:     []string{"NATS_SERVER_URI"},
				Value:       "nats://127.0.0.1:4222",
				DefaultText: "nats://127.0.0.1:4222",
				Destination: &args.NATS.ServerURI,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "nats-connect-timeout",
				Usage:       "NATS connection timeout",
				Aliases:     []string{"nct"},
				EnvVars:     []string{"NATS_CONNECT_TIMEOUT"},
				Value:       time.Second * 15,
				DefaultText: "15s",
				Destination: &args.NATS.ConnectTimeout,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "subject-prefix",
				Usage:       "NATS subject prefix used by the server",
				Aliases:     []string{"sp"},
				EnvVars:     []string{"SUBJECT_PREFIX"},
				Value:       "multiview",
				DefaultText: "multiview",
				Destination: &args.SubjectPrefix,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "call-id",
				Usage:       "Target call ID",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CALL_ID"},
				Destination: &args.CallID,
				Required:    true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "send",
				Usage:       "Send one call event",
				Description: "Read a call event JSON file, send it to the server, and print the ACK",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "event-file",
						Usage:       "Call event JSON file",
						Aliases:     []string{"f"},
						EnvVars:     []string{"EVENT_FILE"},
						Destination: &args.EventFile,
						Required:    true,
					},
					&cli.DurationFlag{
						Name:        "reply-timeout",
						Usage:       "Max duration to wait for the ACK",
						Aliases:     []string{"rt"},
						EnvVars:     []string{"REPLY_TIMEOUT"},
						Value:       time.Second * 5,
						DefaultText: "5s",
						Destination: &args.ReplyTimeout,
						Required:    false,
					},
				},
				Action: sendEvent,
			},
			{
				Name:        "watch",
				Usage:       "Watch media commands",
				Description: "Print media router commands issued for the call until interrupted",
				Action:      watchCommands,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func setup() (*core.NatsClient, error) {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).Error("Invalid CMD args")
		return nil, err
	}
	if err := dataplane.ValidateCallID(args.CallID); err != nil {
		log.WithError(err).Error("Invalid call ID")
		return nil, err
	}
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
	return core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           args.NATS.ServerURI,
		ConnectTimeout:      args.NATS.ConnectTimeout,
		MaxReconnectAttempt: 0,
	})
}

func sendEvent(c *cli.Context) error {
	natsClient, err := setup()
	if err != nil {
		return err
	}
	defer natsClient.Close(context.Background())

	raw, err := os.ReadFile(args.EventFile)
	if err != nil {
		log.WithError(err).Errorf("Unable to read %s", args.EventFile)
		return err
	}
	var event dataplane.CallEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		log.WithError(err).Errorf("Unable to parse %s", args.EventFile)
		return err
	}
	event.CallID = args.CallID
	if err := event.Validate(validator.New()); err != nil {
		log.WithError(err).Error("Call event is not valid")
		return err
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		return err
	}

	ctxt, cancel := context.WithTimeout(context.Background(), args.ReplyTimeout)
	defer cancel()
	resp, err := natsClient.NATs().RequestWithContext(
		ctxt, dataplane.CallEventSubject(args.SubjectPrefix, args.CallID), payload,
	)
	if err != nil {
		log.WithError(err).Errorf("No ACK for %s event", event.Type)
		return err
	}
	var ack dataplane.EventAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		log.WithError(err).Error("Unable to parse ACK")
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%s event rejected: %s", event.Type, ack.Error)
	}
	log.Infof("%s event accepted for call %s", event.Type, args.CallID)
	return nil
}

func watchCommands(c *cli.Context) error {
	natsClient, err := setup()
	if err != nil {
		return err
	}
	defer natsClient.Close(context.Background())

	subject := dataplane.MediaCommandSubject(args.SubjectPrefix, args.CallID)
	sub, err := natsClient.NATs().SubscribeSync(subject)
	if err != nil {
		log.WithError(err).Errorf("Unable to subscribe to %s", subject)
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt)
		select {
		case <-cc:
			cancel()
		case <-ctxt.Done():
		}
	}()

	log.Infof("Watching %s", subject)
	for {
		msg, err := sub.NextMsgWithContext(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			if err == nats.ErrConnectionClosed {
				return err
			}
			log.WithError(err).Error("Failed to read next media command")
			continue
		}
		var command dataplane.MediaCommand
		if err := json.Unmarshal(msg.Data, &command); err != nil {
			log.WithError(err).Error("Unparsable media command")
			continue
		}
		msi := "-"
		if command.MSI != nil {
			msi = fmt.Sprintf("%d", *command.MSI)
		}
		fmt.Printf(
			"%s %-11s %-12s msi=%s socket=%d resolution=%s\n",
			command.IssuedAt.Format(time.RFC3339Nano),
			command.Action,
			command.Kind,
			msi,
			command.SocketID,
			command.Resolution,
		)
	}
}
