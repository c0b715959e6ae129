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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/multiview/common"
	"github.com/alwitt/multiview/core"
	"github.com/alwitt/multiview/subscription"
	"github.com/apex/log"
)

// natsMediaRouter implements subscription.MediaRouter by publishing MediaCommands
type natsMediaRouter struct {
	common.Component
	nats    *core.NatsClient
	subject string
}

// GetNatsMediaRouter define a MediaRouter publishing the commands of one call over NATS
func GetNatsMediaRouter(
	natsClient *core.NatsClient, subjectPrefix, callID string,
) (subscription.MediaRouter, error) {
	if err := ValidateCallID(callID); err != nil {
		return nil, err
	}
	subject := MediaCommandSubject(subjectPrefix, callID)
	logTags := log.Fields{
		"module": "dataplane", "component": "media-router", "call": callID, "subject": subject,
	}
	return &natsMediaRouter{
		Component: common.Component{LogTags: logTags}, nats: natsClient, subject: subject,
	}, nil
}

// Subscribe start receiving a media stream on a socket
func (r *natsMediaRouter) Subscribe(
	ctxt context.Context,
	kind subscription.MediaKind,
	msi subscription.MSI,
	resolution subscription.Resolution,
	socket subscription.SocketID,
) error {
	return r.publish(ctxt, MediaCommand{
		Action:     ActionSubscribe,
		Kind:       kind,
		MSI:        &msi,
		Resolution: resolution,
		SocketID:   socket,
		IssuedAt:   time.Now().UTC(),
	})
}

// Unsubscribe stop receiving on a socket
func (r *natsMediaRouter) Unsubscribe(
	ctxt context.Context, kind subscription.MediaKind, socket subscription.SocketID,
) error {
	return r.publish(ctxt, MediaCommand{
		Action:   ActionUnsubscribe,
		Kind:     kind,
		SocketID: socket,
		IssuedAt: time.Now().UTC(),
	})
}

func (r *natsMediaRouter) publish(ctxt context.Context, cmd MediaCommand) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(&cmd)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to encode media command")
		return err
	}
	if err := r.nats.NATs().Publish(r.subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to publish %s %s on socket %d", cmd.Action, cmd.Kind, cmd.SocketID,
		)
		return err
	}
	log.WithFields(r.LogTags).Debugf("Published %s %s on socket %d", cmd.Action, cmd.Kind, cmd.SocketID)
	return nil
}

// ==============================================================================

// GetNatsKeepAlive define the keep-alive call of one call as a NATS request
func GetNatsKeepAlive(
	natsClient *core.NatsClient, subjectPrefix, callID string, timeout time.Duration,
) subscription.KeepAliveFunc {
	subject := KeepAliveSubject(subjectPrefix, callID)
	logTags := log.Fields{
		"module": "dataplane", "component": "keep-alive", "call": callID, "subject": subject,
	}
	return func(ctxt context.Context) error {
		payload, err := json.Marshal(&KeepAliveRequest{CallID: callID, SentAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		reqCtxt, cancel := context.WithTimeout(ctxt, timeout)
		defer cancel()
		resp, err := natsClient.NATs().RequestWithContext(reqCtxt, subject, payload)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Keep-alive request failed")
			return err
		}
		var parsed KeepAliveResponse
		if err := json.Unmarshal(resp.Data, &parsed); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to parse keep-alive response")
			return err
		}
		if !parsed.Success {
			return fmt.Errorf("keep-alive for call %s rejected: %s", callID, parsed.Error)
		}
		log.WithFields(logTags).Debug("Keep-alive acknowledged")
		return nil
	}
}
