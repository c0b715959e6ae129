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
	"sync"

	"github.com/alwitt/multiview/common"
	"github.com/alwitt/multiview/core"
	"github.com/alwitt/multiview/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// CallEventListener reads call events from NATS and routes them to the call sessions
type CallEventListener struct {
	common.Component
	nats     *core.NatsClient
	registry *subscription.SessionRegistry
	prefix   string
	validate *validator.Validate
	sub      *nats.Subscription
	lock     sync.Mutex
	reading  bool
	ctxt     context.Context
}

// GetCallEventListener define a new CallEventListener
func GetCallEventListener(
	ctxt context.Context,
	natsClient *core.NatsClient,
	registry *subscription.SessionRegistry,
	subjectPrefix string,
) (*CallEventListener, error) {
	subject := CallEventWildcard(subjectPrefix)
	logTags := log.Fields{
		"module": "dataplane", "component": "call-event-listener", "subject": subject,
	}
	s, err := natsClient.NATs().SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &CallEventListener{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		registry:  registry,
		prefix:    subjectPrefix,
		validate:  validator.New(),
		sub:       s,
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading call events. Reading stops when the listener's context
// is done.
func (l *CallEventListener) StartReading(wg *sync.WaitGroup) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(l.LogTags).Error("Unable to start reading")
		return err
	}
	l.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(l.LogTags).Info("Starting call event read loop")
		defer log.WithFields(l.LogTags).Info("Stopping call event read loop")
		defer func() {
			if err := l.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := l.sub.NextMsgWithContext(l.ctxt)
			if err != nil {
				if l.ctxt.Err() == nil {
					log.WithError(err).WithFields(l.LogTags).Error("Read failure")
				}
				return
			}
			if newMsg == nil {
				continue
			}
			log.WithFields(l.LogTags).Debugf("Received %s", msgToString(newMsg))
			err = l.HandleMessage(l.ctxt, newMsg)
			if err != nil {
				log.WithError(err).WithFields(l.LogTags).Errorf(
					"Unable to process %s", msgToString(newMsg),
				)
			}
			l.reply(newMsg, err)
		}
	}()
	return nil
}

// reply acknowledge the event when it was sent as a request
func (l *CallEventListener) reply(msg *nats.Msg, processErr error) {
	if msg.Reply == "" {
		return
	}
	ack := EventAck{Success: processErr == nil}
	if processErr != nil {
		ack.Error = processErr.Error()
	}
	payload, err := json.Marshal(&ack)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Unable to encode event ACK")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Unable to send event ACK")
	}
}

// HandleMessage decode and process one call event message
func (l *CallEventListener) HandleMessage(ctxt context.Context, msg *nats.Msg) error {
	var event CallEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return fmt.Errorf("unable to parse call event: %w", err)
	}
	if err := event.Validate(l.validate); err != nil {
		return err
	}
	if expected := CallEventSubject(l.prefix, event.CallID); msg.Subject != expected {
		return fmt.Errorf(
			"call event for %s received on %s, expected %s", event.CallID, msg.Subject, expected,
		)
	}
	return l.HandleEvent(ctxt, event)
}

// HandleEvent process one call event
func (l *CallEventListener) HandleEvent(ctxt context.Context, event CallEvent) error {
	localLogTags := l.ExtendLogTags(log.Fields{"call": event.CallID})
	switch event.Type {
	case EventSessionStart:
		params := subscription.ManagerParams{
			CallID:            event.CallID,
			VideoSockets:      event.Session.VideoSockets,
			ScreenShareSocket: event.Session.ScreenShareSocket,
			Resolution:        subscription.Resolution(event.Session.Resolution),
		}
		if _, err := l.registry.Open(params); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to open call session")
			return err
		}
		return nil

	case EventSessionEnd:
		return l.registry.Close(event.CallID)

	case EventParticipants:
		session, err := l.registry.Get(event.CallID)
		if err != nil {
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Roster change: %d added, %d removed", len(event.Added), len(event.Removed),
		)
		return session.SubmitParticipantsUpdate(ctxt, event.Added, event.Removed)

	case EventDominantSpeaker:
		session, err := l.registry.Get(event.CallID)
		if err != nil {
			return err
		}
		msi := subscription.DominantSpeakerNone
		if event.DominantSpeaker != nil {
			msi = *event.DominantSpeaker
		}
		return session.SubmitDominantSpeakerChange(ctxt, msi)
	}
	return fmt.Errorf("unknown call event type '%s'", event.Type)
}
