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

package subscription

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/multiview/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Call session lifecycle states
const (
	StateNegotiating = "negotiating"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

const (
	eventEstablish = "establish"
	eventTerminate = "terminate"
)

// KeepAliveFunc keeps a call alive with the remote signaling layer
type KeepAliveFunc func(ctxt context.Context) error

// CallSessionParams parameters for a new CallSession
type CallSessionParams struct {
	// Media is the negotiated media session
	Media ManagerParams
	// QueueDepth is the max number of call events waiting to be processed
	QueueDepth int
	// SubmitTimeout bounds how long a submission waits for room in the queue. Zero
	// means wait on the caller's context only.
	SubmitTimeout time.Duration
	// HeartbeatInterval is the keep-alive interval. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
}

// CallSession one call's subscription manager, event queue, heartbeat and lifecycle.
//
// Call events are queued and processed one at a time in submission order.
type CallSession struct {
	common.Component
	callID            string
	instanceID        string
	manager           *SubscriptionManager
	tp                common.TaskProcessor
	heartbeat         common.IntervalTimer
	heartbeatInterval time.Duration
	keepAlive         KeepAliveFunc
	submitTimeout     time.Duration
	metrics           *Metrics
	lifecycle         *fsm.FSM
	runtimeCtxt       context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// NewCallSession define a new CallSession. The session does not process events until
// Start is called.
func NewCallSession(
	params CallSessionParams,
	router MediaRouter,
	keepAlive KeepAliveFunc,
	metrics *Metrics,
) (*CallSession, error) {
	instanceID := uuid.New().String()
	logTags := log.Fields{
		"module":    "subscription",
		"component": "call-session",
		"call":      params.Media.CallID,
		"instance":  instanceID,
	}
	manager, err := NewSubscriptionManager(params.Media, router, metrics)
	if err != nil {
		return nil, err
	}

	runtimeCtxt, cancel := context.WithCancel(context.Background())
	tp, err := common.GetNewTaskProcessorInstance(
		runtimeCtxt, fmt.Sprintf("call-%s", params.Media.CallID), params.QueueDepth,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define event processor")
		return nil, err
	}

	instance := &CallSession{
		Component:         common.Component{LogTags: logTags},
		callID:            params.Media.CallID,
		instanceID:        instanceID,
		manager:           manager,
		tp:                tp,
		heartbeatInterval: params.HeartbeatInterval,
		keepAlive:         keepAlive,
		submitTimeout:     params.SubmitTimeout,
		metrics:           metrics,
		runtimeCtxt:       runtimeCtxt,
		cancel:            cancel,
	}

	instance.heartbeat, err = common.GetIntervalTimerInstance(
		runtimeCtxt, fmt.Sprintf("heartbeat-%s", params.Media.CallID), &instance.wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}

	instance.lifecycle = fsm.NewFSM(
		StateNegotiating,
		fsm.Events{
			{Name: eventEstablish, Src: []string{StateNegotiating}, Dst: StateEstablished},
			{
				Name: eventTerminate,
				Src:  []string{StateNegotiating, StateEstablished},
				Dst:  StateTerminated,
			},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.WithFields(instance.LogTags).Infof("Call session %s -> %s", e.Src, e.Dst)
			},
		},
	)

	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(participantsUpdate{}), instance.processParticipantsUpdate,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(dominantSpeakerChange{}), instance.processDominantSpeakerChange,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(flushBarrier{}), instance.processFlushBarrier,
	); err != nil {
		cancel()
		return nil, err
	}

	return instance, nil
}

// CallID the call this session belongs to
func (s *CallSession) CallID() string {
	return s.callID
}

// InstanceID unique ID of this session instance
func (s *CallSession) InstanceID() string {
	return s.instanceID
}

// State current lifecycle state
func (s *CallSession) State() string {
	return s.lifecycle.Current()
}

// Manager the session's subscription manager
func (s *CallSession) Manager() *SubscriptionManager {
	return s.manager
}

// Snapshot copy of the session's subscription state
func (s *CallSession) Snapshot() ManagerSnapshot {
	return s.manager.Snapshot()
}

// Start begin processing call events and sending heartbeats
func (s *CallSession) Start() error {
	if err := s.lifecycle.Event(s.runtimeCtxt, eventEstablish); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start call session")
		return err
	}
	if err := s.tp.StartEventLoop(&s.wg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start event loop")
		return err
	}
	if s.keepAlive != nil && s.heartbeatInterval > 0 {
		if err := s.heartbeat.Start(s.heartbeatInterval, s.sendKeepAlive, false); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to start heartbeat")
			return err
		}
	}
	s.metrics.sessionOpened()
	return nil
}

// Stop terminate the session. Events still queued are dropped.
func (s *CallSession) Stop() error {
	previous := s.lifecycle.Current()
	if err := s.lifecycle.Event(context.Background(), eventTerminate); err != nil {
		if s.lifecycle.Current() == StateTerminated {
			return nil
		}
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop call session")
		return err
	}
	_ = s.heartbeat.Stop()
	_ = s.tp.StopEventLoop()
	s.cancel()
	s.wg.Wait()
	if previous == StateEstablished {
		s.metrics.sessionClosed(s.callID)
	}
	return nil
}

func (s *CallSession) sendKeepAlive() error {
	log.WithFields(s.LogTags).Debug("Sending keep-alive")
	if err := s.keepAlive(s.runtimeCtxt); err != nil {
		s.metrics.recordHeartbeatFailure(s.callID)
		return fmt.Errorf("keep-alive for call %s failed: %w", s.callID, err)
	}
	return nil
}

// ========================================================================================

type participantsUpdate struct {
	added   []Participant
	removed []Participant
}

type dominantSpeakerChange struct {
	msi MSI
}

type flushBarrier struct {
	done chan struct{}
}

// submit queue an event, honoring the lifecycle state and the submit timeout
func (s *CallSession) submit(ctxt context.Context, event interface{}) error {
	switch state := s.lifecycle.Current(); state {
	case StateEstablished:
	case StateTerminated:
		return fmt.Errorf("call %s: %w", s.callID, common.ErrSessionClosed)
	default:
		return fmt.Errorf("call %s is still %s", s.callID, state)
	}
	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, s.submitTimeout)
		defer cancel()
	}
	if err := s.tp.Submit(ctxt, event); err != nil {
		if errors.Is(err, common.ErrProcessorStopped) {
			return fmt.Errorf("call %s: %w", s.callID, common.ErrSessionClosed)
		}
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to queue %s", reflect.TypeOf(event),
		)
		return err
	}
	return nil
}

// SubmitParticipantsUpdate queue a roster change
func (s *CallSession) SubmitParticipantsUpdate(
	ctxt context.Context, added []Participant, removed []Participant,
) error {
	return s.submit(ctxt, participantsUpdate{added: added, removed: removed})
}

// SubmitDominantSpeakerChange queue a dominant speaker change
func (s *CallSession) SubmitDominantSpeakerChange(ctxt context.Context, msi MSI) error {
	return s.submit(ctxt, dominantSpeakerChange{msi: msi})
}

// Flush wait until every event queued before the call has been processed
func (s *CallSession) Flush(ctxt context.Context) error {
	barrier := flushBarrier{done: make(chan struct{})}
	if err := s.submit(ctxt, barrier); err != nil {
		return err
	}
	select {
	case <-barrier.done:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-s.runtimeCtxt.Done():
		return fmt.Errorf("call %s: %w", s.callID, common.ErrSessionClosed)
	}
}

// processParticipantsUpdate support TaskProcessor, handle participantsUpdate
func (s *CallSession) processParticipantsUpdate(param interface{}) error {
	request, ok := param.(participantsUpdate)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for participants update", reflect.TypeOf(param),
		)
	}
	s.manager.OnParticipantsUpdated(s.runtimeCtxt, request.added, request.removed)
	return nil
}

// processDominantSpeakerChange support TaskProcessor, handle dominantSpeakerChange
func (s *CallSession) processDominantSpeakerChange(param interface{}) error {
	request, ok := param.(dominantSpeakerChange)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for dominant speaker change", reflect.TypeOf(param),
		)
	}
	s.manager.OnDominantSpeakerChanged(s.runtimeCtxt, request.msi)
	return nil
}

// processFlushBarrier support TaskProcessor, handle flushBarrier
func (s *CallSession) processFlushBarrier(param interface{}) error {
	request, ok := param.(flushBarrier)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for flush", reflect.TypeOf(param))
	}
	close(request.done)
	return nil
}
