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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/multiview/common"
	"github.com/apex/log"
)

// RouterFactory builds the MediaRouter for a call
type RouterFactory func(callID string) (MediaRouter, error)

// KeepAliveFactory builds the keep-alive call for a call. May return nil.
type KeepAliveFactory func(callID string) KeepAliveFunc

// RegistryParams session settings shared by every call
type RegistryParams struct {
	QueueDepth        int
	SubmitTimeout     time.Duration
	HeartbeatInterval time.Duration
	DefaultResolution Resolution
}

// SessionRegistry tracks the open CallSession of each call
type SessionRegistry struct {
	common.Component
	params     RegistryParams
	routers    RouterFactory
	keepAlives KeepAliveFactory
	metrics    *Metrics
	lock       sync.RWMutex
	sessions   map[string]*CallSession
}

// NewSessionRegistry define a new SessionRegistry
func NewSessionRegistry(
	params RegistryParams,
	routers RouterFactory,
	keepAlives KeepAliveFactory,
	metrics *Metrics,
) *SessionRegistry {
	return &SessionRegistry{
		Component: common.Component{
			LogTags: log.Fields{"module": "subscription", "component": "session-registry"},
		},
		params:     params,
		routers:    routers,
		keepAlives: keepAlives,
		metrics:    metrics,
		sessions:   make(map[string]*CallSession),
	}
}

// Open start a session for a newly negotiated media session
func (r *SessionRegistry) Open(media ManagerParams) (*CallSession, error) {
	if media.Resolution == "" {
		media.Resolution = r.params.DefaultResolution
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.sessions[media.CallID]; ok {
		return nil, fmt.Errorf("call %s: %w", media.CallID, common.ErrSessionExists)
	}
	router, err := r.routers(media.CallID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to define media router for call %s", media.CallID,
		)
		return nil, err
	}
	var keepAlive KeepAliveFunc
	if r.keepAlives != nil {
		keepAlive = r.keepAlives(media.CallID)
	}
	session, err := NewCallSession(
		CallSessionParams{
			Media:             media,
			QueueDepth:        r.params.QueueDepth,
			SubmitTimeout:     r.params.SubmitTimeout,
			HeartbeatInterval: r.params.HeartbeatInterval,
		},
		router,
		keepAlive,
		r.metrics,
	)
	if err != nil {
		return nil, err
	}
	if err := session.Start(); err != nil {
		_ = session.Stop()
		return nil, err
	}
	r.sessions[media.CallID] = session
	log.WithFields(r.LogTags).Infof(
		"Opened session for call %s with %d video sockets", media.CallID, len(media.VideoSockets),
	)
	return session, nil
}

// Get the open session of a call
func (r *SessionRegistry) Get(callID string) (*CallSession, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	session, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, common.ErrUnknownSession)
	}
	return session, nil
}

// Close stop and forget the session of a call
func (r *SessionRegistry) Close(callID string) error {
	r.lock.Lock()
	session, ok := r.sessions[callID]
	delete(r.sessions, callID)
	r.lock.Unlock()
	if !ok {
		return fmt.Errorf("call %s: %w", callID, common.ErrUnknownSession)
	}
	log.WithFields(r.LogTags).Infof("Closing session for call %s", callID)
	return session.Stop()
}

// CallIDs the calls with an open session, sorted
func (r *SessionRegistry) CallIDs() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.sessions))
	for callID := range r.sessions {
		result = append(result, callID)
	}
	sort.Strings(result)
	return result
}

// CloseAll stop every open session
func (r *SessionRegistry) CloseAll() {
	for _, callID := range r.CallIDs() {
		if err := r.Close(callID); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to close call %s", callID)
		}
	}
}
