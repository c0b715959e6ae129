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
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/multiview/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MediaRouter accepts subscription commands for a call's media session.
//
// Calls are fire-and-forget from the manager's view; the router owns delivery.
type MediaRouter interface {
	// Subscribe start receiving a media stream on a socket
	Subscribe(
		ctxt context.Context, kind MediaKind, msi MSI, resolution Resolution, socket SocketID,
	) error
	// Unsubscribe stop receiving on a socket
	Unsubscribe(ctxt context.Context, kind MediaKind, socket SocketID) error
}

// ManagerParams media session parameters negotiated at call start
type ManagerParams struct {
	// CallID is the call the session belongs to
	CallID string `json:"call_id" validate:"required"`
	// VideoSockets are the general purpose video sockets
	VideoSockets []SocketID `json:"video_sockets" validate:"required,min=1,unique"`
	// ScreenShareSocket is the socket reserved for screen sharing, if any
	ScreenShareSocket *SocketID `json:"screen_share_socket,omitempty"`
	// Resolution is the receive resolution for all subscriptions
	Resolution Resolution `json:"resolution" validate:"required,oneof=HD1080p HD720p SD360p SD180p"`
}

// StreamState subscription state of one participant video stream
type StreamState int

const (
	// StreamUnsubscribed the stream is not ranked and holds no socket
	StreamUnsubscribed StreamState = iota
	// StreamCachedNoSocket the stream is ranked but holds no socket
	StreamCachedNoSocket
	// StreamSubscribed the stream holds a socket
	StreamSubscribed
)

// String toString function
func (s StreamState) String() string {
	switch s {
	case StreamCachedNoSocket:
		return "cached-no-socket"
	case StreamSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

type routerAction int

const (
	actionSubscribe routerAction = iota
	actionUnsubscribe
)

// routerCommand a media router call decided under the lock, issued after release
type routerCommand struct {
	action routerAction
	kind   MediaKind
	msi    MSI
	socket SocketID
}

type screenSharer struct {
	participant string
	msi         MSI
}

// ManagerSnapshot point in time copy of a manager's state
type ManagerSnapshot struct {
	CallID            string            `json:"call_id"`
	Resolution        Resolution        `json:"resolution"`
	CacheCapacity     int               `json:"cache_capacity"`
	CacheOrder        []MSI             `json:"cache_order"`
	Assignments       map[MSI]SocketID  `json:"assignments"`
	FreeSockets       []SocketID        `json:"free_sockets"`
	TotalSockets      int               `json:"total_sockets"`
	ScreenShareSocket *SocketID         `json:"screen_share_socket,omitempty"`
	ScreenShareMSI    *MSI              `json:"screen_share_msi,omitempty"`
	Participants      []string          `json:"participants"`
}

// SubscriptionManager decides which participant stream is bound to which socket.
//
// The socket pool, the LRU cache, the assignment table and the roster form one unit
// guarded by a single lock. Router commands are issued after the lock is released.
type SubscriptionManager struct {
	common.Component
	callID            string
	resolution        Resolution
	screenShareSocket *SocketID
	router            MediaRouter
	metrics           *Metrics

	lock        sync.Mutex
	cache       *SubscriptionCache
	pool        *SocketPool
	assignments *AssignmentTable
	roster      map[string]Participant
	sharer      *screenSharer
}

// NewSubscriptionManager define a new SubscriptionManager for a media session
func NewSubscriptionManager(
	params ManagerParams, router MediaRouter, metrics *Metrics,
) (*SubscriptionManager, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "manager", "call": params.CallID,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid media session parameters")
		return nil, err
	}
	if params.ScreenShareSocket != nil {
		for _, socket := range params.VideoSockets {
			if socket == *params.ScreenShareSocket {
				err := fmt.Errorf("screen share socket %d is also a general video socket", socket)
				log.WithError(err).WithFields(logTags).Error("Invalid media session parameters")
				return nil, err
			}
		}
	}
	// The extra rank lets a forced candidate be ranked before its victim is chosen
	cache, err := NewSubscriptionCache(len(params.VideoSockets) + 1)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription cache")
		return nil, err
	}
	pool, err := NewSocketPool(params.VideoSockets)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define socket pool")
		return nil, err
	}
	instance := &SubscriptionManager{
		Component:         common.Component{LogTags: logTags},
		callID:            params.CallID,
		resolution:        params.Resolution,
		screenShareSocket: params.ScreenShareSocket,
		router:            router,
		metrics:           metrics,
		cache:             cache,
		pool:              pool,
		assignments:       NewAssignmentTable(),
		roster:            make(map[string]Participant),
	}
	metrics.recordSockets(params.CallID, 0, pool.Available())
	return instance, nil
}

// ========================================================================================
// Event handlers

// OnParticipantsUpdated reconcile a roster change batch
func (m *SubscriptionManager) OnParticipantsUpdated(
	ctxt context.Context, added []Participant, removed []Participant,
) {
	for _, participant := range added {
		m.OnParticipantAdded(ctxt, participant)
	}
	for _, participant := range removed {
		m.OnParticipantRemoved(ctxt, participant)
	}
}

// OnParticipantAdded track a new participant and subscribe to its streams if sockets allow
func (m *SubscriptionManager) OnParticipantAdded(ctxt context.Context, participant Participant) {
	if !participant.IsUsable() {
		log.WithFields(m.LogTags).Debugf(
			"Ignoring participant %s with no usable identity", participant.ID,
		)
		return
	}
	m.lock.Lock()
	commands := []routerCommand{}
	if previous, ok := m.roster[participant.ID]; ok {
		commands = m.planReplace(previous, participant)
	}
	m.roster[participant.ID] = participant
	commands = append(commands, m.planSubscribe(participant, false)...)
	m.lock.Unlock()

	m.dispatch(ctxt, participant, commands)
}

// OnParticipantRemoved stop tracking a participant and free its socket
func (m *SubscriptionManager) OnParticipantRemoved(ctxt context.Context, participant Participant) {
	if !participant.IsUsable() {
		return
	}
	m.lock.Lock()
	if tracked, ok := m.roster[participant.ID]; ok {
		participant = tracked
		delete(m.roster, participant.ID)
	}
	commands := m.planUnsubscribe(participant)
	m.lock.Unlock()

	m.dispatch(ctxt, participant, commands)
}

// OnDominantSpeakerChanged guarantee the new dominant speaker a socket
func (m *SubscriptionManager) OnDominantSpeakerChanged(ctxt context.Context, msi MSI) {
	if msi == DominantSpeakerNone {
		log.WithFields(m.LogTags).Debug("No dominant speaker")
		return
	}
	log.WithFields(m.LogTags).Infof("Dominant speaker changed to MSI %d", msi)

	m.lock.Lock()
	participant, ok := m.findStreamOwner(msi)
	if !ok {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debugf("MSI %d does not belong to any tracked participant", msi)
		return
	}
	commands := m.planSubscribe(participant, true)
	m.lock.Unlock()

	m.dispatch(ctxt, participant, commands)
}

// ========================================================================================
// Allocation policy. All plan* / allocate* calls expect the lock to be held.

func (m *SubscriptionManager) findStreamOwner(msi MSI) (Participant, bool) {
	for _, participant := range m.roster {
		if !participant.InLobby && participant.OwnsStream(msi) && participant.IsUsable() {
			return participant, true
		}
	}
	return Participant{}, false
}

func (m *SubscriptionManager) planSubscribe(
	participant Participant, forceSubscribe bool,
) []routerCommand {
	commands := []routerCommand{}
	if video, ok := participant.SendCapableVideo(); ok {
		if socket, ok := m.allocateVideo(participant, video.MSI, forceSubscribe); ok {
			commands = append(commands, routerCommand{
				action: actionSubscribe, kind: MediaKindVideo, msi: video.MSI, socket: socket,
			})
		}
		m.metrics.recordSockets(m.callID, m.assignments.Len(), m.pool.Available())
	}
	if share, ok := participant.ScreenShare(); ok {
		switch {
		case m.screenShareSocket == nil:
			log.WithFields(m.LogTags).Warnf(
				"Session has no screen share socket, ignoring screen share of %s", participant,
			)
		case m.sharer != nil && m.sharer.msi == share.MSI:
		default:
			m.sharer = &screenSharer{participant: participant.ID, msi: share.MSI}
			commands = append(commands, routerCommand{
				action: actionSubscribe,
				kind:   MediaKindScreenShare,
				msi:    share.MSI,
				socket: *m.screenShareSocket,
			})
		}
	}
	return commands
}

func (m *SubscriptionManager) allocateVideo(
	participant Participant, msi MSI, forceSubscribe bool,
) (SocketID, bool) {
	// Already holding a socket, only refresh its rank
	if _, ok := m.assignments.Lookup(msi); ok {
		m.cache.Insert(msi)
		return 0, false
	}

	if m.cache.Count() < m.cache.Capacity() {
		if socket, ok := m.pool.TakeAny(); ok {
			if evicted, didEvict := m.cache.Insert(msi); didEvict {
				m.releaseEvicted(evicted)
			}
			if err := m.assignments.Assign(msi, socket); err != nil {
				log.WithError(err).WithFields(m.LogTags).Errorf(
					"Unable to bind socket %d to MSI %d", socket, msi,
				)
				m.cache.Remove(msi)
				if err := m.pool.Return(socket); err != nil {
					log.WithError(err).WithFields(m.LogTags).Errorf("Unable to return socket %d", socket)
				}
				return 0, false
			}
			log.WithFields(m.LogTags).Infof(
				"Socket %d available, %d remaining, subscribing to participant %s",
				socket,
				m.pool.Available(),
				participant,
			)
			return socket, true
		}
	}

	if !forceSubscribe {
		log.WithFields(m.LogTags).Infof(
			"No socket available for participant %s MSI %d, not subscribing", participant, msi,
		)
		m.metrics.recordRejection(m.callID)
		return 0, false
	}

	// Forced promotion: rank the new MSI first, then reclaim the least recently promoted
	victim, didEvict := m.cache.Insert(msi)
	if !didEvict {
		victim, didEvict = m.cache.Oldest()
		if !didEvict || victim == msi {
			m.cache.Remove(msi)
			log.WithFields(m.LogTags).Warnf(
				"No socket to reclaim for participant %s MSI %d", participant, msi,
			)
			return 0, false
		}
		m.cache.Remove(victim)
	}
	socket, ok := m.assignments.Release(victim)
	if !ok {
		log.WithError(common.ErrInvariantViolation).WithFields(m.LogTags).Errorf(
			"Evicted MSI %d held no socket", victim,
		)
		m.cache.Remove(msi)
		return 0, false
	}
	if err := m.assignments.Assign(msi, socket); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to bind reclaimed socket %d to MSI %d", socket, msi,
		)
		m.cache.Remove(msi)
		if err := m.pool.Return(socket); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to return socket %d", socket)
		}
		return 0, false
	}
	m.metrics.recordEviction(m.callID)
	log.WithFields(m.LogTags).Infof(
		"Evicted MSI %d from socket %d for dominant speaker %s MSI %d",
		victim,
		socket,
		participant,
		msi,
	)
	return socket, true
}

// releaseEvicted return the socket of an entry pushed out of the cache to the pool
func (m *SubscriptionManager) releaseEvicted(evicted MSI) {
	socket, ok := m.assignments.Release(evicted)
	if !ok {
		return
	}
	if err := m.pool.Return(socket); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to return socket %d of evicted MSI %d", socket, evicted,
		)
	}
}

func (m *SubscriptionManager) planUnsubscribe(participant Participant) []routerCommand {
	commands := []routerCommand{}
	if video, ok := participant.SendCapableVideo(); ok {
		commands = append(commands, m.releaseVideo(participant, video.MSI)...)
	}
	if m.sharer != nil && m.sharer.participant == participant.ID {
		commands = append(commands, m.releaseScreenShare()...)
	}
	return commands
}

// planReplace release what a re-added participant no longer sends. Streams kept
// under the same MSI keep their socket.
func (m *SubscriptionManager) planReplace(previous, participant Participant) []routerCommand {
	commands := []routerCommand{}
	if oldVideo, ok := previous.SendCapableVideo(); ok {
		newVideo, stillSending := participant.SendCapableVideo()
		if !stillSending || newVideo.MSI != oldVideo.MSI {
			commands = append(commands, m.releaseVideo(previous, oldVideo.MSI)...)
		}
	}
	if m.sharer != nil && m.sharer.participant == previous.ID {
		if _, stillSharing := participant.ScreenShare(); !stillSharing {
			commands = append(commands, m.releaseScreenShare()...)
		}
	}
	return commands
}

func (m *SubscriptionManager) releaseVideo(participant Participant, msi MSI) []routerCommand {
	commands := []routerCommand{}
	m.cache.Remove(msi)
	if socket, ok := m.assignments.Release(msi); ok {
		if err := m.pool.Return(socket); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to return socket %d of participant %s", socket, participant,
			)
		} else {
			log.WithFields(m.LogTags).Infof(
				"Released socket %d of participant %s, %d remaining",
				socket,
				participant,
				m.pool.Available(),
			)
		}
		commands = append(commands, routerCommand{
			action: actionUnsubscribe, kind: MediaKindVideo, msi: msi, socket: socket,
		})
	}
	m.metrics.recordSockets(m.callID, m.assignments.Len(), m.pool.Available())
	return commands
}

func (m *SubscriptionManager) releaseScreenShare() []routerCommand {
	commands := []routerCommand{}
	if m.sharer == nil {
		return commands
	}
	if m.screenShareSocket != nil {
		commands = append(commands, routerCommand{
			action: actionUnsubscribe,
			kind:   MediaKindScreenShare,
			msi:    m.sharer.msi,
			socket: *m.screenShareSocket,
		})
	}
	m.sharer = nil
	return commands
}

// dispatch issue router commands. A failed command is logged, and does not stop the rest.
func (m *SubscriptionManager) dispatch(
	ctxt context.Context, participant Participant, commands []routerCommand,
) {
	for _, cmd := range commands {
		var err error
		switch cmd.action {
		case actionSubscribe:
			log.WithFields(m.LogTags).Infof(
				"Subscribing to %s MSI %d of participant %s on socket %d",
				cmd.kind,
				cmd.msi,
				participant,
				cmd.socket,
			)
			err = m.router.Subscribe(ctxt, cmd.kind, cmd.msi, m.resolution, cmd.socket)
		case actionUnsubscribe:
			log.WithFields(m.LogTags).Infof(
				"Unsubscribing %s socket %d of participant %s", cmd.kind, cmd.socket, participant,
			)
			err = m.router.Unsubscribe(ctxt, cmd.kind, cmd.socket)
		}
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Media router rejected %s command for participant %s socket %d",
				cmd.kind,
				participant,
				cmd.socket,
			)
			m.metrics.recordRouterFailure(m.callID, cmd.kind)
		}
	}
}

// ========================================================================================
// Diagnostics

// StreamState current state of a video stream, and its socket when subscribed
func (m *SubscriptionManager) StreamState(msi MSI) (StreamState, SocketID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if socket, ok := m.assignments.Lookup(msi); ok {
		return StreamSubscribed, socket
	}
	if m.cache.Contains(msi) {
		return StreamCachedNoSocket, 0
	}
	return StreamUnsubscribed, 0
}

// Snapshot copy of the manager's state
func (m *SubscriptionManager) Snapshot() ManagerSnapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	participants := make([]string, 0, len(m.roster))
	for id := range m.roster {
		participants = append(participants, id)
	}
	sort.Strings(participants)
	snapshot := ManagerSnapshot{
		CallID:        m.callID,
		Resolution:    m.resolution,
		CacheCapacity: m.cache.Capacity(),
		CacheOrder:    m.cache.Entries(),
		Assignments:   m.assignments.Snapshot(),
		FreeSockets:   m.pool.Free(),
		TotalSockets:  m.pool.Total(),
		Participants:  participants,
	}
	if m.screenShareSocket != nil {
		socket := *m.screenShareSocket
		snapshot.ScreenShareSocket = &socket
	}
	if m.sharer != nil {
		msi := m.sharer.msi
		snapshot.ScreenShareMSI = &msi
	}
	return snapshot
}

// VerifyInvariants check the socket, cache, and assignment bookkeeping is consistent
func (m *SubscriptionManager) VerifyInvariants() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pool.Available()+m.assignments.Len() != m.pool.Total() {
		return fmt.Errorf(
			"%w: %d free + %d assigned != %d sockets",
			common.ErrInvariantViolation,
			m.pool.Available(),
			m.assignments.Len(),
			m.pool.Total(),
		)
	}
	if m.cache.Count() > m.cache.Capacity() {
		return fmt.Errorf(
			"%w: cache holds %d entries, capacity %d",
			common.ErrInvariantViolation,
			m.cache.Count(),
			m.cache.Capacity(),
		)
	}
	seen := map[MSI]bool{}
	for _, msi := range m.cache.Entries() {
		if seen[msi] {
			return fmt.Errorf("%w: MSI %d cached twice", common.ErrInvariantViolation, msi)
		}
		seen[msi] = true
		if _, ok := m.assignments.Lookup(msi); !ok {
			return fmt.Errorf("%w: cached MSI %d holds no socket", common.ErrInvariantViolation, msi)
		}
	}
	free := map[SocketID]bool{}
	for _, socket := range m.pool.Free() {
		free[socket] = true
	}
	for msi, socket := range m.assignments.Snapshot() {
		if !seen[msi] {
			return fmt.Errorf("%w: assigned MSI %d is not cached", common.ErrInvariantViolation, msi)
		}
		if free[socket] {
			return fmt.Errorf(
				"%w: socket %d is both free and assigned", common.ErrInvariantViolation, socket,
			)
		}
	}
	return nil
}
