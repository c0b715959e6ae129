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
	"math/rand"
	"sync"
	"testing"

	"github.com/alwitt/multiview/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type recordedCommand struct {
	subscribe  bool
	kind       MediaKind
	msi        MSI
	resolution Resolution
	socket     SocketID
}

type mockRouter struct {
	lock     sync.Mutex
	commands []recordedCommand
	failMSI  map[MSI]bool
}

func newMockRouter() *mockRouter {
	return &mockRouter{commands: []recordedCommand{}, failMSI: map[MSI]bool{}}
}

func (r *mockRouter) Subscribe(
	ctxt context.Context, kind MediaKind, msi MSI, resolution Resolution, socket SocketID,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.commands = append(r.commands, recordedCommand{
		subscribe: true, kind: kind, msi: msi, resolution: resolution, socket: socket,
	})
	if r.failMSI[msi] {
		return fmt.Errorf("router rejected MSI %d", msi)
	}
	return nil
}

func (r *mockRouter) Unsubscribe(ctxt context.Context, kind MediaKind, socket SocketID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.commands = append(r.commands, recordedCommand{kind: kind, socket: socket})
	return nil
}

// drain return and forget the recorded commands
func (r *mockRouter) drain() []recordedCommand {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := r.commands
	r.commands = []recordedCommand{}
	return result
}

func videoParticipant(id string, msi MSI) Participant {
	return Participant{
		ID:         id,
		Identities: []Identity{{Kind: IdentityUser, ID: id, DisplayName: id}},
		Streams: []StreamDescriptor{
			{MSI: msi + 1000, Modality: ModalityAudio, Direction: DirectionSendReceive},
			{MSI: msi, Modality: ModalityVideo, Direction: DirectionSendReceive},
		},
	}
}

func videoSubscribe(msi MSI, socket SocketID) recordedCommand {
	return recordedCommand{
		subscribe:  true,
		kind:       MediaKindVideo,
		msi:        msi,
		resolution: ResolutionHD1080p,
		socket:     socket,
	}
}

func videoUnsubscribe(socket SocketID) recordedCommand {
	return recordedCommand{kind: MediaKindVideo, socket: socket}
}

func TestSubscriptionManagerParams(t *testing.T) {
	assert := assert.New(t)

	router := newMockRouter()

	// Case 0: no video sockets
	{
		_, err := NewSubscriptionManager(
			ManagerParams{CallID: "call", Resolution: ResolutionHD1080p}, router, nil,
		)
		assert.NotNil(err)
	}

	// Case 1: unknown resolution
	{
		_, err := NewSubscriptionManager(
			ManagerParams{CallID: "call", VideoSockets: []SocketID{1}, Resolution: "4K"},
			router,
			nil,
		)
		assert.NotNil(err)
	}

	// Case 2: screen share socket is also a video socket
	{
		shared := SocketID(2)
		_, err := NewSubscriptionManager(
			ManagerParams{
				CallID:            "call",
				VideoSockets:      []SocketID{1, 2},
				ScreenShareSocket: &shared,
				Resolution:        ResolutionHD1080p,
			},
			router,
			nil,
		)
		assert.NotNil(err)
	}

	// Case 3: too many sockets for the cache ceiling
	{
		sockets := make([]SocketID, MaxCacheCapacity)
		for idx := range sockets {
			sockets[idx] = SocketID(idx)
		}
		_, err := NewSubscriptionManager(
			ManagerParams{CallID: "call", VideoSockets: sockets, Resolution: ResolutionHD1080p},
			router,
			nil,
		)
		assert.True(errors.Is(err, common.ErrCapacityTooLarge))
	}

	// Case 4: largest allowed
	{
		sockets := make([]SocketID, MaxCacheCapacity-1)
		for idx := range sockets {
			sockets[idx] = SocketID(idx)
		}
		uut, err := NewSubscriptionManager(
			ManagerParams{CallID: "call", VideoSockets: sockets, Resolution: ResolutionHD1080p},
			router,
			nil,
		)
		assert.Nil(err)
		assert.Equal(MaxCacheCapacity, uut.Snapshot().CacheCapacity)
	}
}

func TestSubscriptionManagerJoinAndDominantSpeaker(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)
	router := newMockRouter()
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID: "call", VideoSockets: []SocketID{1, 2, 3}, Resolution: ResolutionHD1080p,
		},
		router,
		metrics,
	)
	assert.Nil(err)

	p1 := videoParticipant("p1", 101)
	p2 := videoParticipant("p2", 102)
	p3 := videoParticipant("p3", 103)
	p4 := videoParticipant("p4", 104)

	// Case 0: joins take free sockets in order
	{
		uut.OnParticipantsUpdated(ctxt, []Participant{p1, p2, p3}, nil)
		assert.Equal(
			[]recordedCommand{
				videoSubscribe(101, 1), videoSubscribe(102, 2), videoSubscribe(103, 3),
			},
			router.drain(),
		)
		snapshot := uut.Snapshot()
		assert.Equal([]MSI{103, 102, 101}, snapshot.CacheOrder)
		assert.Equal(map[MSI]SocketID{101: 1, 102: 2, 103: 3}, snapshot.Assignments)
		assert.Empty(snapshot.FreeSockets)
		assert.Equal([]string{"p1", "p2", "p3"}, snapshot.Participants)
		assert.Nil(uut.VerifyInvariants())
		assert.Equal(3.0, testutil.ToFloat64(metrics.socketsInUse.WithLabelValues("call")))
		assert.Equal(0.0, testutil.ToFloat64(metrics.socketsFree.WithLabelValues("call")))
	}

	// Case 1: join with no free socket is rejected
	{
		uut.OnParticipantAdded(ctxt, p4)
		assert.Empty(router.drain())
		state, _ := uut.StreamState(104)
		assert.Equal(StreamUnsubscribed, state)
		assert.Equal([]MSI{103, 102, 101}, uut.Snapshot().CacheOrder)
		assert.Equal(1.0, testutil.ToFloat64(metrics.rejections.WithLabelValues("call")))
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 2: duplicate join is idempotent
	{
		uut.OnParticipantAdded(ctxt, p1)
		assert.Empty(router.drain())
		assert.Equal([]MSI{101, 103, 102}, uut.Snapshot().CacheOrder)
	}

	// Case 3: dominant speaker without a socket reclaims the oldest
	{
		uut.OnDominantSpeakerChanged(ctxt, 104)
		assert.Equal([]recordedCommand{videoSubscribe(104, 2)}, router.drain())
		snapshot := uut.Snapshot()
		assert.Equal([]MSI{104, 101, 103}, snapshot.CacheOrder)
		assert.Equal(map[MSI]SocketID{101: 1, 103: 3, 104: 2}, snapshot.Assignments)
		state, socket := uut.StreamState(104)
		assert.Equal(StreamSubscribed, state)
		assert.Equal(SocketID(2), socket)
		state, _ = uut.StreamState(102)
		assert.Equal(StreamUnsubscribed, state)
		assert.Equal(1.0, testutil.ToFloat64(metrics.evictions.WithLabelValues("call")))
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 4: dominant speaker already holding a socket is only promoted
	{
		uut.OnDominantSpeakerChanged(ctxt, 103)
		assert.Empty(router.drain())
		assert.Equal([]MSI{103, 104, 101}, uut.Snapshot().CacheOrder)
	}

	// Case 5: dominant speaker matched through a non video stream
	{
		uut.OnDominantSpeakerChanged(ctxt, 1102)
		assert.Equal([]recordedCommand{videoSubscribe(102, 1)}, router.drain())
		assert.Equal([]MSI{102, 103, 104}, uut.Snapshot().CacheOrder)
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 6: no speaker, and unknown speaker
	{
		uut.OnDominantSpeakerChanged(ctxt, DominantSpeakerNone)
		uut.OnDominantSpeakerChanged(ctxt, 999)
		assert.Empty(router.drain())
		assert.Equal([]MSI{102, 103, 104}, uut.Snapshot().CacheOrder)
	}

	// Case 7: lobby participant is never promoted
	{
		lobby := videoParticipant("p5", 105)
		lobby.InLobby = true
		uut.OnParticipantAdded(ctxt, lobby)
		uut.OnDominantSpeakerChanged(ctxt, 105)
		assert.Empty(router.drain())
		state, _ := uut.StreamState(105)
		assert.Equal(StreamUnsubscribed, state)
	}
}

func TestSubscriptionManagerLeave(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	router := newMockRouter()
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID: "call", VideoSockets: []SocketID{1, 2}, Resolution: ResolutionHD1080p,
		},
		router,
		nil,
	)
	assert.Nil(err)

	p1 := videoParticipant("p1", 101)
	p2 := videoParticipant("p2", 102)
	p3 := videoParticipant("p3", 103)
	uut.OnParticipantsUpdated(ctxt, []Participant{p1, p2, p3}, nil)
	assert.Equal(
		[]recordedCommand{videoSubscribe(101, 1), videoSubscribe(102, 2)}, router.drain(),
	)

	// Case 0: leaving frees the socket
	{
		uut.OnParticipantsUpdated(ctxt, nil, []Participant{p1})
		assert.Equal([]recordedCommand{videoUnsubscribe(1)}, router.drain())
		snapshot := uut.Snapshot()
		assert.Equal([]MSI{102}, snapshot.CacheOrder)
		assert.Equal([]SocketID{1}, snapshot.FreeSockets)
		assert.Equal([]string{"p2", "p3"}, snapshot.Participants)
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 1: a waiting participant is picked up on its next join or promotion
	{
		uut.OnDominantSpeakerChanged(ctxt, 103)
		assert.Equal([]recordedCommand{videoSubscribe(103, 1)}, router.drain())
		assert.Equal([]MSI{103, 102}, uut.Snapshot().CacheOrder)
	}

	// Case 2: leaving participant without a socket issues nothing
	{
		uut.OnParticipantRemoved(ctxt, videoParticipant("p9", 109))
		assert.Empty(router.drain())
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 3: remove then re-join gets a fresh entry
	{
		uut.OnParticipantRemoved(ctxt, p2)
		assert.Equal([]recordedCommand{videoUnsubscribe(2)}, router.drain())
		state, _ := uut.StreamState(102)
		assert.Equal(StreamUnsubscribed, state)
		uut.OnParticipantAdded(ctxt, p2)
		assert.Equal([]recordedCommand{videoSubscribe(102, 2)}, router.drain())
		assert.Equal([]MSI{102, 103}, uut.Snapshot().CacheOrder)
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 4: unusable participants are ignored
	{
		bot := videoParticipant("bot", 200)
		bot.Identities = []Identity{{Kind: IdentityApplication, ID: "bot"}}
		uut.OnParticipantRemoved(ctxt, p3)
		router.drain()
		uut.OnParticipantAdded(ctxt, bot)
		assert.Empty(router.drain())
		assert.Equal([]string{"p2"}, uut.Snapshot().Participants)
	}
}

func TestSubscriptionManagerScreenShare(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	shareSocket := SocketID(50)
	router := newMockRouter()
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID:            "call",
			VideoSockets:      []SocketID{1},
			ScreenShareSocket: &shareSocket,
			Resolution:        ResolutionHD720p,
		},
		router,
		nil,
	)
	assert.Nil(err)

	sharer := Participant{
		ID:         "sharer",
		Identities: []Identity{{Kind: IdentityGuest, ID: "guest"}},
		Streams: []StreamDescriptor{
			{MSI: 900, Modality: ModalityScreenShare, Direction: DirectionSendOnly},
		},
	}

	// Case 0: screen share uses the dedicated socket
	{
		uut.OnParticipantAdded(ctxt, sharer)
		assert.Equal(
			[]recordedCommand{
				{
					subscribe:  true,
					kind:       MediaKindScreenShare,
					msi:        900,
					resolution: ResolutionHD720p,
					socket:     50,
				},
			},
			router.drain(),
		)
		snapshot := uut.Snapshot()
		assert.Equal(SocketID(50), *snapshot.ScreenShareSocket)
		assert.Equal(MSI(900), *snapshot.ScreenShareMSI)
		assert.Equal([]SocketID{1}, snapshot.FreeSockets)
	}

	// Case 1: unchanged sharer is not subscribed again
	{
		uut.OnParticipantAdded(ctxt, sharer)
		assert.Empty(router.drain())
	}

	// Case 2: sharer leaves
	{
		uut.OnParticipantRemoved(ctxt, sharer)
		assert.Equal(
			[]recordedCommand{{kind: MediaKindScreenShare, socket: 50}}, router.drain(),
		)
		assert.Nil(uut.Snapshot().ScreenShareMSI)
	}

	// Case 3: no dedicated socket
	{
		noShare, err := NewSubscriptionManager(
			ManagerParams{
				CallID: "call", VideoSockets: []SocketID{1}, Resolution: ResolutionHD720p,
			},
			router,
			nil,
		)
		assert.Nil(err)
		noShare.OnParticipantAdded(ctxt, sharer)
		assert.Empty(router.drain())
		assert.Nil(noShare.Snapshot().ScreenShareSocket)
	}
}

func TestSubscriptionManagerParticipantReplaced(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	shareSocket := SocketID(50)
	router := newMockRouter()
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID:            "call",
			VideoSockets:      []SocketID{1, 2},
			ScreenShareSocket: &shareSocket,
			Resolution:        ResolutionHD1080p,
		},
		router,
		nil,
	)
	assert.Nil(err)

	// Case 0: re-added with a new video MSI, the old MSI gives up its socket
	{
		uut.OnParticipantAdded(ctxt, videoParticipant("p1", 101))
		assert.Equal([]recordedCommand{videoSubscribe(101, 1)}, router.drain())
		uut.OnParticipantAdded(ctxt, videoParticipant("p1", 201))
		assert.Equal(
			[]recordedCommand{videoUnsubscribe(1), videoSubscribe(201, 1)}, router.drain(),
		)
		snapshot := uut.Snapshot()
		assert.Equal([]MSI{201}, snapshot.CacheOrder)
		assert.Equal(map[MSI]SocketID{201: 1}, snapshot.Assignments)
		assert.Equal([]SocketID{2}, snapshot.FreeSockets)
		state, _ := uut.StreamState(101)
		assert.Equal(StreamUnsubscribed, state)
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 1: leaving afterwards returns every socket
	{
		uut.OnParticipantRemoved(ctxt, videoParticipant("p1", 201))
		assert.Equal([]recordedCommand{videoUnsubscribe(1)}, router.drain())
		snapshot := uut.Snapshot()
		assert.Empty(snapshot.CacheOrder)
		assert.Empty(snapshot.Assignments)
		assert.Empty(snapshot.Participants)
		assert.Equal([]SocketID{1, 2}, snapshot.FreeSockets)
		assert.Nil(uut.VerifyInvariants())
	}

	// Case 2: re-added with the same video MSI keeps its socket
	{
		uut.OnParticipantAdded(ctxt, videoParticipant("p2", 102))
		assert.Equal([]recordedCommand{videoSubscribe(102, 1)}, router.drain())
		uut.OnParticipantAdded(ctxt, videoParticipant("p2", 102))
		assert.Empty(router.drain())
		assert.Equal(map[MSI]SocketID{102: 1}, uut.Snapshot().Assignments)
	}

	// Case 3: re-added without the screen share stream
	{
		sharing := videoParticipant("p3", 103)
		sharing.Streams = append(sharing.Streams, StreamDescriptor{
			MSI: 900, Modality: ModalityScreenShare, Direction: DirectionSendOnly,
		})
		uut.OnParticipantAdded(ctxt, sharing)
		assert.Equal(
			[]recordedCommand{
				videoSubscribe(103, 2),
				{
					subscribe:  true,
					kind:       MediaKindScreenShare,
					msi:        900,
					resolution: ResolutionHD1080p,
					socket:     50,
				},
			},
			router.drain(),
		)
		uut.OnParticipantAdded(ctxt, videoParticipant("p3", 103))
		assert.Equal(
			[]recordedCommand{{kind: MediaKindScreenShare, socket: 50}}, router.drain(),
		)
		assert.Nil(uut.Snapshot().ScreenShareMSI)
		uut.OnParticipantRemoved(ctxt, videoParticipant("p3", 103))
		assert.Equal([]recordedCommand{videoUnsubscribe(2)}, router.drain())
		assert.Nil(uut.VerifyInvariants())
	}
}

func TestSubscriptionManagerRouterFailure(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)
	router := newMockRouter()
	router.failMSI[102] = true
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID: "call", VideoSockets: []SocketID{1, 2, 3}, Resolution: ResolutionHD1080p,
		},
		router,
		metrics,
	)
	assert.Nil(err)

	// Case 0: one failed command does not stop the batch
	{
		uut.OnParticipantsUpdated(
			ctxt,
			[]Participant{
				videoParticipant("p1", 101),
				videoParticipant("p2", 102),
				videoParticipant("p3", 103),
			},
			nil,
		)
		assert.Equal(
			[]recordedCommand{
				videoSubscribe(101, 1), videoSubscribe(102, 2), videoSubscribe(103, 3),
			},
			router.drain(),
		)
		assert.Equal(
			1.0, testutil.ToFloat64(metrics.routerFailures.WithLabelValues("call", "video")),
		)
		assert.Nil(uut.VerifyInvariants())
	}
}

func TestSubscriptionManagerConcurrentEvents(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	router := newMockRouter()
	uut, err := NewSubscriptionManager(
		ManagerParams{
			CallID: "call", VideoSockets: []SocketID{1, 2, 3}, Resolution: ResolutionHD1080p,
		},
		router,
		nil,
	)
	assert.Nil(err)

	participants := make([]Participant, 12)
	for idx := range participants {
		participants[idx] = videoParticipant(fmt.Sprintf("p%d", idx), MSI(100+idx))
	}

	// Case 0: interleaved joins, leaves and promotions keep the bookkeeping consistent
	{
		wg := sync.WaitGroup{}
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for round := 0; round < 50; round++ {
					participant := participants[(worker*3+round)%len(participants)]
					switch round % 3 {
					case 0:
						uut.OnParticipantAdded(ctxt, participant)
					case 1:
						uut.OnDominantSpeakerChanged(ctxt, 100+MSI((worker+round)%len(participants)))
					default:
						uut.OnParticipantRemoved(ctxt, participant)
					}
				}
			}(worker)
		}
		wg.Wait()
		assert.Nil(uut.VerifyInvariants())
		snapshot := uut.Snapshot()
		assert.LessOrEqual(len(snapshot.CacheOrder), snapshot.CacheCapacity)
		assert.Equal(3, len(snapshot.Assignments)+len(snapshot.FreeSockets))
	}
}

func TestSubscriptionManagerRandomEvents(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	for seed := int64(0); seed < 40; seed++ {
		rng := rand.New(rand.NewSource(seed))
		sockets := make([]SocketID, 1+rng.Intn(4))
		for idx := range sockets {
			sockets[idx] = SocketID(idx + 1)
		}
		router := newMockRouter()
		uut, err := NewSubscriptionManager(
			ManagerParams{CallID: "call", VideoSockets: sockets, Resolution: ResolutionHD1080p},
			router,
			nil,
		)
		assert.Nil(err)

		// participant ID -> current video MSI
		present := map[string]MSI{}
		generation := map[string]MSI{}
		// socket -> MSI the media router currently delivers on it
		delivered := map[SocketID]MSI{}
		known := []MSI{}

		for step := 0; step < 300; step++ {
			id := fmt.Sprintf("p%d", rng.Intn(6))
			switch op := rng.Intn(10); {
			case op < 4:
				// join, sometimes with a new video stream
				msi, ok := present[id]
				if !ok || rng.Intn(2) == 0 {
					generation[id]++
					msi = MSI(100*(int(id[1]-'0')+1)) + generation[id]*1000
					known = append(known, msi)
				}
				present[id] = msi
				uut.OnParticipantAdded(ctxt, videoParticipant(id, msi))
			case op < 6:
				if msi, ok := present[id]; ok {
					delete(present, id)
					uut.OnParticipantRemoved(ctxt, videoParticipant(id, msi))
				}
			default:
				if len(known) > 0 {
					uut.OnDominantSpeakerChanged(ctxt, known[rng.Intn(len(known))])
				}
			}

			for _, cmd := range router.drain() {
				if cmd.kind != MediaKindVideo {
					continue
				}
				if cmd.subscribe {
					delivered[cmd.socket] = cmd.msi
				} else {
					delete(delivered, cmd.socket)
				}
			}

			assert.Nil(uut.VerifyInvariants(), "seed %d step %d", seed, step)
			snapshot := uut.Snapshot()
			assert.Equal(len(sockets), len(snapshot.Assignments)+len(snapshot.FreeSockets))
			assert.LessOrEqual(len(snapshot.CacheOrder), snapshot.CacheCapacity)
			current := map[MSI]bool{}
			for _, msi := range present {
				current[msi] = true
			}
			for msi, socket := range snapshot.Assignments {
				assert.True(current[msi], "seed %d step %d stale MSI %d", seed, step, msi)
				assert.Equal(msi, delivered[socket], "seed %d step %d socket %d", seed, step, socket)
			}
			assert.Equal(
				len(snapshot.Assignments), len(delivered), "seed %d step %d", seed, step,
			)
		}
	}
}
