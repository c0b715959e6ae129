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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/multiview/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	assert := assert.New(t)

	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)

	routerLock := sync.Mutex{}
	routers := map[string]*mockRouter{}
	routerFactory := func(callID string) (MediaRouter, error) {
		if callID == "broken" {
			return nil, fmt.Errorf("no media route for %s", callID)
		}
		routerLock.Lock()
		defer routerLock.Unlock()
		routers[callID] = newMockRouter()
		return routers[callID], nil
	}

	uut := NewSessionRegistry(
		RegistryParams{
			QueueDepth: 4, SubmitTimeout: time.Second, DefaultResolution: ResolutionSD360p,
		},
		routerFactory,
		nil,
		metrics,
	)

	// Case 0: open two calls
	{
		_, err := uut.Open(ManagerParams{CallID: "call-b", VideoSockets: []SocketID{1}})
		assert.Nil(err)
		session, err := uut.Open(ManagerParams{CallID: "call-a", VideoSockets: []SocketID{1, 2}})
		assert.Nil(err)
		assert.Equal(StateEstablished, session.State())
		assert.Equal(ResolutionSD360p, session.Snapshot().Resolution)
		assert.Equal([]string{"call-a", "call-b"}, uut.CallIDs())
		assert.Equal(2.0, testutil.ToFloat64(metrics.activeSessions))
	}

	// Case 1: duplicate call
	{
		_, err := uut.Open(ManagerParams{CallID: "call-a", VideoSockets: []SocketID{1}})
		assert.True(errors.Is(err, common.ErrSessionExists))
	}

	// Case 2: router factory failure
	{
		_, err := uut.Open(ManagerParams{CallID: "broken", VideoSockets: []SocketID{1}})
		assert.NotNil(err)
		_, err = uut.Get("broken")
		assert.True(errors.Is(err, common.ErrUnknownSession))
	}

	// Case 3: sessions are isolated
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sessionA, err := uut.Get("call-a")
		assert.Nil(err)
		sessionB, err := uut.Get("call-b")
		assert.Nil(err)
		assert.Nil(sessionA.SubmitParticipantsUpdate(
			ctxt, []Participant{videoParticipant("p1", 101), videoParticipant("p2", 102)}, nil,
		))
		assert.Nil(sessionA.Flush(ctxt))
		assert.Nil(sessionB.Flush(ctxt))
		assert.Equal([]MSI{102, 101}, sessionA.Snapshot().CacheOrder)
		assert.Empty(sessionB.Snapshot().CacheOrder)
		routerLock.Lock()
		assert.Len(routers["call-a"].drain(), 2)
		assert.Empty(routers["call-b"].drain())
		routerLock.Unlock()
	}

	// Case 4: close one call
	{
		sessionA, err := uut.Get("call-a")
		assert.Nil(err)
		assert.Nil(uut.Close("call-a"))
		assert.Equal(StateTerminated, sessionA.State())
		_, err = uut.Get("call-a")
		assert.True(errors.Is(err, common.ErrUnknownSession))
		assert.True(errors.Is(uut.Close("call-a"), common.ErrUnknownSession))
		assert.Equal([]string{"call-b"}, uut.CallIDs())
	}

	// Case 5: close everything
	{
		uut.CloseAll()
		assert.Empty(uut.CallIDs())
		assert.Equal(0.0, testutil.ToFloat64(metrics.activeSessions))
	}
}
