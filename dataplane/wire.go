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
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/multiview/subscription"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// CallEventType type of call event
type CallEventType string

const (
	// EventSessionStart the call's media session has been negotiated
	EventSessionStart CallEventType = "session_start"
	// EventSessionEnd the call's media session is gone
	EventSessionEnd CallEventType = "session_end"
	// EventParticipants roster change
	EventParticipants CallEventType = "participants"
	// EventDominantSpeaker dominant speaker change
	EventDominantSpeaker CallEventType = "dominant_speaker"
)

// MediaSessionDescriptor sockets and resolution negotiated for a call
type MediaSessionDescriptor struct {
	VideoSockets      []subscription.SocketID `json:"video_sockets" validate:"required,min=1,unique"`
	ScreenShareSocket *subscription.SocketID  `json:"screen_share_socket,omitempty"`
	Resolution        string                  `json:"resolution,omitempty" validate:"omitempty,oneof=HD1080p HD720p SD360p SD180p"`
}

// CallEvent event received from the call signaling collaborator.
//
// A null dominant_speaker means there is no dominant speaker.
type CallEvent struct {
	Type            CallEventType              `json:"type" validate:"required,oneof=session_start session_end participants dominant_speaker"`
	CallID          string                     `json:"call_id" validate:"required"`
	Session         *MediaSessionDescriptor    `json:"session,omitempty" validate:"omitempty"`
	Added           []subscription.Participant `json:"added,omitempty" validate:"dive"`
	Removed         []subscription.Participant `json:"removed,omitempty" validate:"dive"`
	DominantSpeaker *subscription.MSI          `json:"dominant_speaker,omitempty"`
}

// Validate validate the event content
func (e CallEvent) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&e); err != nil {
		return err
	}
	if e.Type == EventSessionStart && e.Session == nil {
		return fmt.Errorf("%s event for call %s has no media session", e.Type, e.CallID)
	}
	return ValidateCallID(e.CallID)
}

// EventAck reply to a call event sent as a NATS request
type EventAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MediaCommandAction media router command action
type MediaCommandAction string

const (
	// ActionSubscribe start receiving a stream on a socket
	ActionSubscribe MediaCommandAction = "subscribe"
	// ActionUnsubscribe stop receiving on a socket
	ActionUnsubscribe MediaCommandAction = "unsubscribe"
)

// MediaCommand command published to the media router
type MediaCommand struct {
	Action     MediaCommandAction      `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	Kind       subscription.MediaKind  `json:"kind" validate:"required,oneof=video screen_share"`
	MSI        *subscription.MSI       `json:"msi,omitempty"`
	Resolution subscription.Resolution `json:"resolution,omitempty"`
	SocketID   subscription.SocketID   `json:"socket_id"`
	IssuedAt   time.Time               `json:"issued_at"`
}

// KeepAliveRequest keep-alive request sent for a call
type KeepAliveRequest struct {
	CallID string    `json:"call_id"`
	SentAt time.Time `json:"sent_at"`
}

// KeepAliveResponse keep-alive response
type KeepAliveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ==============================================================================

// ValidateCallID verify a call ID can be used as a NATS subject token
func ValidateCallID(callID string) error {
	if callID == "" || strings.ContainsAny(callID, ".*> \t\r\n") {
		return fmt.Errorf("call ID '%s' is not a valid subject token", callID)
	}
	return nil
}

// CallEventSubject subject call events of a call are received on
func CallEventSubject(prefix, callID string) string {
	return fmt.Sprintf("%s.call.%s.event", prefix, callID)
}

// CallEventWildcard subject matching the call events of every call
func CallEventWildcard(prefix string) string {
	return fmt.Sprintf("%s.call.*.event", prefix)
}

// MediaCommandSubject subject media router commands of a call are published on
func MediaCommandSubject(prefix, callID string) string {
	return fmt.Sprintf("%s.call.%s.media", prefix, callID)
}

// KeepAliveSubject subject keep-alive requests of a call are sent on
func KeepAliveSubject(prefix, callID string) string {
	return fmt.Sprintf("%s.call.%s.keepalive", prefix, callID)
}

// msgToString helper function for standardizing the printing of a NATS message
func msgToString(msg *nats.Msg) string {
	return fmt.Sprintf("MSG[%s] (%d bytes)", msg.Subject, len(msg.Data))
}
