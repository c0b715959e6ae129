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
	"math"
)

// SocketID identifies one physical decode socket of a call's media session
type SocketID uint32

// MSI media stream identifier assigned by the remote signaling layer
type MSI uint32

// DominantSpeakerNone MSI reported when there is no dominant speaker
const DominantSpeakerNone MSI = math.MaxUint32

// MediaKind the kind of media a router command refers to
type MediaKind string

const (
	// MediaKindVideo camera video
	MediaKindVideo MediaKind = "video"
	// MediaKindScreenShare video based screen sharing
	MediaKindScreenShare MediaKind = "screen_share"
)

// Modality the modality of a participant media stream
type Modality string

const (
	// ModalityAudio audio stream
	ModalityAudio Modality = "audio"
	// ModalityVideo camera video stream
	ModalityVideo Modality = "video"
	// ModalityScreenShare video based screen sharing stream
	ModalityScreenShare Modality = "screen_share"
)

// Direction the direction of a participant media stream, from the participant's view
type Direction string

const (
	// DirectionInactive stream is neither sending nor receiving
	DirectionInactive Direction = "inactive"
	// DirectionSendOnly participant only sends
	DirectionSendOnly Direction = "send_only"
	// DirectionReceiveOnly participant only receives
	DirectionReceiveOnly Direction = "receive_only"
	// DirectionSendReceive participant sends and receives
	DirectionSendReceive Direction = "send_receive"
)

// Resolution receive resolution requested from the media router
type Resolution string

const (
	// ResolutionHD1080p 1920x1080
	ResolutionHD1080p Resolution = "HD1080p"
	// ResolutionHD720p 1280x720
	ResolutionHD720p Resolution = "HD720p"
	// ResolutionSD360p 640x360
	ResolutionSD360p Resolution = "SD360p"
	// ResolutionSD180p 320x180
	ResolutionSD180p Resolution = "SD180p"
)

// ParseResolution convert a resolution name into a Resolution
func ParseResolution(name string) (Resolution, error) {
	switch Resolution(name) {
	case ResolutionHD1080p, ResolutionHD720p, ResolutionSD360p, ResolutionSD180p:
		return Resolution(name), nil
	default:
		return "", fmt.Errorf("unsupported resolution '%s'", name)
	}
}

// ========================================================================================

// StreamDescriptor describes one media stream of a participant
type StreamDescriptor struct {
	// MSI is the media stream ID
	MSI MSI `json:"msi"`
	// Modality is the stream modality
	Modality Modality `json:"modality" validate:"required,oneof=audio video screen_share"`
	// Direction is the stream direction
	Direction Direction `json:"direction" validate:"required,oneof=inactive send_only receive_only send_receive"`
}

// IdentityKind the kind of identity attached to a roster entry
type IdentityKind string

const (
	// IdentityUser a signed in user
	IdentityUser IdentityKind = "user"
	// IdentityApplication an application or bot instance
	IdentityApplication IdentityKind = "application"
	// IdentityGuest an anonymous or guest user
	IdentityGuest IdentityKind = "guest"
)

// Identity one identity attached to a roster entry
type Identity struct {
	// Kind is the identity kind
	Kind IdentityKind `json:"kind" validate:"required,oneof=user application guest"`
	// ID is the identity ID
	ID string `json:"id"`
	// DisplayName is the identity's display name
	DisplayName string `json:"display_name,omitempty"`
}

// IsUsable whether the identity belongs to a real, subscribable participant
func IsUsable(identity Identity) bool {
	return identity.Kind == IdentityUser || identity.Kind == IdentityGuest
}

// Participant roster entry
type Participant struct {
	// ID is the roster entry ID
	ID string `json:"id" validate:"required"`
	// Identities are the identities attached to the entry. The first usable one is
	// treated as the primary identity.
	Identities []Identity `json:"identities" validate:"dive"`
	// InLobby whether the participant is still waiting in the lobby
	InLobby bool `json:"in_lobby"`
	// Streams are the participant's media streams
	Streams []StreamDescriptor `json:"streams" validate:"dive"`
}

// IsUsable whether any identity of the participant is usable
func (p Participant) IsUsable() bool {
	_, ok := p.PrimaryIdentity()
	return ok
}

// PrimaryIdentity the first usable identity, with user identities preferred
func (p Participant) PrimaryIdentity() (Identity, bool) {
	var found *Identity
	for idx, identity := range p.Identities {
		if !IsUsable(identity) {
			continue
		}
		if identity.Kind == IdentityUser {
			return identity, true
		}
		if found == nil {
			found = &p.Identities[idx]
		}
	}
	if found != nil {
		return *found, true
	}
	return Identity{}, false
}

// SendCapableVideo the participant's video stream able to send, if any
func (p Participant) SendCapableVideo() (StreamDescriptor, bool) {
	for _, stream := range p.Streams {
		if stream.Modality == ModalityVideo &&
			(stream.Direction == DirectionSendOnly || stream.Direction == DirectionSendReceive) {
			return stream, true
		}
	}
	return StreamDescriptor{}, false
}

// ScreenShare the participant's send only screen share stream, if any
func (p Participant) ScreenShare() (StreamDescriptor, bool) {
	for _, stream := range p.Streams {
		if stream.Modality == ModalityScreenShare && stream.Direction == DirectionSendOnly {
			return stream, true
		}
	}
	return StreamDescriptor{}, false
}

// OwnsStream whether any of the participant's streams carries the MSI
func (p Participant) OwnsStream(msi MSI) bool {
	for _, stream := range p.Streams {
		if stream.MSI == msi {
			return true
		}
	}
	return false
}

// String toString function
func (p Participant) String() string {
	if identity, ok := p.PrimaryIdentity(); ok && identity.DisplayName != "" {
		return fmt.Sprintf("%s(%s)", p.ID, identity.DisplayName)
	}
	return p.ID
}
