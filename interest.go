/* Copyright 2019 The Matrix.org Foundation C.I.C.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package appservice

import (
	"github.com/hashicorp/go-set/v3"
)

// RoomContext is the slice of room state interest decisions depend on,
// resolved by the caller before matching so the predicates below stay pure.
type RoomContext struct {
	// Aliases currently pointing at the room.
	Aliases []string
	// Members is the user IDs currently joined to the room.
	Members []string
}

// IsInterestedInUser reports whether the user ID falls inside the service's
// user namespaces or is the service's own sender.
func (as *ApplicationService) IsInterestedInUser(userID string) bool {
	if userID != "" && userID == as.Sender {
		return true
	}
	return matchesAny(as.Namespaces.Users, userID)
}

// IsInterestedInAlias reports whether the room alias falls inside the
// service's alias namespaces.
func (as *ApplicationService) IsInterestedInAlias(alias string) bool {
	return matchesAny(as.Namespaces.Aliases, alias)
}

// IsInterestedInRoomID reports whether the room ID falls inside the service's
// room namespaces.
func (as *ApplicationService) IsInterestedInRoomID(roomID string) bool {
	return matchesAny(as.Namespaces.Rooms, roomID)
}

// InterestedInEvent decides whether a persistent event should be delivered to
// this service. An event is of interest if its sender matches the user
// namespaces, if it is a membership event about a matching user, if its room
// matches the room namespaces, or if the room's aliases or joined members
// match. A payload missing its type, sender or room is never of interest.
func (as *ApplicationService) InterestedInEvent(event ClientEvent, room RoomContext) bool {
	if event.Type == "" || event.Sender == "" || event.RoomID == "" {
		return false
	}
	if as.IsInterestedInUser(event.Sender) {
		return true
	}
	if event.Type == MRoomMember && event.StateKey != nil && as.IsInterestedInUser(*event.StateKey) {
		return true
	}
	return as.interestedInRoom(event.RoomID, room)
}

// InterestedInRoomEphemeral decides whether a room-scoped EDU, such as a
// receipt or typing notification, should be delivered to this service.
// targets names the users the EDU is about, for receipts the readers; they
// are considered alongside the room's joined members. Services that have not
// opted into ephemeral delivery never match.
func (as *ApplicationService) InterestedInRoomEphemeral(roomID string, room RoomContext, targets []string) bool {
	if !as.SupportsEphemeral || roomID == "" {
		return false
	}
	if len(targets) > 0 {
		users := set.From(room.Members)
		users.InsertSlice(targets)
		room = RoomContext{Aliases: room.Aliases, Members: users.Slice()}
	}
	return as.interestedInRoom(roomID, room)
}

// InterestedInToDevice decides whether a send-to-device message should be
// delivered to this service. Only the recipient matters: room state never
// plays a part.
func (as *ApplicationService) InterestedInToDevice(event ToDeviceEvent) bool {
	if !as.SupportsEphemeral || event.ToUserID == "" {
		return false
	}
	return as.IsInterestedInUser(event.ToUserID)
}

func (as *ApplicationService) interestedInRoom(roomID string, room RoomContext) bool {
	if as.IsInterestedInRoomID(roomID) {
		return true
	}
	for _, alias := range room.Aliases {
		if as.IsInterestedInAlias(alias) {
			return true
		}
	}
	for _, member := range room.Members {
		if as.IsInterestedInUser(member) {
			return true
		}
	}
	return false
}
