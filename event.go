/* Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Event type identifiers for the payloads this library routes.
const (
	// MReceipt https://spec.matrix.org/v1.7/client-server-api/#receipts
	MReceipt = "m.receipt"
	// MTyping https://spec.matrix.org/v1.7/client-server-api/#typing-notifications
	MTyping = "m.typing"
	// MPresence https://spec.matrix.org/v1.7/client-server-api/#presence
	MPresence = "m.presence"
	// MRoomMember https://spec.matrix.org/v1.7/client-server-api/#mroommember
	MRoomMember = "m.room.member"
)

// Receipt type identifiers found inside an m.receipt content block.
const (
	// ReadMarker is a public read receipt.
	ReadMarker = "m.read"
	// PrivateReadMarker is a read receipt visible only to its author.
	// It must never leave the homeserver.
	PrivateReadMarker = "m.read.private"
)

// RawJSON is a byte slice of already-encoded JSON that is copied verbatim
// when marshalled. Unlike json.RawMessage it marshals by value, so it
// survives being embedded in structs that are encoded as values.
type RawJSON []byte

// MarshalJSON implements the json.Marshaler interface using a value receiver.
// An empty value encodes as null, like json.RawMessage, so events with no
// content still produce a valid document.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = RawJSON(data)
	return nil
}

// A ClientEvent is a persistent room event in the client wire format, which
// is the format application services consume.
type ClientEvent struct {
	Content        RawJSON `json:"content"`
	EventID        string  `json:"event_id"`
	OriginServerTS int64   `json:"origin_server_ts"`
	RoomID         string  `json:"room_id,omitempty"`
	Sender         string  `json:"sender"`
	StateKey       *string `json:"state_key,omitempty"`
	Type           string  `json:"type"`
	Unsigned       RawJSON `json:"unsigned,omitempty"`
}

// An EphemeralEvent is an EDU pushed to application services that opted in
// through MSC2409. It carries no event ID and is never persisted by the
// receiving service.
type EphemeralEvent struct {
	Type    string  `json:"type"`
	RoomID  string  `json:"room_id,omitempty"`
	Sender  string  `json:"sender,omitempty"`
	Content RawJSON `json:"content,omitempty"`
}

// A ToDeviceEvent is a send-to-device message addressed to one device of one
// user, pushed to application services through MSC2409.
type ToDeviceEvent struct {
	Type       string  `json:"type"`
	Sender     string  `json:"sender"`
	ToUserID   string  `json:"to_user_id"`
	ToDeviceID string  `json:"to_device_id"`
	Content    RawJSON `json:"content,omitempty"`
}
