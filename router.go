/* Copyright 2023 The Matrix.org Foundation C.I.C.
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
	"context"
	"encoding/json"
	"strings"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// A ServiceRegistry supplies the application services registered right now.
// Implementations typically watch the homeserver's registration files or
// database and must be safe for concurrent use.
type ServiceRegistry interface {
	AppServices(ctx context.Context) []*ApplicationService
}

// RegistryFunc adapts a function to the ServiceRegistry interface.
type RegistryFunc func(ctx context.Context) []*ApplicationService

// AppServices implements ServiceRegistry.
func (f RegistryFunc) AppServices(ctx context.Context) []*ApplicationService {
	return f(ctx)
}

// StaticRegistry is a fixed ServiceRegistry for deployments that only load
// registrations at startup.
func StaticRegistry(services ...*ApplicationService) ServiceRegistry {
	return RegistryFunc(func(context.Context) []*ApplicationService {
		return services
	})
}

// A RoomInfoSource resolves the room state interest decisions depend on. The
// rest of the homeserver owns this data; lookups should reflect the current
// state.
type RoomInfoSource interface {
	// RoomAliases returns the aliases currently pointing at the room.
	RoomAliases(ctx context.Context, roomID string) ([]string, error)
	// RoomMembers returns the user IDs currently joined to the room.
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	// RoomsForUser returns the room IDs the user is currently joined to.
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
}

// A Submitter accepts payloads already matched to a service and queues them
// for delivery. Scheduler implements it.
type Submitter interface {
	SubmitEvents(service *ApplicationService, events ...ClientEvent)
	SubmitEphemeral(service *ApplicationService, events ...EphemeralEvent)
	SubmitToDevice(service *ApplicationService, events ...ToDeviceEvent)
}

// A Router decides which application services each payload concerns and
// hands the matches to the Submitter. Notify calls are fire-and-forget: a
// payload that interests nobody is dropped without error, and delivery
// problems surface later through the scheduler's retries rather than here.
//
// The Router holds no state of its own, so registry changes take effect on
// the next Notify call.
type Router struct {
	registry  ServiceRegistry
	rooms     RoomInfoSource
	submitter Submitter
}

// NewRouter makes a Router matching payloads against registry, resolving
// room state through rooms and queueing matches on submitter.
func NewRouter(registry ServiceRegistry, rooms RoomInfoSource, submitter Submitter) *Router {
	return &Router{
		registry:  registry,
		rooms:     rooms,
		submitter: submitter,
	}
}

// NotifyNewEvent routes one persistent room event to every service whose
// namespaces it falls under. Events missing their type, sender or room are
// dropped.
func (r *Router) NotifyNewEvent(ctx context.Context, event ClientEvent) {
	if event.Type == "" || event.Sender == "" || event.RoomID == "" {
		util.GetLogger(ctx).WithField("event_id", event.EventID).Debug(
			"Dropping malformed event")
		return
	}
	room := r.roomContext(ctx, event.RoomID)
	for _, service := range r.registry.AppServices(ctx) {
		if service.InterestedInEvent(event, room) {
			r.submitter.SubmitEvents(service, event)
		}
	}
}

// NotifyReceipt routes a read receipt update for one room. The content is
// the m.receipt content block mapping event IDs to receipt types to readers.
// Private read receipts are scrubbed before any service sees the content; an
// update containing nothing else is dropped entirely.
func (r *Router) NotifyReceipt(ctx context.Context, roomID string, content RawJSON) {
	if roomID == "" {
		return
	}
	scrubbed := scrubPrivateReceipts(content)
	parsed := gjson.ParseBytes([]byte(scrubbed))
	if !parsed.IsObject() || len(parsed.Map()) == 0 {
		return
	}
	targets := receiptTargets(parsed)
	room := r.roomContext(ctx, roomID)
	event := EphemeralEvent{Type: MReceipt, RoomID: roomID, Content: scrubbed}
	for _, service := range r.registry.AppServices(ctx) {
		if service.InterestedInRoomEphemeral(roomID, room, targets) {
			r.submitter.SubmitEphemeral(service, event)
		}
	}
}

type typingContent struct {
	UserIDs []string `json:"user_ids"`
}

// NotifyTyping routes the current set of typing users in one room.
func (r *Router) NotifyTyping(ctx context.Context, roomID string, userIDs []string) {
	if roomID == "" {
		return
	}
	content, err := json.Marshal(typingContent{UserIDs: util.UniqueStrings(userIDs)})
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("Failed to encode typing content")
		return
	}
	room := r.roomContext(ctx, roomID)
	event := EphemeralEvent{Type: MTyping, RoomID: roomID, Content: content}
	for _, service := range r.registry.AppServices(ctx) {
		if service.InterestedInRoomEphemeral(roomID, room, userIDs) {
			r.submitter.SubmitEphemeral(service, event)
		}
	}
}

// NotifyPresence routes a presence update for one user. A service is
// interested if the user matches its namespaces or if it shares a room with
// a user who does.
func (r *Router) NotifyPresence(ctx context.Context, userID string, content RawJSON) {
	if userID == "" {
		return
	}
	services := r.registry.AppServices(ctx)
	ephemeralServices := 0
	for _, service := range services {
		if service.SupportsEphemeral {
			ephemeralServices++
		}
	}
	if ephemeralServices == 0 {
		return
	}
	rooms := r.sharedRooms(ctx, userID)
	event := EphemeralEvent{Type: MPresence, Sender: userID, Content: content}
	for _, service := range services {
		if !service.SupportsEphemeral {
			continue
		}
		if service.IsInterestedInUser(userID) {
			r.submitter.SubmitEphemeral(service, event)
			continue
		}
		for _, room := range rooms {
			if service.InterestedInRoomEphemeral(room.id, room.state, nil) {
				r.submitter.SubmitEphemeral(service, event)
				break
			}
		}
	}
}

// NotifyToDevice routes a send-to-device message to every service whose user
// namespaces cover the recipient. Messages without a recipient are dropped.
func (r *Router) NotifyToDevice(ctx context.Context, event ToDeviceEvent) {
	if event.Type == "" || event.ToUserID == "" {
		util.GetLogger(ctx).Debug("Dropping malformed to-device event")
		return
	}
	for _, service := range r.registry.AppServices(ctx) {
		if service.InterestedInToDevice(event) {
			r.submitter.SubmitToDevice(service, event)
		}
	}
}

// roomContext resolves the aliases and membership the matcher needs. Lookup
// failures degrade to an empty answer so the namespaces can still match
// directly on IDs.
func (r *Router) roomContext(ctx context.Context, roomID string) RoomContext {
	logger := util.GetLogger(ctx).WithField("room_id", roomID)
	aliases, err := r.rooms.RoomAliases(ctx, roomID)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up room aliases")
	}
	members, err := r.rooms.RoomMembers(ctx, roomID)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up room members")
	}
	return RoomContext{Aliases: aliases, Members: members}
}

type roomSnapshot struct {
	id    string
	state RoomContext
}

func (r *Router) sharedRooms(ctx context.Context, userID string) []roomSnapshot {
	roomIDs, err := r.rooms.RoomsForUser(ctx, userID)
	if err != nil {
		util.GetLogger(ctx).WithError(err).WithField("user_id", userID).Warn(
			"Failed to look up rooms for user")
		return nil
	}
	snapshots := make([]roomSnapshot, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		snapshots = append(snapshots, roomSnapshot{id: roomID, state: r.roomContext(ctx, roomID)})
	}
	return snapshots
}

// receiptTargets returns the users named by read markers anywhere in a
// receipt content block.
func receiptTargets(content gjson.Result) []string {
	users := set.New[string](4)
	content.ForEach(func(_, receipts gjson.Result) bool {
		receipts.ForEach(func(_, readers gjson.Result) bool {
			readers.ForEach(func(reader, _ gjson.Result) bool {
				if user := reader.String(); user != "" {
					users.Insert(user)
				}
				return true
			})
			return true
		})
		return true
	})
	return users.Slice()
}

// scrubPrivateReceipts removes every m.read.private marker from a receipt
// content block, dropping event entries left empty. The input is not
// modified.
func scrubPrivateReceipts(content RawJSON) RawJSON {
	out := []byte(content)
	gjson.ParseBytes([]byte(content)).ForEach(func(eventID, receipts gjson.Result) bool {
		if !receipts.Get(jsonPathEscape(PrivateReadMarker)).Exists() {
			return true
		}
		eventPath := jsonPathEscape(eventID.String())
		var err error
		out, err = sjson.DeleteBytes(out, eventPath+"."+jsonPathEscape(PrivateReadMarker))
		if err != nil {
			return true
		}
		if remaining := gjson.GetBytes(out, eventPath); remaining.IsObject() && len(remaining.Map()) == 0 {
			out, _ = sjson.DeleteBytes(out, eventPath)
		}
		return true
	})
	return out
}

var jsonPathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`,
)

// jsonPathEscape makes an arbitrary object key safe to use as a single gjson
// or sjson path element.
func jsonPathEscape(key string) string {
	return jsonPathEscaper.Replace(key)
}
