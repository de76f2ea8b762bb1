package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/tidwall/gjson"
)

type staticRooms struct {
	aliases map[string][]string
	members map[string][]string
	joined  map[string][]string // user ID -> room IDs
}

func (s *staticRooms) RoomAliases(_ context.Context, roomID string) ([]string, error) {
	return s.aliases[roomID], nil
}

func (s *staticRooms) RoomMembers(_ context.Context, roomID string) ([]string, error) {
	return s.members[roomID], nil
}

func (s *staticRooms) RoomsForUser(_ context.Context, userID string) ([]string, error) {
	return s.joined[userID], nil
}

type failingRooms struct{}

func (failingRooms) RoomAliases(context.Context, string) ([]string, error) {
	return nil, errors.New("alias lookup broken")
}

func (failingRooms) RoomMembers(context.Context, string) ([]string, error) {
	return nil, errors.New("member lookup broken")
}

func (failingRooms) RoomsForUser(context.Context, string) ([]string, error) {
	return nil, errors.New("join lookup broken")
}

type submission struct {
	serviceID string
	event     *ClientEvent
	ephemeral *EphemeralEvent
	toDevice  *ToDeviceEvent
}

type recordingSubmitter struct {
	mutex       sync.Mutex
	submissions []submission
}

func (r *recordingSubmitter) SubmitEvents(service *ApplicationService, events ...ClientEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range events {
		r.submissions = append(r.submissions, submission{serviceID: service.ID, event: &events[i]})
	}
}

func (r *recordingSubmitter) SubmitEphemeral(service *ApplicationService, events ...EphemeralEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range events {
		r.submissions = append(r.submissions, submission{serviceID: service.ID, ephemeral: &events[i]})
	}
}

func (r *recordingSubmitter) SubmitToDevice(service *ApplicationService, events ...ToDeviceEvent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := range events {
		r.submissions = append(r.submissions, submission{serviceID: service.ID, toDevice: &events[i]})
	}
}

func (r *recordingSubmitter) forService(id string) []submission {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []submission
	for _, s := range r.submissions {
		if s.serviceID == id {
			out = append(out, s)
		}
	}
	return out
}

func (r *recordingSubmitter) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.submissions)
}

// The canonical round trip: bob's bridge hears about bob's message, then
// about alice reading it, while a service with no namespaces hears nothing.
func TestReceiptRouting(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Users: []Namespace{{Regex: `@bob:.+`, Exclusive: true}},
	})
	bystander := newTestService(t, "bystander", true, Namespaces{})
	rooms := &staticRooms{
		members: map[string][]string{
			"!room:chat.example": {"@alice:chat.example", "@bob:chat.example"},
		},
	}
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge, bystander), rooms, rec)
	ctx := context.Background()

	message := ClientEvent{
		Type:    "m.room.message",
		EventID: "$m:chat.example",
		Sender:  "@bob:chat.example",
		RoomID:  "!room:chat.example",
		Content: RawJSON(`{"msgtype":"m.text","body":"hello"}`),
	}
	router.NotifyNewEvent(ctx, message)

	receipt := RawJSON(`{"$m:chat.example":{"m.read":{"@alice:chat.example":{"ts":1670000000000}}}}`)
	router.NotifyReceipt(ctx, "!room:chat.example", receipt)

	got := rec.forService("bridge")
	if len(got) != 2 {
		t.Fatalf("bridge received %d payloads, want 2", len(got))
	}
	if got[0].event == nil || got[0].event.EventID != "$m:chat.example" {
		t.Fatalf("first payload = %+v, want bob's message", got[0])
	}
	eph := got[1].ephemeral
	if eph == nil {
		t.Fatalf("second payload = %+v, want a receipt", got[1])
	}
	if eph.Type != MReceipt {
		t.Errorf("receipt type = %q, want %q", eph.Type, MReceipt)
	}
	if eph.RoomID != "!room:chat.example" {
		t.Errorf("receipt room = %q", eph.RoomID)
	}
	readPath := jsonPathEscape("$m:chat.example") + "." + jsonPathEscape(ReadMarker) + "." + jsonPathEscape("@alice:chat.example")
	if !gjson.GetBytes([]byte(eph.Content), readPath).Exists() {
		t.Errorf("receipt content %s does not name alice as the reader", eph.Content)
	}
	if string(eph.Content) != string(receipt) {
		t.Errorf("receipt content was altered:\n got %s\nwant %s", eph.Content, receipt)
	}

	if n := len(rec.forService("bystander")); n != 0 {
		t.Errorf("service with no namespaces received %d payloads, want 0", n)
	}
}

func TestReceiptRequiresEphemeralSupport(t *testing.T) {
	bridge := newTestService(t, "bridge", false, Namespaces{
		Users: []Namespace{{Regex: `@bob:.+`}},
	})
	rooms := &staticRooms{
		members: map[string][]string{"!room:chat.example": {"@bob:chat.example"}},
	}
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), rooms, rec)
	ctx := context.Background()

	router.NotifyNewEvent(ctx, ClientEvent{
		Type:    "m.room.message",
		EventID: "$m:chat.example",
		Sender:  "@bob:chat.example",
		RoomID:  "!room:chat.example",
	})
	router.NotifyReceipt(ctx, "!room:chat.example",
		RawJSON(`{"$m:chat.example":{"m.read":{"@alice:chat.example":{}}}}`))

	got := rec.forService("bridge")
	if len(got) != 1 || got[0].event == nil {
		t.Fatalf("got %+v, want just the message", got)
	}
}

func TestPrivateReceiptsNeverLeaveTheServer(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Users: []Namespace{{Regex: `@.*:chat\.example`}},
	})
	rooms := &staticRooms{
		members: map[string][]string{"!room:chat.example": {"@alice:chat.example"}},
	}
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), rooms, rec)
	ctx := context.Background()

	content := RawJSON(`{` +
		`"$a:chat.example":{"m.read":{"@alice:chat.example":{"ts":1}},"m.read.private":{"@alice:chat.example":{"ts":2}}},` +
		`"$b:chat.example":{"m.read.private":{"@alice:chat.example":{"ts":3}}}}`)
	router.NotifyReceipt(ctx, "!room:chat.example", content)

	got := rec.forService("bridge")
	if len(got) != 1 || got[0].ephemeral == nil {
		t.Fatalf("got %+v, want one receipt", got)
	}
	delivered := string(got[0].ephemeral.Content)
	parsed := gjson.Parse(delivered)
	if !parsed.Get(jsonPathEscape("$a:chat.example") + "." + jsonPathEscape(ReadMarker)).Exists() {
		t.Errorf("public read marker was lost: %s", delivered)
	}
	parsed.ForEach(func(_, receipts gjson.Result) bool {
		if receipts.Get(jsonPathEscape(PrivateReadMarker)).Exists() {
			t.Errorf("private read marker leaked: %s", delivered)
		}
		return true
	})
	if parsed.Get(jsonPathEscape("$b:chat.example")).Exists() {
		t.Errorf("event with only private receipts should have been dropped: %s", delivered)
	}

	// An update that is private in its entirety vanishes.
	router.NotifyReceipt(ctx, "!room:chat.example",
		RawJSON(`{"$c:chat.example":{"m.read.private":{"@alice:chat.example":{"ts":4}}}}`))
	if n := rec.count(); n != 1 {
		t.Errorf("private-only receipt was routed, total submissions %d", n)
	}
}

func TestReceiptTargetsBeyondMembership(t *testing.T) {
	// The reader left the room already, but services claiming the reader
	// still hear about their receipt.
	bridge := newTestService(t, "bridge", true, Namespaces{
		Users: []Namespace{{Regex: `@gone:.+`}},
	})
	rooms := &staticRooms{
		members: map[string][]string{"!room:chat.example": {"@alice:chat.example"}},
	}
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), rooms, rec)

	router.NotifyReceipt(context.Background(), "!room:chat.example",
		RawJSON(`{"$m:chat.example":{"m.read":{"@gone:chat.example":{"ts":1}}}}`))

	if len(rec.forService("bridge")) != 1 {
		t.Error("receipt naming a namespaced reader should be routed")
	}
}

func TestTypingRouting(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Rooms: []Namespace{{Regex: `!bridged:chat\.example`}},
	})
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), &staticRooms{}, rec)

	router.NotifyTyping(context.Background(), "!bridged:chat.example",
		[]string{"@alice:chat.example", "@alice:chat.example", "@bob:chat.example"})

	got := rec.forService("bridge")
	if len(got) != 1 || got[0].ephemeral == nil {
		t.Fatalf("got %+v, want one typing event", got)
	}
	if got[0].ephemeral.Type != MTyping {
		t.Errorf("type = %q, want %q", got[0].ephemeral.Type, MTyping)
	}
	var content typingContent
	if err := json.Unmarshal([]byte(got[0].ephemeral.Content), &content); err != nil {
		t.Fatalf("decode typing content: %v", err)
	}
	if len(content.UserIDs) != 2 {
		t.Errorf("user_ids = %v, want the duplicate removed", content.UserIDs)
	}
}

func TestPresenceRouting(t *testing.T) {
	direct := newTestService(t, "direct", true, Namespaces{
		Users: []Namespace{{Regex: `@bob:.+`}},
	})
	neighbour := newTestService(t, "neighbour", true, Namespaces{
		Users: []Namespace{{Regex: `@_puppet_.*:chat\.example`}},
	})
	optedOut := newTestService(t, "optedout", false, Namespaces{
		Users: []Namespace{{Regex: `@bob:.+`}},
	})
	rooms := &staticRooms{
		joined: map[string][]string{"@bob:chat.example": {"!shared:chat.example"}},
		members: map[string][]string{
			"!shared:chat.example": {"@bob:chat.example", "@_puppet_x:chat.example"},
		},
	}
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(direct, neighbour, optedOut), rooms, rec)

	presence := RawJSON(`{"presence":"online"}`)
	router.NotifyPresence(context.Background(), "@bob:chat.example", presence)

	for _, id := range []string{"direct", "neighbour"} {
		got := rec.forService(id)
		if len(got) != 1 || got[0].ephemeral == nil {
			t.Fatalf("%s got %+v, want one presence event", id, got)
		}
		if got[0].ephemeral.Type != MPresence || got[0].ephemeral.Sender != "@bob:chat.example" {
			t.Errorf("%s got %+v", id, got[0].ephemeral)
		}
	}
	if n := len(rec.forService("optedout")); n != 0 {
		t.Errorf("service without ephemeral support got %d presence events", n)
	}
}

func TestToDeviceRouting(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Users: []Namespace{{Regex: `@_bridge_.*:chat\.example`}},
	})
	roomWatcher := newTestService(t, "watcher", true, Namespaces{
		Rooms: []Namespace{{Regex: `!.*:chat\.example`}},
	})
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge, roomWatcher), &staticRooms{}, rec)

	router.NotifyToDevice(context.Background(), ToDeviceEvent{
		Type:       "m.room_key_request",
		Sender:     "@alice:chat.example",
		ToUserID:   "@_bridge_alice:chat.example",
		ToDeviceID: "DEVICE",
		Content:    RawJSON(`{"action":"request"}`),
	})

	if got := rec.forService("bridge"); len(got) != 1 || got[0].toDevice == nil {
		t.Fatalf("bridge got %+v, want the to-device message", got)
	}
	if n := len(rec.forService("watcher")); n != 0 {
		t.Errorf("room namespaces must not leak to-device traffic, watcher got %d", n)
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Users: []Namespace{{Regex: `@.*`}},
	})
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), &staticRooms{}, rec)
	ctx := context.Background()

	router.NotifyNewEvent(ctx, ClientEvent{Type: "m.room.message", Sender: "@a:b"})    // no room
	router.NotifyNewEvent(ctx, ClientEvent{Type: "m.room.message", RoomID: "!r:b"})    // no sender
	router.NotifyNewEvent(ctx, ClientEvent{Sender: "@a:b", RoomID: "!r:b"})            // no type
	router.NotifyReceipt(ctx, "", RawJSON(`{"$e:b":{"m.read":{"@a:b":{}}}}`))          // no room
	router.NotifyReceipt(ctx, "!r:b", RawJSON(`[1,2,3]`))                              // not an object
	router.NotifyReceipt(ctx, "!r:b", RawJSON(`garbage`))                              // not JSON
	router.NotifyToDevice(ctx, ToDeviceEvent{Type: "m.x", Sender: "@a:b"})             // no recipient
	router.NotifyTyping(ctx, "", []string{"@a:b"})                                     // no room
	router.NotifyPresence(ctx, "", RawJSON(`{"presence":"online"}`))                   // no user

	if n := rec.count(); n != 0 {
		t.Errorf("malformed payloads produced %d submissions", n)
	}
}

func TestRoomLookupFailuresDegradeToDirectMatches(t *testing.T) {
	bridge := newTestService(t, "bridge", true, Namespaces{
		Rooms: []Namespace{{Regex: `!bridged:chat\.example`}},
	})
	rec := &recordingSubmitter{}
	router := NewRouter(StaticRegistry(bridge), failingRooms{}, rec)

	router.NotifyNewEvent(context.Background(), ClientEvent{
		Type:    "m.room.message",
		EventID: "$m:chat.example",
		Sender:  "@alice:chat.example",
		RoomID:  "!bridged:chat.example",
	})

	if len(rec.forService("bridge")) != 1 {
		t.Error("room namespace match should survive alias and member lookup failures")
	}
}

func TestRegistryChangesApplyToTheNextPayload(t *testing.T) {
	first := newTestService(t, "first", true, Namespaces{
		Users: []Namespace{{Regex: `@.*`}},
	})
	second := newTestService(t, "second", true, Namespaces{
		Users: []Namespace{{Regex: `@.*`}},
	})

	var mutex sync.Mutex
	current := []*ApplicationService{first}
	registry := RegistryFunc(func(context.Context) []*ApplicationService {
		mutex.Lock()
		defer mutex.Unlock()
		return current
	})

	rec := &recordingSubmitter{}
	router := NewRouter(registry, &staticRooms{}, rec)
	ctx := context.Background()
	event := ClientEvent{Type: "m.room.message", EventID: "$m:b", Sender: "@a:b", RoomID: "!r:b"}

	router.NotifyNewEvent(ctx, event)
	mutex.Lock()
	current = []*ApplicationService{second}
	mutex.Unlock()
	router.NotifyNewEvent(ctx, event)

	if len(rec.forService("first")) != 1 || len(rec.forService("second")) != 1 {
		t.Errorf("registry change did not apply: %+v", rec.submissions)
	}
}

func TestScrubPrivateReceipts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{{
		name: "nothing private passes through untouched",
		in:   `{"$a:chat.example":{"m.read":{"@alice:chat.example":{"ts":1}}}}`,
		want: `{"$a:chat.example":{"m.read":{"@alice:chat.example":{"ts":1}}}}`,
	}, {
		name: "private marker removed, public kept",
		in:   `{"$a:chat.example":{"m.read":{"@a:b":{}},"m.read.private":{"@a:b":{}}}}`,
		want: `{"$a:chat.example":{"m.read":{"@a:b":{}}}}`,
	}, {
		name: "event entry dropped when only private remains",
		in:   `{"$a:chat.example":{"m.read.private":{"@a:b":{}}}}`,
		want: `{}`,
	}, {
		name: "event ids with dots are handled",
		in:   `{"$a.b.c:chat.example":{"m.read.private":{"@a:b":{}},"m.read":{"@a:b":{}}}}`,
		want: `{"$a.b.c:chat.example":{"m.read":{"@a:b":{}}}}`,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := scrubPrivateReceipts(RawJSON(tc.in))
			if string(got) != tc.want {
				t.Errorf("scrubPrivateReceipts(%s)\n got %s\nwant %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestReceiptTargets(t *testing.T) {
	content := gjson.Parse(`{` +
		`"$a:b":{"m.read":{"@alice:b":{"ts":1},"@bob:b":{"ts":2}}},` +
		`"$c:b":{"m.read":{"@carol:b":{"ts":3}}}}`)
	targets := receiptTargets(content)
	want := map[string]bool{"@alice:b": true, "@bob:b": true, "@carol:b": true}
	if len(targets) != len(want) {
		t.Fatalf("targets = %v, want %d users", targets, len(want))
	}
	for _, user := range targets {
		if !want[user] {
			t.Errorf("unexpected target %q", user)
		}
	}
}
