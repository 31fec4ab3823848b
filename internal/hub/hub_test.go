package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taschat/signaling/internal/ban"
	"github.com/taschat/signaling/internal/callrecord"
	"github.com/taschat/signaling/internal/gate"
	"github.com/taschat/signaling/internal/messaging"
	"github.com/taschat/signaling/internal/moderation"
	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/ratelimit"
	"github.com/taschat/signaling/internal/registry"
	"github.com/taschat/signaling/internal/relay"
	"github.com/taschat/signaling/internal/session"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSender struct {
	mu      sync.Mutex
	frames  map[string][]map[string]interface{}
	closed  []string
	onClose func(id string)
}

func (s *fakeSender) Send(id string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string][]map[string]interface{})
	}
	s.frames[id] = append(s.frames[id], m)
	return nil
}

func (s *fakeSender) Close(id string) {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose(id)
	}
}

func (s *fakeSender) types(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames[id]))
	for _, f := range s.frames[id] {
		out = append(out, f["type"].(string))
	}
	return out
}

func (s *fakeSender) of(id, msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range s.frames[id] {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSender) last(id, msgType string) map[string]interface{} {
	all := s.of(id, msgType)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (s *fakeSender) isClosed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.closed {
		if c == id {
			return true
		}
	}
	return false
}

type fakeOracle struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	delay       time.Duration
	onBalance   func(wallet string)
	calls       int
	inflight    int
	maxInflight int
}

func (o *fakeOracle) Balance(_ context.Context, wallet string) (decimal.Decimal, error) {
	o.mu.Lock()
	o.calls++
	o.inflight++
	if o.inflight > o.maxInflight {
		o.maxInflight = o.inflight
	}
	hook, delay := o.onBalance, o.delay
	o.mu.Unlock()

	if hook != nil {
		hook(wallet)
	}
	time.Sleep(delay)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	return o.balances[wallet], nil
}

func (o *fakeOracle) stats() (calls, maxInflight int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls, o.maxInflight
}

type memoryTrials struct {
	mu   sync.Mutex
	used map[string]bool
}

func (m *memoryTrials) Claim(_ context.Context, wallet string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[wallet] {
		return false, nil
	}
	m.used[wallet] = true
	return true, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	deny   map[string]time.Duration // rule key -> retry after
	err    error
	calls  int
	resets map[string][]string // identifier -> rule keys
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return ratelimit.Decision{Allowed: true}, l.err
	}
	if retry, ok := l.deny[rule.Key]; ok {
		return ratelimit.Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func (l *fakeLimiter) Reset(_ context.Context, id string, rules ...ratelimit.Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resets == nil {
		l.resets = make(map[string][]string)
	}
	for _, r := range rules {
		l.resets[id] = append(l.resets[id], r.Key)
	}
	return l.err
}

func (l *fakeLimiter) resetKeys(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.resets[id]...)
}

type fakeBans struct {
	mu        sync.Mutex
	banned    map[string]ban.Status
	strikes   map[string]int
	threshold int
	err       error
	onCheck   func() // runs before each IsBanned answers
}

func (b *fakeBans) IsBanned(_ context.Context, wallet string) (ban.Status, error) {
	if b.onCheck != nil {
		b.onCheck()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return ban.Status{}, b.err
	}
	return b.banned[wallet], nil
}

func (b *fakeBans) Strike(_ context.Context, wallet, reason string) (ban.StrikeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strikes[wallet]++
	n := b.strikes[wallet]
	if n < b.threshold {
		return ban.StrikeResult{Strikes: n}, nil
	}
	b.strikes[wallet] = 0
	b.banned[wallet] = ban.Status{Banned: true, Remaining: ban.Ban15Min, Reason: reason}
	return ban.StrikeResult{Strikes: n, Banned: true, Duration: ban.Ban15Min}, nil
}

type fakeEvents struct {
	mu      sync.Mutex
	started []messaging.SessionStarted
	ended   []messaging.SessionEnded
	flagged []interface{}
	bans    []messaging.BanNotice
}

func (e *fakeEvents) PublishSessionStarted(ev messaging.SessionStarted) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, ev)
	return nil
}

func (e *fakeEvents) PublishSessionEnded(ev messaging.SessionEnded) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = append(e.ended, ev)
	return nil
}

func (e *fakeEvents) PublishFlagged(v interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flagged = append(e.flagged, v)
	return nil
}

func (e *fakeEvents) PublishBan(n messaging.BanNotice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bans = append(e.bans, n)
	return nil
}

func (e *fakeEvents) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []callrecord.Record
}

func (r *fakeRecorder) Record(rec callrecord.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *fakeRecorder) all() []callrecord.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callrecord.Record(nil), r.records...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	hub      *Hub
	reg      *registry.Registry
	sessions *session.Manager
	out      *fakeSender
	oracle   *fakeOracle
	trials   *memoryTrials
	limiter  *fakeLimiter
	bans     *fakeBans
	events   *fakeEvents
	records  *fakeRecorder
}

const trialDuration = 50 * time.Millisecond

// newHarness builds a running hub. Wallets are "w-<connID>"; balances are keyed
// by wallet.
func newHarness(t *testing.T, balances map[string]int64) *harness {
	t.Helper()

	reg := registry.New(nil)
	sessions := session.NewManager(reg)
	oracle := &fakeOracle{balances: make(map[string]decimal.Decimal)}
	for w, b := range balances {
		oracle.balances[w] = decimal.NewFromInt(b)
	}
	trials := &memoryTrials{used: make(map[string]bool)}
	g := gate.New(reg, oracle, trials, gate.Config{
		AdvancedFiltersMin: decimal.NewFromInt(200),
		AudioMin:           decimal.NewFromInt(1),
		TrialDuration:      trialDuration,
	})

	x := &harness{
		reg:      reg,
		sessions: sessions,
		out:      &fakeSender{},
		oracle:   oracle,
		trials:   trials,
		limiter:  &fakeLimiter{deny: make(map[string]time.Duration)},
		bans:     &fakeBans{banned: make(map[string]ban.Status), strikes: make(map[string]int), threshold: 3},
		events:   &fakeEvents{},
		records:  &fakeRecorder{},
	}
	x.hub = New(Deps{
		Registry:   reg,
		Sessions:   sessions,
		Gate:       g,
		Sender:     x.out,
		Filter:     moderation.NewFilter(),
		Limiter:    x.limiter,
		Bans:       x.bans,
		Events:     x.events,
		Records:    x.records,
		ServerName: "test-1",
	})
	x.out.onClose = x.hub.Disconnect

	ctx, cancel := context.WithCancel(context.Background())
	go x.hub.Run(ctx)
	t.Cleanup(cancel)
	return x
}

func (x *harness) send(id, frame string) {
	x.hub.Handle(id, []byte(frame))
}

func (x *harness) register(t *testing.T, id string) {
	t.Helper()
	x.send(id, fmt.Sprintf(`{"type":"register","walletAddress":"w-%s","gender":"female","country":"DE","city":"Berlin"}`, id))
	require.NotNil(t, x.out.last(id, protocol.TypeRegistrationConfirmed), "registration of %s", id)
}

// pair registers a and b and matches them, a searching first.
func (x *harness) pair(t *testing.T, a, b string) string {
	t.Helper()
	x.register(t, a)
	x.register(t, b)
	x.send(a, `{"type":"search","filters":{}}`)
	x.send(b, `{"type":"search","filters":{}}`)
	x.waitFor(t, a, protocol.TypePeerFound)
	x.waitFor(t, b, protocol.TypePeerFound)
	return x.out.last(a, protocol.TypePeerFound)["sessionId"].(string)
}

func (x *harness) waitFor(t *testing.T, id, msgType string) map[string]interface{} {
	t.Helper()
	require.Eventually(t, func() bool {
		return x.out.last(id, msgType) != nil
	}, 2*time.Second, 5*time.Millisecond, "%s never received %s", id, msgType)
	return x.out.last(id, msgType)
}

func (x *harness) state(id string) registry.State {
	c, ok := x.reg.Lookup(id)
	if !ok {
		return ""
	}
	return c.State
}

// ---------------------------------------------------------------------------
// Registration and dispatch
// ---------------------------------------------------------------------------

func TestRegister_ConfirmsAndRejectsDuplicate(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")

	confirmed := x.out.last("a", protocol.TypeRegistrationConfirmed)
	assert.Equal(t, "a", confirmed["connectionId"])
	assert.Equal(t, registry.StateIdle, x.state("a"))

	x.send("a", `{"type":"register","walletAddress":"w-other"}`)
	errFrame := x.out.last("a", protocol.TypeError)
	require.NotNil(t, errFrame)
	assert.Equal(t, protocol.CodeDuplicateRegistration, errFrame["code"])

	c, _ := x.reg.Lookup("a")
	assert.Equal(t, "w-a", c.WalletAddress, "first registration stands")
}

func TestDispatch_Errors(t *testing.T) {
	x := newHarness(t, nil)

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"malformed json", `{not json`, protocol.CodeParseError},
		{"unknown type", `{"type":"teleport"}`, protocol.CodeUnsupportedType},
		{"server-only type", `{"type":"peer_found"}`, protocol.CodeUnsupportedType},
		{"missing wallet", `{"type":"register","walletAddress":"  "}`, protocol.CodeInvalidPayload},
		{"not registered", `{"type":"search","filters":{}}`, protocol.CodeNotRegistered},
		{"chat before register", `{"type":"chat_message","text":"hi"}`, protocol.CodeNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := strings.ReplaceAll(tt.name, " ", "-")
			x.send(id, tt.frame)
			errFrame := x.out.last(id, protocol.TypeError)
			require.NotNil(t, errFrame)
			assert.Equal(t, tt.code, errFrame["code"])
			assert.False(t, x.out.isClosed(id), "protocol errors never close the socket")
		})
	}
}

func TestPing_AnsweredWithoutRegistration(t *testing.T) {
	x := newHarness(t, nil)
	x.send("a", `{"type":"ping"}`)
	assert.Equal(t, []string{protocol.TypePong}, x.out.types("a"))
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestSearch_MatchesAndElectsInitiator(t *testing.T) {
	x := newHarness(t, map[string]int64{"w-a": 5, "w-b": 5})
	sessionID := x.pair(t, "a", "b")

	pa := x.out.last("a", protocol.TypePeerFound)
	pb := x.out.last("b", protocol.TypePeerFound)

	assert.Equal(t, sessionID, pb["sessionId"])
	assert.Equal(t, true, pa["initiator"], "earliest searcher creates the offer")
	assert.Equal(t, false, pb["initiator"])
	assert.Equal(t, "b", pa["peerId"])
	assert.Equal(t, "a", pb["peerId"])
	assert.Equal(t, "w-b", pa["peerWallet"])
	assert.Equal(t, "female", pa["peerGender"])
	assert.Equal(t, "DE", pa["peerLocation"].(map[string]interface{})["country"])

	assert.Equal(t, registry.StateInSession, x.state("a"))
	assert.Equal(t, registry.StateInSession, x.state("b"))

	for _, id := range []string{"a", "b"} {
		types := x.out.types(id)
		assert.Less(t, indexOf(types, protocol.TypeSearchStarted), indexOf(types, protocol.TypePeerFound),
			"%s: search_started precedes peer_found", id)
	}

	audio := x.waitFor(t, "a", protocol.TypeAudioAccess)
	assert.Equal(t, string(gate.AudioUnlimited), audio["mode"])

	require.Eventually(t, func() bool { return x.events.startedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSearch_InSessionRejected(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	x.send("a", `{"type":"search","filters":{}}`)
	errFrame := x.out.last("a", protocol.TypeError)
	require.NotNil(t, errFrame)
	assert.Equal(t, protocol.CodeInSession, errFrame["code"])
}

func TestSearch_RepeatedIsNoOp(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")

	x.send("a", `{"type":"search","filters":{}}`)
	x.send("a", `{"type":"search","filters":{}}`)

	assert.Len(t, x.out.of("a", protocol.TypeSearchStarted), 1)
	assert.Equal(t, 1, x.hub.QueueSize())
}

func TestSearch_LocationFiltersGatedByBalance(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		advanced bool
		country  string
	}{
		{"below threshold strips location", 199, false, ""},
		{"at threshold keeps location", 200, true, "DE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newHarness(t, map[string]int64{"w-a": tt.balance})
			x.register(t, "a")

			x.send("a", `{"type":"search","filters":{"gender":"male","country":"DE","city":"Berlin"},"hasAdvancedFilters":true}`)

			started := x.out.last("a", protocol.TypeSearchStarted)
			require.NotNil(t, started)
			assert.Equal(t, tt.advanced, started["advancedFilters"])

			c, _ := x.reg.Lookup("a")
			assert.Equal(t, registry.StateSearching, c.State)
			assert.Equal(t, tt.country, c.Filters.Country)
			assert.Equal(t, "male", c.Filters.Gender, "gender filter is free")
		})
	}
}

func TestSearch_MalformedClaimsStillQueue(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty balance", `{"type":"search","filters":{},"tasBalance":""}`},
		{"object balance", `{"type":"search","filters":{},"tasBalance":{"amount":5}}`},
		{"word flag", `{"type":"search","filters":{},"hasAdvancedFilters":"sure"}`},
		{"numeric flag", `{"type":"search","filters":{},"tasBalance":"lots","hasAdvancedFilters":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newHarness(t, nil)
			x.register(t, "a")

			x.send("a", tt.frame)

			assert.Nil(t, x.out.last("a", protocol.TypeError))
			require.NotNil(t, x.out.last("a", protocol.TypeSearchStarted))
			c, _ := x.reg.Lookup("a")
			assert.Equal(t, registry.StateSearching, c.State)
			assert.True(t, c.ClaimedBalance.IsZero(), "a dropped claim is stored as zero")
		})
	}
}

func TestStopSearch(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.send("a", `{"type":"search","filters":{}}`)
	require.Equal(t, registry.StateSearching, x.state("a"))

	x.send("a", `{"type":"stop_search"}`)
	assert.Equal(t, registry.StateIdle, x.state("a"))
	assert.Equal(t, 0, x.hub.QueueSize())

	// Not searching: silently ignored.
	x.send("a", `{"type":"stop_search"}`)
	assert.Nil(t, x.out.last("a", protocol.TypeError))
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestSignaling_RelayedBetweenPeers(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	x.send("a", `{"type":"offer","sdp":{"type":"offer","sdp":"v=0 a"}}`)
	offer := x.out.last("b", protocol.TypeOffer)
	require.NotNil(t, offer)
	assert.Equal(t, "v=0 a", offer["sdp"].(map[string]interface{})["sdp"])

	x.send("b", `{"type":"answer","sdp":{"type":"answer","sdp":"v=0 b"}}`)
	require.NotNil(t, x.out.last("a", protocol.TypeAnswer))

	x.send("b", `{"type":"ice-candidate","candidate":{"candidate":"c1"}}`)
	require.NotNil(t, x.out.last("a", protocol.TypeICECandidate))
}

func TestSignaling_OutsideSessionDropped(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")

	x.send("a", `{"type":"offer","sdp":{}}`)
	assert.Equal(t, []string{protocol.TypeRegistrationConfirmed}, x.out.types("a"))
}

func TestChat_RelayedAndLimitedAfterImage(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	x.send("a", `{"type":"chat_message","text":"hello","messageId":"m1"}`)
	msg := x.out.last("b", protocol.TypeChatMessage)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg["text"])

	x.send("b", `{"type":"chat_image","image":"data:image/png;base64,AAAA","messageId":"i1"}`)
	require.NotNil(t, x.out.last("a", protocol.TypeChatImage))

	for i := 0; i < relay.ChatLimitAfterImage; i++ {
		x.send("a", fmt.Sprintf(`{"type":"chat_message","text":"after %d"}`, i))
	}
	x.send("a", `{"type":"chat_message","text":"one too many","messageId":"m99"}`)

	limit := x.out.last("a", protocol.TypeMessageLimitReached)
	require.NotNil(t, limit)
	assert.Equal(t, "m99", limit["messageId"])
	assert.EqualValues(t, relay.ChatLimitAfterImage, limit["limit"])
	assert.NotEqual(t, "one too many", x.out.last("b", protocol.TypeChatMessage)["text"])
}

func TestChat_ImageTooLarge(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	big := strings.Repeat("A", relay.MaxImageBytes+1)
	x.send("a", fmt.Sprintf(`{"type":"chat_image","image":%q}`, big))

	errFrame := x.out.last("a", protocol.TypeError)
	require.NotNil(t, errFrame)
	assert.Equal(t, protocol.CodeImageTooLarge, errFrame["code"])
	assert.Nil(t, x.out.last("b", protocol.TypeChatImage))
}

// ---------------------------------------------------------------------------
// Session teardown
// ---------------------------------------------------------------------------

func TestEndCall_NotifiesPeerOnce(t *testing.T) {
	x := newHarness(t, nil)
	sessionID := x.pair(t, "a", "b")

	x.send("a", `{"type":"end_call"}`)
	x.send("a", `{"type":"end_call"}`)
	x.send("b", `{"type":"disconnect"}`)

	notices := x.out.of("b", protocol.TypePeerDisconnected)
	require.Len(t, notices, 1)
	assert.Equal(t, session.ReasonEndCall, notices[0]["reason"])
	assert.Nil(t, x.out.last("a", protocol.TypePeerDisconnected), "the leaver is not notified")

	assert.Equal(t, registry.StateIdle, x.state("a"))
	assert.Equal(t, registry.StateIdle, x.state("b"))
	assert.False(t, x.out.isClosed("a"), "end_call keeps the socket open")

	records := x.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, sessionID, records[0].SessionID)
	assert.Equal(t, "w-a", records[0].WalletA)
	assert.Equal(t, "w-b", records[0].WalletB)
	assert.Equal(t, "a", records[0].EndedBy)
	assert.Equal(t, "test-1", records[0].Server)
}

func TestDisconnect_WhileSearchingLeavesQueue(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.send("a", `{"type":"search","filters":{}}`)

	x.send("a", `{"type":"disconnect"}`)
	assert.Equal(t, registry.StateIdle, x.state("a"))
	assert.Equal(t, 0, x.hub.QueueSize())
}

func TestTransportClose_EndsSessionAndForgetsConnection(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	x.hub.Disconnect("a")

	notices := x.out.of("b", protocol.TypePeerDisconnected)
	require.Len(t, notices, 1)
	assert.Equal(t, session.ReasonClosed, notices[0]["reason"])

	_, ok := x.reg.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, registry.StateIdle, x.state("b"))
	assert.Equal(t, 0, x.sessions.Count())

	records := x.records.all()
	require.Len(t, records, 1)
	assert.Equal(t, "w-a", records[0].WalletA, "wallet of a removed connection is still recorded")

	// Disconnecting again is harmless.
	x.hub.Disconnect("a")
	assert.Len(t, x.out.of("b", protocol.TypePeerDisconnected), 1)
}

func TestRegister_AfterTransportTeardownRefused(t *testing.T) {
	x := newHarness(t, nil)

	x.hub.Disconnect("ghost")
	x.send("ghost", `{"type":"register","walletAddress":"w-ghost"}`)

	_, ok := x.reg.Lookup("ghost")
	assert.False(t, ok, "a closed socket must not be registered")
	assert.Equal(t, 0, x.reg.Stats().Online)
	assert.Nil(t, x.out.last("ghost", protocol.TypeRegistrationConfirmed))
}

func TestRegister_SocketClosedDuringBanCheck(t *testing.T) {
	x := newHarness(t, nil)
	x.bans.onCheck = func() { x.hub.Disconnect("a") }

	x.send("a", `{"type":"register","walletAddress":"w-a"}`)

	_, ok := x.reg.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, x.reg.Stats().Online)

	// Later frames on the dead id are refused as unregistered.
	x.send("a", `{"type":"search","filters":{}}`)
	assert.Equal(t, 0, x.hub.QueueSize())
}

func TestNext_RequeuesWithPreviousFilters(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.register(t, "b")
	x.send("a", `{"type":"search","filters":{"gender":"female"}}`)
	x.send("b", `{"type":"search","filters":{}}`)
	x.waitFor(t, "a", protocol.TypePeerFound)

	x.send("a", `{"type":"next"}`)

	notice := x.out.last("b", protocol.TypePeerDisconnected)
	require.NotNil(t, notice)
	assert.Equal(t, session.ReasonNext, notice["reason"])
	assert.Len(t, x.out.of("a", protocol.TypeSearchStarted), 2)

	c, _ := x.reg.Lookup("a")
	assert.Equal(t, registry.StateSearching, c.State)
	assert.Equal(t, "female", c.Filters.Gender)
	assert.Equal(t, registry.StateIdle, x.state("b"), "the partner does not requeue")
}

func TestShutdown_EndsAllSessions(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")
	x.pair(t, "c", "d")

	x.hub.Shutdown()

	for _, id := range []string{"a", "b", "c", "d"} {
		notice := x.out.last(id, protocol.TypePeerDisconnected)
		require.NotNil(t, notice, id)
		assert.Equal(t, session.ReasonShutdown, notice["reason"])
	}
	assert.Equal(t, 0, x.sessions.Count())
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

func TestAudio_TrialEndsOnce(t *testing.T) {
	x := newHarness(t, map[string]int64{"w-b": 10})
	x.pair(t, "a", "b")

	audioA := x.waitFor(t, "a", protocol.TypeAudioAccess)
	assert.Equal(t, string(gate.AudioTrial), audioA["mode"])
	audioB := x.waitFor(t, "b", protocol.TypeAudioAccess)
	assert.Equal(t, string(gate.AudioUnlimited), audioB["mode"])

	x.waitFor(t, "a", protocol.TypeAudioTrialEnded)
	assert.Nil(t, x.out.last("b", protocol.TypeAudioTrialEnded))

	// The trial is per wallet: the next call has no audio.
	x.send("a", `{"type":"end_call"}`)
	x.send("a", `{"type":"search","filters":{}}`)
	x.send("b", `{"type":"search","filters":{}}`)
	require.Eventually(t, func() bool {
		return len(x.out.of("a", protocol.TypeAudioAccess)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(gate.AudioDenied), x.out.last("a", protocol.TypeAudioAccess)["mode"])
}

func TestAudio_TrialTimerCancelledWithSession(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")
	x.waitFor(t, "a", protocol.TypeAudioAccess)

	x.send("b", `{"type":"end_call"}`)
	time.Sleep(3 * trialDuration)
	assert.Nil(t, x.out.last("a", protocol.TypeAudioTrialEnded))
}

func TestAudio_BalancesResolvedInParallel(t *testing.T) {
	x := newHarness(t, map[string]int64{"w-b": 10})
	x.oracle.delay = 40 * time.Millisecond
	x.pair(t, "a", "b")

	calls, maxInflight := x.oracle.stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, maxInflight)
	assert.Equal(t, string(gate.AudioTrial), x.waitFor(t, "a", protocol.TypeAudioAccess)["mode"])
	assert.Equal(t, string(gate.AudioUnlimited), x.waitFor(t, "b", protocol.TypeAudioAccess)["mode"])
}

func TestAudio_TrialKeptWhenSessionEndsBeforeAnnounce(t *testing.T) {
	x := newHarness(t, nil)
	var once sync.Once
	x.oracle.onBalance = func(string) {
		once.Do(func() { x.hub.Disconnect("b") })
	}

	x.register(t, "a")
	x.register(t, "b")
	x.send("a", `{"type":"search","filters":{}}`)
	x.send("b", `{"type":"search","filters":{}}`)

	require.Eventually(t, func() bool {
		calls, _ := x.oracle.stats()
		return calls > 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * trialDuration)

	assert.Nil(t, x.out.last("a", protocol.TypePeerFound))
	assert.Nil(t, x.out.last("a", protocol.TypeAudioAccess))
	x.trials.mu.Lock()
	defer x.trials.mu.Unlock()
	assert.False(t, x.trials.used["w-a"], "trial claimed for a session that was never announced")
}

// ---------------------------------------------------------------------------
// Abuse controls
// ---------------------------------------------------------------------------

func TestRateLimited(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.limiter.deny[ratelimit.RuleSearch.Key] = 1500 * time.Millisecond

	x.send("a", `{"type":"search","filters":{}}`)

	limited := x.out.last("a", protocol.TypeRateLimited)
	require.NotNil(t, limited)
	assert.EqualValues(t, 2, limited["retryAfter"])
	assert.Equal(t, registry.StateIdle, x.state("a"))
	assert.Nil(t, x.out.last("a", protocol.TypeSearchStarted))
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.limiter.err = errors.New("redis down")

	x.send("a", `{"type":"search","filters":{}}`)
	assert.Equal(t, registry.StateSearching, x.state("a"))
}

func TestDisconnect_ClearsRateLimitCounters(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")

	x.hub.Disconnect("a")

	assert.ElementsMatch(t, []string{ratelimit.RuleSearch.Key, ratelimit.RuleChat.Key}, x.limiter.resetKeys("a"))
}

func TestBlockedMessage_StrikesThenBans(t *testing.T) {
	x := newHarness(t, nil)
	x.pair(t, "a", "b")

	for i := 0; i < 2; i++ {
		x.send("a", `{"type":"chat_message","text":"visit http://evil.com"}`)
	}
	assert.Len(t, x.out.of("a", protocol.TypeError), 2)
	for _, f := range x.out.of("a", protocol.TypeError) {
		assert.Equal(t, protocol.CodeMessageBlocked, f["code"])
	}
	assert.Nil(t, x.out.last("b", protocol.TypeChatMessage), "blocked messages never reach the peer")
	assert.False(t, x.out.isClosed("a"))

	x.send("a", `{"type":"chat_message","text":"visit http://evil.com"}`)

	banned := x.out.last("a", protocol.TypeBanned)
	require.NotNil(t, banned)
	assert.EqualValues(t, ban.Ban15Min.Seconds(), banned["duration"])
	assert.True(t, x.out.isClosed("a"))

	notice := x.out.last("b", protocol.TypePeerDisconnected)
	require.NotNil(t, notice)
	assert.Equal(t, session.ReasonBanned, notice["reason"])
	_, ok := x.reg.Lookup("a")
	assert.False(t, ok)

	x.events.mu.Lock()
	defer x.events.mu.Unlock()
	require.Len(t, x.events.flagged, 3)
	ev := x.events.flagged[0].(moderation.FlaggedEvent)
	assert.Equal(t, "w-a", ev.Wallet)
	assert.NotEmpty(t, ev.SessionID)
	require.Len(t, x.events.bans, 1)
	assert.Equal(t, "w-a", x.events.bans[0].Wallet)
}

func TestRegister_BannedWalletRefused(t *testing.T) {
	x := newHarness(t, nil)
	x.bans.banned["w-a"] = ban.Status{Banned: true, Remaining: time.Hour, Reason: "spam_pattern"}

	x.send("a", `{"type":"register","walletAddress":"w-a"}`)

	banned := x.out.last("a", protocol.TypeBanned)
	require.NotNil(t, banned)
	assert.EqualValues(t, 3600, banned["duration"])
	assert.Equal(t, "spam_pattern", banned["reason"])
	assert.True(t, x.out.isClosed("a"))
	_, ok := x.reg.Lookup("a")
	assert.False(t, ok)
}

func TestRegister_BanCheckFailsOpen(t *testing.T) {
	x := newHarness(t, nil)
	x.bans.err = errors.New("redis down")
	x.register(t, "a")
	assert.False(t, x.out.isClosed("a"))
}

func TestKickWallet_FromRemoteNotice(t *testing.T) {
	x := newHarness(t, nil)
	x.register(t, "a")
	x.register(t, "b")

	x.hub.KickWallet(messaging.BanNotice{Wallet: " W-A ", Reason: "blocked_keyword", Duration: 900})

	assert.True(t, x.out.isClosed("a"))
	assert.False(t, x.out.isClosed("b"))
	assert.NotNil(t, x.out.last("a", protocol.TypeBanned))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
