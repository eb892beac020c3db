package agent

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/overlay/overlaytest"
	"github.com/postalsys/pfd-agent/internal/peer"
)

func info(id string, status overlay.ConnectionStatus, presence overlay.Presence) overlay.PeerInfo {
	return overlay.PeerInfo{
		UserInfo:         overlay.UserInfo{ID: id, Name: "node " + id},
		ConnectionStatus: status,
		Presence:         presence,
	}
}

func online(id string) overlay.PeerInfo {
	return info(id, overlay.Connected, overlay.PresenceNone)
}

func offline(id string) overlay.PeerInfo {
	return info(id, overlay.Disconnected, overlay.PresenceNone)
}

// startAgent returns a started agent wired to a fake overlay.
func startAgent(t *testing.T, mutate func(*Config)) (*Agent, *overlaytest.Client) {
	t.Helper()
	client := overlaytest.NewClient("self")
	cfg := Config{NewClient: client.Factory()}
	if mutate != nil {
		mutate(&cfg)
	}
	a := New(cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a, client
}

func activeID(a *Agent) string {
	if p := a.ActivePeer(); p != nil {
		return p.ID()
	}
	return ""
}

// connectLast completes the most recent session for id.
func connectLast(t *testing.T, client *overlaytest.Client, id string) *overlaytest.Session {
	t.Helper()
	sessions := client.Manager().SessionsFor(id)
	if len(sessions) == 0 {
		t.Fatalf("no session created for %s", id)
	}
	s := sessions[len(sessions)-1]
	s.Stream().Connect("sdp-" + id)
	return s
}

func TestStartStop(t *testing.T) {
	client := overlaytest.NewClient("self")
	a := New(Config{NewClient: client.Factory()})

	if a.IsRunning() {
		t.Fatal("IsRunning() before Start = true")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !client.Started() {
		t.Error("overlay client not started")
	}
	if client.Handler() != overlay.Handler(a) {
		t.Error("overlay client not bound to the agent")
	}

	h := client.Handler()
	h.OnConnection(overlay.Connected)
	h.OnFriends([]overlay.PeerInfo{online("p1")})
	h.OnFriendAdded(online("p2"))
	h.OnReady()

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if client.Killed() != 1 {
		t.Errorf("Kill called %d times, want 1", client.Killed())
	}
	if client.Manager().CleanedUp() != 1 {
		t.Errorf("Cleanup called %d times, want 1", client.Manager().CleanedUp())
	}
	if len(a.Peers()) != 0 {
		t.Errorf("roster not cleared: %d peers", len(a.Peers()))
	}
	if a.ActivePeer() != nil || a.IsReady() || a.IsRunning() {
		t.Error("agent state not reset after Stop")
	}

	// Callbacks still in flight when Stop ran are ignored.
	h.OnFriendAdded(online("late"))
	h.OnReady()
	if len(a.Peers()) != 0 || a.IsReady() {
		t.Error("events after Stop changed agent state")
	}
}

func TestStartFailure(t *testing.T) {
	client := overlaytest.NewClient("self")
	client.StartErr = errors.New("boom")
	a := New(Config{NewClient: client.Factory()})

	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want failure")
	}
	if a.IsRunning() {
		t.Error("agent running after failed start")
	}
	if client.Killed() != 1 {
		t.Errorf("Kill called %d times, want 1", client.Killed())
	}
}

func TestStartWithoutFactory(t *testing.T) {
	if err := New(Config{}).Start(context.Background()); err == nil {
		t.Fatal("Start() without factory succeeded")
	}
}

func TestSnapshotKeepsExistingRecords(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriends([]overlay.PeerInfo{online("p1"), offline("p2")})
	first, err := a.Peer("p1")
	if err != nil {
		t.Fatalf("Peer(p1) error = %v", err)
	}

	renamed := online("p1")
	renamed.Name = "renamed"
	h.OnFriends([]overlay.PeerInfo{renamed, offline("p2"), online("p3")})

	again, _ := a.Peer("p1")
	if again != first {
		t.Error("snapshot replaced an existing record")
	}
	if again.Name() != "renamed" {
		t.Errorf("Name() = %q, want renamed", again.Name())
	}

	var ids []string
	for _, p := range a.Peers() {
		ids = append(ids, p.ID())
	}
	if got := strings.Join(ids, ","); got != "p1,p2,p3" {
		t.Errorf("roster order = %s, want p1,p2,p3", got)
	}
}

func TestIsOnlineTracksLatestEvents(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(offline("p1"))
	p, _ := a.Peer("p1")

	steps := []struct {
		apply func()
		want  bool
	}{
		{func() { h.OnFriendConnection("p1", overlay.Connected) }, true},
		{func() { h.OnFriendPresence("p1", overlay.PresenceAway) }, false},
		{func() { h.OnFriendConnection("p1", overlay.Disconnected) }, false},
		{func() { h.OnFriendPresence("p1", overlay.PresenceNone) }, false},
		{func() { h.OnFriendConnection("p1", overlay.Connected) }, true},
		{func() { h.OnFriendPresence("p1", overlay.PresenceBusy) }, false},
		{func() { h.OnFriendPresence("p1", overlay.PresenceNone) }, true},
	}

	for i, step := range steps {
		step.apply()
		if got := p.IsOnline(); got != step.want {
			t.Errorf("step %d: IsOnline() = %v, want %v", i, got, step.want)
		}
	}
}

func TestFirstAddedPeerBecomesActiveEvenOffline(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(offline("p1"))
	h.OnFriendAdded(online("p2"))

	if got := activeID(a); got != "p1" {
		t.Errorf("active = %q, want p1", got)
	}
	if n := len(client.Manager().Sessions()); n != 0 {
		t.Errorf("%d sessions created for offline active peer, want 0", n)
	}
}

func TestReadyElectsFirstOnlinePeer(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriends([]overlay.PeerInfo{offline("p0"), online("p1"), online("p2")})
	if a.ActivePeer() != nil {
		t.Fatal("snapshot elected an active peer")
	}

	h.OnReady()

	if !a.IsReady() {
		t.Error("IsReady() = false after OnReady")
	}
	if got := activeID(a); got != "p1" {
		t.Errorf("active = %q, want p1", got)
	}
}

func TestReadyWithoutOnlinePeers(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriends([]overlay.PeerInfo{offline("p1")})
	h.OnReady()

	if a.ActivePeer() != nil {
		t.Errorf("active = %q, want none", activeID(a))
	}
	if !a.IsReady() {
		t.Error("IsReady() = false")
	}
}

func TestReadyThenForwarding(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriends([]overlay.PeerInfo{online("p1"), offline("p2")})
	h.OnReady()
	if got := activeID(a); got != "p1" {
		t.Fatalf("active = %q, want p1", got)
	}

	// Overlay not connected yet, so nothing is attempted.
	if n := len(client.Manager().Sessions()); n != 0 {
		t.Fatalf("%d sessions before overlay connected", n)
	}

	h.OnConnection(overlay.Connected)
	connectLast(t, client, "p1")

	port, forwarding := a.ActivePort()
	if !forwarding {
		t.Fatal("ActivePort() not forwarding")
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 {
		t.Errorf("ActivePort() = %q, want a port > 0", port)
	}
	p, _ := a.Peer("p1")
	if p.Port() != port {
		t.Errorf("peer port = %q, want %q", p.Port(), port)
	}
}

func TestReadySetsDefaultName(t *testing.T) {
	long := strings.Repeat("x", overlay.MaxUserNameLen+10)
	_, client := startAgent(t, func(c *Config) { c.DefaultName = long })

	client.Handler().OnReady()

	self, _ := client.SelfInfo()
	if len(self.Name) != overlay.MaxUserNameLen {
		t.Errorf("self name length = %d, want %d", len(self.Name), overlay.MaxUserNameLen)
	}
}

func TestReadyKeepsExistingName(t *testing.T) {
	_, client := startAgent(t, func(c *Config) { c.DefaultName = "default" })
	if err := client.SetSelfInfo(overlay.UserInfo{ID: "self", Name: "mine"}); err != nil {
		t.Fatal(err)
	}

	client.Handler().OnReady()

	self, _ := client.SelfInfo()
	if self.Name != "mine" {
		t.Errorf("self name = %q, want mine", self.Name)
	}
}

func TestReadyProceedsWhenNameUpdateFails(t *testing.T) {
	a, client := startAgent(t, func(c *Config) { c.DefaultName = "default" })
	client.SetSelfErr = errors.New("rejected")
	h := client.Handler()

	h.OnFriends([]overlay.PeerInfo{online("p1")})
	h.OnReady()

	if !a.IsReady() {
		t.Error("IsReady() = false after failed name update")
	}
	if got := activeID(a); got != "p1" {
		t.Errorf("active = %q, want p1", got)
	}
}

func TestActivePeerOfflineAndBack(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	connectLast(t, client, "p1")

	p, _ := a.Peer("p1")
	if !p.IsForwarding() {
		t.Fatal("p1 not forwarding")
	}

	h.OnFriendPresence("p1", overlay.PresenceAway)
	if p.State() != overlay.StateClosed {
		t.Errorf("state after away = %v, want closed", p.State())
	}
	if p.Handle() != -1 {
		t.Errorf("handle after away = %d, want -1", p.Handle())
	}

	h.OnFriendPresence("p1", overlay.PresenceNone)
	if n := len(client.Manager().SessionsFor("p1")); n != 2 {
		t.Fatalf("sessions for p1 = %d, want 2", n)
	}
	connectLast(t, client, "p1")

	if p.State() != overlay.StateConnected || !p.IsForwarding() {
		t.Errorf("p1 not forwarding again: state %v", p.State())
	}
	if n, err := strconv.Atoi(p.Port()); err != nil || n <= 0 {
		t.Errorf("port = %q, want > 0", p.Port())
	}
}

func TestConnectionLossClosesActivePeer(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")

	h.OnFriendConnection("p1", overlay.Disconnected)

	p, _ := a.Peer("p1")
	if p.IsForwarding() {
		t.Error("p1 still forwarding after disconnect")
	}
	if s.Closed() == 0 {
		t.Error("session not closed after disconnect")
	}
}

func TestInactivePeerEventsDoNotForward(t *testing.T) {
	_, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(offline("p1"))
	h.OnFriendAdded(offline("p2"))

	h.OnFriendConnection("p2", overlay.Connected)
	if n := len(client.Manager().SessionsFor("p2")); n != 0 {
		t.Errorf("sessions for inactive p2 = %d, want 0", n)
	}

	h.OnFriendConnection("p1", overlay.Connected)
	if n := len(client.Manager().SessionsFor("p1")); n != 1 {
		t.Errorf("sessions for active p1 = %d, want 1", n)
	}
}

func TestRemoveActiveReelectsFirstOnline(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(offline("p2"))
	h.OnFriendAdded(online("p3"))
	h.OnFriendAdded(online("p4"))

	h.OnFriendRemoved("p1")

	if got := activeID(a); got != "p3" {
		t.Errorf("active = %q, want p3", got)
	}
	if _, err := a.Peer("p1"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Peer(p1) error = %v, want ErrPeerNotFound", err)
	}
}

func TestRemoveActiveWithoutOnlinePeers(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(offline("p2"))

	h.OnFriendRemoved("p1")

	if a.ActivePeer() != nil {
		t.Errorf("active = %q, want none", activeID(a))
	}
}

func TestRemoveInactiveKeepsActive(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(online("p2"))
	h.OnFriendRemoved("p2")

	if got := activeID(a); got != "p1" {
		t.Errorf("active = %q, want p1", got)
	}
}

func TestRemoveActiveClosesForwarding(t *testing.T) {
	_, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")
	handle := s.Stream().Opens()[0].Handle

	h.OnFriendRemoved("p1")

	closes := s.Stream().Closes()
	if len(closes) != 1 || closes[0] != handle {
		t.Errorf("closed handles = %v, want [%d]", closes, handle)
	}
}

func TestSetActivePeerClosesPrevious(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(offline("p2"))
	connectLast(t, client, "p1")

	p1, _ := a.Peer("p1")
	if err := a.SetActivePeer("p2"); err != nil {
		t.Fatalf("SetActivePeer(p2) error = %v", err)
	}

	if p1.Handle() != -1 || p1.IsForwarding() {
		t.Errorf("p1 handle = %d after switch, want -1", p1.Handle())
	}
	if got := activeID(a); got != "p2" {
		t.Errorf("active = %q, want p2", got)
	}
	if n := len(client.Manager().SessionsFor("p2")); n != 0 {
		t.Errorf("sessions for offline p2 = %d, want 0", n)
	}
	if _, forwarding := a.ActivePort(); forwarding {
		t.Error("ActivePort() forwarding for offline p2")
	}
}

func TestSetActivePeerRequestsWhenConnected(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(online("p2"))

	if err := a.SetActivePeer("p2"); err != nil {
		t.Fatal(err)
	}
	if n := len(client.Manager().SessionsFor("p2")); n != 0 {
		t.Errorf("sessions while overlay disconnected = %d, want 0", n)
	}

	if err := a.SetActivePeer("p1"); err != nil {
		t.Fatal(err)
	}
	h.OnConnection(overlay.Connected)
	if n := len(client.Manager().SessionsFor("p1")); n != 1 {
		t.Errorf("sessions for p1 after connect = %d, want 1", n)
	}

	if err := a.SetActivePeer("p2"); err != nil {
		t.Fatal(err)
	}
	if n := len(client.Manager().SessionsFor("p2")); n != 1 {
		t.Errorf("sessions for p2 = %d, want 1", n)
	}
}

func TestSetActivePeerSameIsNoop(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")

	if err := a.SetActivePeer("p1"); err != nil {
		t.Fatal(err)
	}
	if s.Closed() != 0 {
		t.Error("re-selecting the active peer closed its session")
	}
}

func TestUnknownPeer(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	// Unknown ids are ignored rather than fatal.
	h.OnFriendConnection("ghost", overlay.Connected)
	h.OnFriendPresence("ghost", overlay.PresenceAway)
	h.OnFriendInfoChanged("ghost", online("ghost"))
	h.OnFriendRemoved("ghost")

	if err := a.SetActivePeer("ghost"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("SetActivePeer error = %v, want ErrPeerNotFound", err)
	}
	if err := a.SetPort("ghost", "9000"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("SetPort error = %v, want ErrPeerNotFound", err)
	}
	if len(a.Peers()) != 0 {
		t.Errorf("roster has %d peers, want 0", len(a.Peers()))
	}
}

func TestInfoChanged(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	changed := online("p1")
	changed.Name = "renamed"
	changed.Description = "db box"
	h.OnFriendInfoChanged("p1", changed)

	p, _ := a.Peer("p1")
	if p.Name() != "renamed" || p.Info().Description != "db box" {
		t.Errorf("info = %+v", p.Info())
	}
}

func TestInfoChangeOfflineClosesActive(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")

	p, _ := a.Peer("p1")
	handle := p.Handle()
	h.OnFriendInfoChanged("p1", info("p1", overlay.Connected, overlay.PresenceAway))

	if p.IsOnline() {
		t.Fatal("p1 online after info reported away")
	}
	if p.State() != overlay.StateClosed || p.Handle() != -1 {
		t.Errorf("state = %v handle = %d, want closed and -1", p.State(), p.Handle())
	}
	if closes := s.Stream().Closes(); len(closes) != 1 || closes[0] != handle {
		t.Errorf("closed handles = %v, want [%d]", closes, handle)
	}
	if st := a.Stats(); st.PeersOnline != 0 || st.Forwarding {
		t.Errorf("stats = %+v", st)
	}
}

func TestInfoChangeOnlineRequestsForwarding(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(info("p1", overlay.Connected, overlay.PresenceAway))
	h.OnFriendAdded(offline("p2"))
	if got := activeID(a); got != "p1" {
		t.Fatalf("active = %q, want p1", got)
	}
	if n := len(client.Manager().Sessions()); n != 0 {
		t.Fatalf("%d sessions for an away peer", n)
	}

	// Inactive peers coming online are not forwarded to.
	h.OnFriendInfoChanged("p2", online("p2"))
	if n := len(client.Manager().SessionsFor("p2")); n != 0 {
		t.Errorf("sessions for inactive p2 = %d, want 0", n)
	}

	h.OnFriendInfoChanged("p1", online("p1"))
	if n := len(client.Manager().SessionsFor("p1")); n != 1 {
		t.Fatalf("sessions for p1 = %d, want 1", n)
	}
	connectLast(t, client, "p1")

	p, _ := a.Peer("p1")
	if p.State() != overlay.StateConnected || !p.IsForwarding() {
		t.Errorf("p1 state = %v forwarding = %v", p.State(), p.IsForwarding())
	}
}

func TestActivePortRequestsDroppedTunnel(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnFriendAdded(online("p1"))
	if _, forwarding := a.ActivePort(); forwarding {
		t.Fatal("forwarding before the overlay connected")
	}
	if n := len(client.Manager().Sessions()); n != 0 {
		t.Fatalf("ActivePort() created %d sessions while disconnected", n)
	}

	h.OnConnection(overlay.Connected)
	connectLast(t, client, "p1")
	p, _ := a.Peer("p1")

	// The tunnel drops without any roster event.
	p.Close()
	if _, forwarding := a.ActivePort(); forwarding {
		t.Error("ActivePort() forwarding right after the tunnel dropped")
	}
	if n := len(client.Manager().SessionsFor("p1")); n != 2 {
		t.Fatalf("sessions for p1 = %d, want 2", n)
	}
	connectLast(t, client, "p1")

	if _, forwarding := a.ActivePort(); !forwarding {
		t.Error("ActivePort() not forwarding after the new session connected")
	}
	if n := len(client.Manager().SessionsFor("p1")); n != 2 {
		t.Errorf("ActivePort() on a live tunnel created a session: %d", n)
	}
}

// TestConcurrentRosterEvents races roster mutations against stream
// callbacks. Run with -race.
func TestConcurrentRosterEvents(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	ids := []string{"p1", "p2", "p3"}
	for _, id := range ids {
		h.OnFriendAdded(online(id))
	}

	const rounds = 50
	var (
		wg        sync.WaitGroup
		connected sync.Map
		mu        sync.Mutex
		removed   []*peer.Peer
	)
	run := func(fn func(i int)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				fn(i)
			}
		}()
	}

	for _, id := range ids {
		run(func(i int) {
			presence := overlay.PresenceNone
			if i%3 == 2 {
				presence = overlay.PresenceAway
			}
			h.OnFriendPresence(id, presence)
		})
		run(func(int) {
			// The overlay drives each session through its states once.
			for _, s := range client.Manager().SessionsFor(id) {
				stream := s.Stream()
				if stream == nil {
					continue
				}
				if _, done := connected.LoadOrStore(s, true); !done {
					stream.Connect("sdp-" + id)
				}
			}
		})
		run(func(i int) {
			if i%7 != 0 {
				return
			}
			if p, err := a.Peer(id); err == nil {
				p.Close()
			}
		})
	}
	run(func(i int) {
		_ = a.SetActivePeer(ids[i%len(ids)])
	})
	run(func(i int) {
		if i%10 != 0 {
			return
		}
		if p, err := a.Peer("p3"); err == nil {
			mu.Lock()
			removed = append(removed, p)
			mu.Unlock()
		}
		h.OnFriendRemoved("p3")
		h.OnFriendAdded(online("p3"))
	})
	wg.Wait()

	active := a.ActivePeer()
	for _, p := range a.Peers() {
		snap := p.Snapshot()
		if snap.Forwarding && snap.State != overlay.StateConnected.String() {
			t.Errorf("%s forwarding in state %s", snap.ID, snap.State)
		}
		if snap.Forwarding && p != active {
			t.Errorf("inactive peer %s still forwarding", snap.ID)
		}
	}
	for _, p := range removed {
		if p.Handle() != -1 || p.State() != overlay.StateClosed {
			t.Errorf("removed %s left handle %d in state %v", p.ID(), p.Handle(), p.State())
		}
	}
}

func TestSetPortReopens(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")

	if err := a.SetPort("p1", "45678"); err != nil {
		t.Fatalf("SetPort() error = %v", err)
	}

	opens := s.Stream().Opens()
	if len(opens) != 2 {
		t.Fatalf("opens = %d, want 2", len(opens))
	}
	if opens[1].Port != "45678" {
		t.Errorf("reopened on port %s, want 45678", opens[1].Port)
	}
	if s.Closed() != 0 {
		t.Error("SetPort closed the session")
	}
	if port, _ := a.ActivePort(); port != "45678" {
		t.Errorf("ActivePort() = %s, want 45678", port)
	}
}

func TestConfiguredPortIsPinned(t *testing.T) {
	_, client := startAgent(t, func(c *Config) {
		c.Ports = map[string]string{"p1": "40001"}
		c.Service = "postgres"
	})
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	s := connectLast(t, client, "p1")

	opens := s.Stream().Opens()
	if len(opens) != 1 {
		t.Fatalf("opens = %d, want 1", len(opens))
	}
	if opens[0].Port != "40001" || opens[0].Service != "postgres" || opens[0].Host != peer.Host {
		t.Errorf("open = %+v", opens[0])
	}
}

func TestPairPeer(t *testing.T) {
	a, client := startAgent(t, nil)

	if err := a.PairPeer("X", "hello"); err != nil {
		t.Fatalf("PairPeer() error = %v", err)
	}
	if err := a.PairPeer("X", "hello"); err != nil {
		t.Fatalf("second PairPeer() error = %v", err)
	}

	calls := client.AddFriendCalls()
	if len(calls) != 1 {
		t.Fatalf("AddFriend calls = %d, want 1", len(calls))
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if calls[0].ID != "X" || calls[0].Hello != want {
		t.Errorf("AddFriend(%q, %q), want (X, %s)", calls[0].ID, calls[0].Hello, want)
	}
}

func TestPairPeerError(t *testing.T) {
	a, client := startAgent(t, nil)
	client.AddErr = overlay.ErrNotConnected

	if err := a.PairPeer("X", "hello"); !errors.Is(err, overlay.ErrNotConnected) {
		t.Errorf("PairPeer() error = %v, want ErrNotConnected", err)
	}
}

func TestUnpairPeer(t *testing.T) {
	a, client := startAgent(t, nil)
	client.SetFriend("X", true)

	if err := a.UnpairPeer("X"); err != nil {
		t.Fatalf("UnpairPeer() error = %v", err)
	}
	if err := a.UnpairPeer("X"); err != nil {
		t.Fatalf("second UnpairPeer() error = %v", err)
	}
	if removed := client.Removed(); len(removed) != 1 || removed[0] != "X" {
		t.Errorf("removed = %v, want [X]", removed)
	}
}

func TestNotRunning(t *testing.T) {
	a := New(Config{NewClient: overlaytest.NewClient("self").Factory()})

	if err := a.PairPeer("X", "hello"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("PairPeer() error = %v, want ErrNotRunning", err)
	}
	if err := a.UnpairPeer("X"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("UnpairPeer() error = %v, want ErrNotRunning", err)
	}
	if _, err := a.SelfInfo(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SelfInfo() error = %v, want ErrNotRunning", err)
	}
}

func TestSelfInfo(t *testing.T) {
	a, _ := startAgent(t, nil)

	self, err := a.SelfInfo()
	if err != nil {
		t.Fatalf("SelfInfo() error = %v", err)
	}
	if self.ID != "self" {
		t.Errorf("self id = %q, want self", self.ID)
	}
}

func TestStats(t *testing.T) {
	a, client := startAgent(t, nil)
	h := client.Handler()

	h.OnConnection(overlay.Connected)
	h.OnFriendAdded(online("p1"))
	h.OnFriendAdded(offline("p2"))
	connectLast(t, client, "p1")
	h.OnReady()

	st := a.Stats()
	if !st.Running || !st.Ready || st.Overlay != "connected" {
		t.Errorf("stats = %+v", st)
	}
	if st.Peers != 2 || st.PeersOnline != 1 {
		t.Errorf("peers = %d/%d, want 2/1", st.PeersOnline, st.Peers)
	}
	if st.ActivePeer != "p1" || !st.Forwarding || st.ActivePort == "" {
		t.Errorf("active = %+v", st)
	}

	snaps := a.Snapshots()
	if len(snaps) != 2 || snaps[0].ID != "p1" || snaps[1].ID != "p2" {
		t.Errorf("snapshots = %+v", snaps)
	}
}
