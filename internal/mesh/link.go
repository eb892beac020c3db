package mesh

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"golang.org/x/time/rate"

	"github.com/postalsys/pfd-agent/internal/certutil"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/overlay"
	"github.com/postalsys/pfd-agent/internal/pairing"
	"github.com/postalsys/pfd-agent/internal/transport"
)

// link is an authenticated connection to one remote node. The control
// stream carries frames; every other stream is a session data stream.
type link struct {
	c        *Client
	conn     transport.PeerConn
	control  transport.Stream
	addr     string
	dialer   bool
	logger   *slog.Logger
	remoteID string

	cert        *x509.Certificate
	fingerprint string

	writeMu sync.Mutex

	mu          sync.Mutex
	name        string
	description string
	presence    overlay.Presence
	attached    map[*yamux.Session]struct{}

	closeOnce sync.Once
	closeErr  error
}

func newLink(c *Client, conn transport.PeerConn, control transport.Stream, addr string) *link {
	return &link{
		c:        c,
		conn:     conn,
		control:  control,
		addr:     addr,
		dialer:   addr != "",
		logger:   c.logger,
		attached: make(map[*yamux.Session]struct{}),
	}
}

// handshake exchanges HELLO frames. The dialer speaks first.
func (l *link) handshake(dialer bool) error {
	l.control.SetDeadline(time.Now().Add(handshakeTimeout))
	defer l.control.SetDeadline(time.Time{})

	c := l.c
	c.mu.Lock()
	local := helloMsg{
		Version:     protocolVersion,
		ID:          c.id.String(),
		Name:        c.self.Name,
		Description: c.self.Description,
		Presence:    c.presence,
	}
	c.mu.Unlock()

	var remote helloMsg
	if dialer {
		if err := writeFrame(l.control, msgHello, local); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
		if err := readFrameAs(l.control, msgHello, &remote); err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
	} else {
		if err := readFrameAs(l.control, msgHello, &remote); err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
	}

	if err := l.accept(remote); err != nil {
		return err
	}

	if !dialer {
		if err := writeFrame(l.control, msgHello, local); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	return nil
}

// accept validates the remote HELLO and the certificate behind it.
func (l *link) accept(h helloMsg) error {
	if h.Version != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	id, err := identity.ParseNodeID(h.ID)
	if err != nil {
		return fmt.Errorf("bad node id: %w", err)
	}
	if id == l.c.id {
		return errors.New("connected to self")
	}
	h.Name = overlay.ClampName(h.Name)

	cert := l.conn.PeerCertificate()
	if cert == nil {
		return errors.New("peer presented no certificate")
	}

	l.remoteID = id.String()
	l.cert = cert
	l.fingerprint = certutil.Fingerprint(cert)
	l.name = h.Name
	l.description = h.Description
	l.presence = h.Presence
	l.logger = l.c.logger.With(logging.KeyPeerID, id.ShortString())
	return nil
}

func (l *link) profile() (name, description string, presence overlay.Presence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name, l.description, l.presence
}

// send writes one control frame.
func (l *link) send(t msgType, v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.control.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer l.control.SetWriteDeadline(time.Time{})

	if err := writeFrame(l.control, t, v); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func (l *link) addAttached(s *yamux.Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.conn.Done():
		return false
	default:
	}
	l.attached[s] = struct{}{}
	return true
}

func (l *link) removeAttached(s *yamux.Session) {
	l.mu.Lock()
	delete(l.attached, s)
	l.mu.Unlock()
}

// closeAttached ends every session this node serves over the link.
func (l *link) closeAttached() {
	l.mu.Lock()
	sessions := make([]*yamux.Session, 0, len(l.attached))
	for s := range l.attached {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (l *link) close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		l.closeAttached()
	})
	return l.closeErr
}

// readLoop handles control frames until the link fails.
func (c *Client) readLoop(l *link) {
	defer func() {
		l.close()
		c.unregister(l)
	}()

	for {
		t, payload, err := readFrame(l.control)
		if err != nil {
			l.logger.Debug("control stream closed", logging.KeyError, err)
			return
		}
		if err := c.handleFrame(l, t, payload); err != nil {
			l.logger.Warn("bad control frame", "type", t.String(), logging.KeyError, err)
			return
		}
	}
}

func (c *Client) handleFrame(l *link, t msgType, payload []byte) error {
	switch t {
	case msgPresence:
		var m presenceMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.handlePresence(l, m.Presence)

	case msgInfo:
		var m infoMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.handleInfo(l, m)

	case msgFriendRequest:
		var m friendRequestMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.handleFriendRequest(l, m)

	case msgFriendAccept:
		c.handleFriendAccept(l)

	case msgFriendReject:
		var m friendReplyMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.handleFriendReject(l, m)

	case msgFriendRemove:
		c.handleFriendRemove(l)

	case msgSessionRequest:
		var m sessionRequestMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.handleSessionRequest(l, m)

	case msgSessionReply:
		var m sessionReplyMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.manager.handleReply(l.remoteID, m)

	case msgSessionClose:
		var m sessionCloseMsg
		if err := decode(t, payload, &m); err != nil {
			return err
		}
		c.revokeToken(l.remoteID, m.Token)

	default:
		l.logger.Debug("ignoring control frame", "type", t.String())
	}
	return nil
}

func (c *Client) handlePresence(l *link, p overlay.Presence) {
	l.mu.Lock()
	l.presence = p
	l.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links[l.remoteID] != l {
		return
	}
	if _, ok := c.friends[l.remoteID]; ok {
		id := l.remoteID
		c.dispatch.post("OnFriendPresence", func() { c.handler.OnFriendPresence(id, p) })
	}
}

func (c *Client) handleInfo(l *link, m infoMsg) {
	m.Name = overlay.ClampName(m.Name)
	l.mu.Lock()
	l.name = m.Name
	l.description = m.Description
	l.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.friends[l.remoteID]
	if !ok || c.links[l.remoteID] != l {
		return
	}
	if !c.learnFriendLocked(f, l) {
		return
	}
	id := l.remoteID
	info := c.peerInfoLocked(f)
	c.dispatch.post("OnFriendInfoChanged", func() { c.handler.OnFriendInfoChanged(id, info) })
}

func (c *Client) limiter(id string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(friendRequestEvery), friendRequestBurst)
		c.limiters[id] = lim
	}
	return lim
}

func (c *Client) handleFriendRequest(l *link, m friendRequestMsg) {
	reject := func(result, reason string) {
		c.metrics.RecordFriendRequest(result)
		l.logger.Info("pairing request rejected", logging.KeyStatus, result)
		if err := l.send(msgFriendReject, friendReplyMsg{Reason: reason}); err != nil {
			l.logger.Debug("send reject failed", logging.KeyError, err)
		}
	}

	if !c.limiter(l.remoteID).Allow() {
		reject("rate_limited", "too many pairing requests")
		return
	}
	if c.IsFriend(l.remoteID) {
		l.send(msgFriendAccept, friendReplyMsg{})
		return
	}
	if c.cfg.SecretHash == "" {
		reject("refused", "not accepting pairing requests")
		return
	}
	if !pairing.Verify(c.cfg.SecretHash, m.Hello) {
		reject("invalid_secret", "invalid pairing secret")
		return
	}

	if err := l.send(msgFriendAccept, friendReplyMsg{}); err != nil {
		l.logger.Warn("send accept failed", logging.KeyError, err)
		return
	}
	c.metrics.RecordFriendRequest("accepted")
	c.addFriend(l)
}

func (c *Client) handleFriendAccept(l *link) {
	c.mu.Lock()
	wanted := c.pending[l.remoteID]
	delete(c.pending, l.remoteID)
	c.mu.Unlock()

	if !wanted {
		return
	}
	c.addFriend(l)
}

func (c *Client) handleFriendReject(l *link, m friendReplyMsg) {
	c.mu.Lock()
	wanted := c.pending[l.remoteID]
	delete(c.pending, l.remoteID)
	c.mu.Unlock()

	if wanted {
		l.logger.Warn("pairing request rejected by peer", "reason", m.Reason)
	}
}

func (c *Client) handleFriendRemove(l *link) {
	c.mu.Lock()
	_, ok := c.friends[l.remoteID]
	if ok {
		c.dropFriendLocked(l.remoteID)
	}
	c.mu.Unlock()

	if ok {
		l.closeAttached()
		l.logger.Info("unpaired by peer")
	}
}

// addFriend pins the link's certificate and reports the new friend.
func (c *Client) addFriend(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.friends[l.remoteID]; ok {
		return
	}

	name, description, _ := l.profile()
	f := &friendRecord{
		ID:          l.remoteID,
		Name:        name,
		Description: description,
		Fingerprint: l.fingerprint,
		AddedAt:     time.Now().UTC(),
	}
	if l.addr != "" {
		f.Addresses = []string{l.addr}
	}
	c.friends[f.ID] = f
	c.order = append(c.order, f.ID)
	c.saveLocked()

	info := c.peerInfoLocked(f)
	c.dispatch.post("OnFriendAdded", func() { c.handler.OnFriendAdded(info) })
	l.logger.Info("paired", "fingerprint", f.Fingerprint)
}

// dropFriendLocked deletes id from the roster and reports it.
func (c *Client) dropFriendLocked(id string) {
	delete(c.friends, id)
	for i, fid := range c.order {
		if fid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	for tok, st := range c.tokens {
		if st.peerID == id {
			delete(c.tokens, tok)
		}
	}
	c.saveLocked()
	c.dispatch.post("OnFriendRemoved", func() { c.handler.OnFriendRemoved(id) })
}

// learnFriendLocked copies the link's profile and dial address into the
// friend record. It reports whether the profile changed.
func (c *Client) learnFriendLocked(f *friendRecord, l *link) bool {
	name, description, _ := l.profile()
	changed := f.Name != name || f.Description != description
	f.Name = name
	f.Description = description

	dirty := changed
	if l.addr != "" && (len(f.Addresses) == 0 || f.Addresses[0] != l.addr) {
		addrs := []string{l.addr}
		for _, a := range f.Addresses {
			if a != l.addr && len(addrs) < maxFriendAddrs {
				addrs = append(addrs, a)
			}
		}
		f.Addresses = addrs
		dirty = true
	}
	if dirty {
		c.saveLocked()
	}
	return changed
}

func (c *Client) peerInfoLocked(f *friendRecord) overlay.PeerInfo {
	info := overlay.PeerInfo{
		UserInfo: overlay.UserInfo{
			ID:          f.ID,
			Name:        f.Name,
			Description: f.Description,
		},
		ConnectionStatus: overlay.Disconnected,
		Presence:         overlay.PresenceNone,
	}
	if l := c.links[f.ID]; l != nil {
		_, _, presence := l.profile()
		info.ConnectionStatus = overlay.Connected
		info.Presence = presence
	}
	return info
}

func (c *Client) friendInfosLocked() []overlay.PeerInfo {
	out := make([]overlay.PeerInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.peerInfoLocked(c.friends[id]))
	}
	return out
}

func (c *Client) saveLocked() {
	rf := rosterFile{Self: c.self, Friends: make([]friendRecord, 0, len(c.order))}
	for _, id := range c.order {
		rf.Friends = append(rf.Friends, *c.friends[id])
	}
	if err := saveRoster(c.cfg.PersistentLocation, rf); err != nil {
		c.logger.Error("failed to persist roster", logging.KeyError, err)
	}
}
