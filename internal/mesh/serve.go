package mesh

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/transport"
)

// tokenTTL is how long a granted session token may wait for its ATTACH.
const tokenTTL = 30 * time.Second

// Session reply and attach status codes.
const (
	statusOK         = 0
	statusNotServing = 1
	statusNotFriend  = 2
	statusBadToken   = 3
)

// sessionToken is a single-use grant for one ATTACH from peerID.
type sessionToken struct {
	peerID  string
	expires time.Time
}

func (c *Client) handleSessionRequest(l *link, m sessionRequestMsg) {
	reply := sessionReplyMsg{Session: m.Session}

	switch {
	case c.services == nil:
		reply.Status, reply.Reason = statusNotServing, "node does not serve"
	case !c.IsFriend(l.remoteID):
		reply.Status, reply.Reason = statusNotFriend, "not paired"
	default:
		reply.Token = c.grantToken(l.remoteID)
	}

	if err := l.send(msgSessionReply, reply); err != nil {
		l.logger.Debug("session reply failed", logging.KeyError, err)
		return
	}
	l.logger.Debug("session request answered", logging.KeyStatus, reply.Status)
}

func (c *Client) grantToken(peerID string) string {
	now := time.Now()
	token := uuid.NewString()

	c.mu.Lock()
	defer c.mu.Unlock()
	for tok, st := range c.tokens {
		if now.After(st.expires) {
			delete(c.tokens, tok)
		}
	}
	c.tokens[token] = sessionToken{peerID: peerID, expires: now.Add(tokenTTL)}
	return token
}

// takeToken consumes token if it was granted to peerID and is unexpired.
func (c *Client) takeToken(peerID, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tokens[token]
	if !ok || st.peerID != peerID {
		return false
	}
	delete(c.tokens, token)
	return time.Now().Before(st.expires)
}

func (c *Client) revokeToken(peerID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.tokens[token]; ok && st.peerID == peerID {
		delete(c.tokens, token)
	}
}

// acceptStreams serves data streams the peer opens over l.
func (c *Client) acceptStreams(ctx context.Context, l *link) {
	for {
		ds, err := l.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		c.goSafe("mesh.attach", func() { c.serveAttach(ctx, l, ds) })
	}
}

// serveAttach validates the ATTACH token and serves the session's
// multiplexed service connections until either side closes it.
func (c *Client) serveAttach(ctx context.Context, l *link, ds transport.Stream) {
	ds.SetDeadline(time.Now().Add(attachTimeout))
	var m attachMsg
	if err := readFrameAs(ds, msgAttach, &m); err != nil {
		l.logger.Debug("bad data stream", logging.KeyError, err)
		ds.Close()
		return
	}

	reply := attachReplyMsg{Status: statusOK}
	switch {
	case c.services == nil:
		reply.Status, reply.Reason = statusNotServing, "node does not serve"
	case !c.takeToken(l.remoteID, m.Token):
		reply.Status, reply.Reason = statusBadToken, "invalid or expired session token"
	case !c.IsFriend(l.remoteID):
		reply.Status, reply.Reason = statusNotFriend, "not paired"
	}
	if err := writeFrame(ds, msgAttachReply, reply); err != nil || reply.Status != statusOK {
		ds.Close()
		return
	}
	ds.SetDeadline(time.Time{})

	mux, err := yamux.Server(ds, muxConfig())
	if err != nil {
		ds.Close()
		return
	}
	defer mux.Close()
	if !l.addAttached(mux) {
		return
	}
	defer l.removeAttached(mux)

	l.logger.Info("serving session")
	for {
		conn, err := mux.Accept()
		if err != nil {
			l.logger.Info("served session ended")
			return
		}
		if !c.goSafe("mesh.serve", func() { c.services.Serve(ctx, conn) }) {
			conn.Close()
			return
		}
	}
}
