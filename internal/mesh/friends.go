package mesh

import (
	"fmt"

	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/overlay"
)

func canonicalID(id string) (string, error) {
	nid, err := identity.ParseNodeID(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", overlay.ErrInvalidArgument, err)
	}
	return nid.String(), nil
}

// SelfInfo returns this node's profile.
func (c *Client) SelfInfo() (overlay.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return overlay.UserInfo{}, overlay.ErrClosed
	}
	return overlay.UserInfo{
		ID:          c.id.String(),
		Name:        c.self.Name,
		Description: c.self.Description,
	}, nil
}

// SetSelfInfo stores the profile and announces it on every link. The id
// field must be empty or this node's id.
func (c *Client) SetSelfInfo(info overlay.UserInfo) error {
	if info.ID != "" {
		id, err := canonicalID(info.ID)
		if err != nil {
			return err
		}
		if id != c.id.String() {
			return fmt.Errorf("%w: id %s is not this node", overlay.ErrInvalidArgument, info.ID)
		}
	}
	info.Name = overlay.NormalizeName(info.Name)
	if len(info.Name) > overlay.MaxUserNameLen {
		return fmt.Errorf("%w: name longer than %d bytes", overlay.ErrInvalidArgument, overlay.MaxUserNameLen)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return overlay.ErrClosed
	}
	c.self = selfRecord{Name: info.Name, Description: info.Description}
	c.saveLocked()
	links := c.linksLocked()
	c.mu.Unlock()

	msg := infoMsg{Name: info.Name, Description: info.Description}
	for _, l := range links {
		if err := l.send(msgInfo, msg); err != nil {
			l.logger.Debug("info broadcast failed", logging.KeyError, err)
		}
	}
	return nil
}

// SetPresence announces p on every link.
func (c *Client) SetPresence(p overlay.Presence) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return overlay.ErrClosed
	}
	c.presence = p
	links := c.linksLocked()
	c.mu.Unlock()

	for _, l := range links {
		if err := l.send(msgPresence, presenceMsg{Presence: p}); err != nil {
			l.logger.Debug("presence broadcast failed", logging.KeyError, err)
		}
	}
	return nil
}

// Presence returns the presence this node announces.
func (c *Client) Presence() overlay.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *Client) linksLocked() []*link {
	out := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l)
	}
	return out
}

// IsFriend reports whether id is paired.
func (c *Client) IsFriend(id string) bool {
	cid, err := canonicalID(id)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.friends[cid]
	return ok
}

// AddFriend sends a pairing request over the live link to id. The outcome
// arrives as OnFriendAdded, or not at all when the peer refuses.
func (c *Client) AddFriend(id, hello string) error {
	cid, err := canonicalID(id)
	if err != nil {
		return err
	}
	if cid == c.id.String() {
		return fmt.Errorf("%w: cannot pair with self", overlay.ErrInvalidArgument)
	}
	if hello == "" {
		return fmt.Errorf("%w: empty pairing secret", overlay.ErrInvalidArgument)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return overlay.ErrClosed
	}
	if _, ok := c.friends[cid]; ok {
		c.mu.Unlock()
		return nil
	}
	l := c.links[cid]
	if l == nil {
		c.mu.Unlock()
		return ErrPeerUnreachable
	}
	c.pending[cid] = true
	c.mu.Unlock()

	if err := l.send(msgFriendRequest, friendRequestMsg{Hello: hello}); err != nil {
		c.mu.Lock()
		delete(c.pending, cid)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", overlay.ErrNotConnected, err)
	}
	l.logger.Info("pairing request sent")
	return nil
}

// RemoveFriend unpairs id and tells the peer when it is reachable.
func (c *Client) RemoveFriend(id string) error {
	cid, err := canonicalID(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return overlay.ErrClosed
	}
	if _, ok := c.friends[cid]; !ok {
		c.mu.Unlock()
		return overlay.ErrNotFriend
	}
	c.dropFriendLocked(cid)
	l := c.links[cid]
	c.mu.Unlock()

	if l != nil {
		l.closeAttached()
		if err := l.send(msgFriendRemove, struct{}{}); err != nil {
			l.logger.Debug("unpair notice failed", logging.KeyError, err)
		}
	}
	return nil
}

// pendingRequest reports whether a pairing request to id awaits a reply.
func (c *Client) pendingRequest(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// NewSessionManager returns the session manager of this client.
func (c *Client) NewSessionManager() (overlay.SessionManager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, overlay.ErrClosed
	}
	return c.manager, nil
}
