// ABOUTME: Per-connection state machine: Handshake, KeyExchange, Authentication, Operational
// ABOUTME: Frames commands into engine calls and streams push events back out

package tcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/store"
	"github.com/lairchat/lair/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	authTimeout      = 30 * time.Second
	maxAuthAttempts  = 5

	pingAfter    = 30 * time.Second
	idleTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second

	// lagGrace is how long a saturated push queue is tolerated before the
	// connection is closed and the client must reconnect and re-sync.
	lagGrace = 5 * time.Second

	sessionCheckEvery = 30 * time.Second
)

// Conn is one TCP client connection. A connection is owned by a single
// goroutine; the AEAD state is never shared.
type Conn struct {
	id  string
	nc  net.Conn
	srv *Server

	channel *wire.SecureChannel
	authCtx *auth.AuthContext
	user    *store.User

	lastInbound time.Time
	logger      *slog.Logger
}

func newConn(nc net.Conn, srv *Server) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:     id,
		nc:     nc,
		srv:    srv,
		logger: srv.logger.With("conn_id", id, "remote_addr", nc.RemoteAddr().String()),
	}
}

// run drives the connection through its states. It returns when the
// connection is closing; the caller closes the socket.
func (c *Conn) run(ctx context.Context) {
	encrypted, err := c.handshake()
	if err != nil {
		c.logger.Debug("handshake failed", "error", err)
		c.sendProtocolError(err)
		return
	}

	if encrypted {
		if err := c.keyExchange(); err != nil {
			c.logger.Debug("key exchange failed", "error", err)
			return
		}
	}

	if err := c.authenticate(ctx); err != nil {
		c.logger.Debug("authentication failed", "error", err)
		return
	}

	c.operational(ctx)
}

// readMsg reads and (if installed) decrypts one frame within the deadline.
func (c *Conn) readMsg(timeout time.Duration) ([]byte, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	payload, err := wire.ReadFrame(c.nc, c.srv.cfg.MaxFrame)
	if err != nil {
		return nil, err
	}
	if c.channel != nil {
		plaintext, err := c.channel.Open(payload)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return payload, nil
}

// writeMsg encodes, (if installed) encrypts, and writes one frame.
func (c *Conn) writeMsg(msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if c.channel != nil {
		payload = c.channel.Seal(payload)
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return wire.WriteFrame(c.nc, payload, c.srv.cfg.MaxFrame)
}

// handshake expects a client_hello within 10 seconds and answers with
// server_hello. Returns whether the peer requested encryption.
func (c *Conn) handshake() (bool, error) {
	payload, err := c.readMsg(handshakeTimeout)
	if err != nil {
		return false, err
	}
	tag, err := wire.PeekType(payload)
	if err != nil || tag != wire.TypeClientHello {
		return false, fmt.Errorf("expected client_hello, got %q", tag)
	}
	hello, err := wire.Decode[wire.ClientHello](payload)
	if err != nil {
		return false, err
	}
	if hello.Version != wire.ProtocolVersion {
		return false, fmt.Errorf("unsupported protocol version %d", hello.Version)
	}

	reply := wire.ServerHello{
		Type:       wire.TypeServerHello,
		Version:    wire.ProtocolVersion,
		Encryption: hello.Encryption,
	}
	if err := c.writeMsg(reply); err != nil {
		return false, err
	}
	return hello.Encryption, nil
}

// keyExchange installs the encrypted channel. The server's public key is the
// last plaintext frame; everything after is sealed.
func (c *Conn) keyExchange() error {
	payload, err := c.readMsg(handshakeTimeout)
	if err != nil {
		return err
	}
	tag, err := wire.PeekType(payload)
	if err != nil || tag != wire.TypeClientKey {
		return fmt.Errorf("expected client_key, got %q", tag)
	}
	clientKey, err := wire.Decode[wire.ClientKey](payload)
	if err != nil {
		return err
	}

	keypair, err := wire.NewKeyPair()
	if err != nil {
		return err
	}
	channel, err := wire.NewSecureChannel(&keypair.Private, clientKey.Key)
	if err != nil {
		return err
	}

	if err := c.writeMsg(wire.ServerKey{Type: wire.TypeServerKey, Key: keypair.Public[:]}); err != nil {
		return err
	}
	c.channel = channel
	c.logger.Debug("encrypted channel installed")
	return nil
}

// authenticate accepts login, register or auth_token frames, allowing up to
// five failed attempts inside the 30 second window.
func (c *Conn) authenticate(ctx context.Context) error {
	deadline := time.Now().Add(authTimeout)

	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("authentication timed out")
		}
		payload, err := c.readMsg(remaining)
		if err != nil {
			return err
		}
		tag, err := wire.PeekType(payload)
		if err != nil {
			return err
		}

		var authErr error
		switch tag {
		case wire.TypeLogin:
			authErr = c.handleLogin(ctx, payload)
		case wire.TypeRegister:
			authErr = c.handleRegister(ctx, payload)
		case wire.TypeAuthToken:
			authErr = c.handleAuthToken(ctx, payload)
		default:
			return fmt.Errorf("unexpected frame %q during authentication", tag)
		}

		if authErr == nil {
			return nil
		}

		kind := "INVALID_CREDENTIALS"
		message := "invalid credentials"
		if e := chat.AsError(authErr); e != nil {
			kind = e.Code
			message = e.Message
		}
		if err := c.writeMsg(wire.AuthErr{Type: wire.TypeAuthErr, Kind: kind, Message: message}); err != nil {
			return err
		}
	}
	return errors.New("too many authentication attempts")
}

func (c *Conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

func (c *Conn) handleLogin(ctx context.Context, payload []byte) error {
	login, err := wire.Decode[wire.Login](payload)
	if err != nil {
		return chat.Validation("VALIDATION", "malformed login frame")
	}
	user, sess, token, err := c.srv.engine.Authenticate(ctx, login.Identifier, login.Password, c.remoteIP(), "")
	if err != nil {
		return err
	}
	return c.finishAuth(user, sess, token)
}

func (c *Conn) handleRegister(ctx context.Context, payload []byte) error {
	reg, err := wire.Decode[wire.Register](payload)
	if err != nil {
		return chat.Validation("VALIDATION", "malformed register frame")
	}
	user, sess, token, err := c.srv.engine.Register(ctx, reg.Username, reg.Email, reg.Password, c.remoteIP(), "")
	if err != nil {
		return err
	}
	return c.finishAuth(user, sess, token)
}

func (c *Conn) handleAuthToken(ctx context.Context, payload []byte) error {
	at, err := wire.Decode[wire.AuthToken](payload)
	if err != nil {
		return chat.Validation("VALIDATION", "malformed auth_token frame")
	}
	authCtx, err := c.srv.sessions.ValidateToken(ctx, at.Token)
	if err != nil {
		return chat.AuthError("INVALID_TOKEN", "token rejected")
	}
	user, err := c.srv.engine.Profile(ctx, authCtx.UserID)
	if err != nil {
		return err
	}

	c.authCtx = authCtx
	c.user = user
	sess := wire.SessionInfo{ID: authCtx.SessionID}
	return c.writeMsg(wire.AuthOk{
		Type:    wire.TypeAuthOk,
		User:    userInfo(user),
		Session: sess,
		Token:   at.Token,
	})
}

func (c *Conn) finishAuth(user *store.User, sess *store.Session, token string) error {
	c.authCtx = &auth.AuthContext{UserID: user.ID, SessionID: sess.ID, Role: user.Role}
	c.user = user
	return c.writeMsg(wire.AuthOk{
		Type:    wire.TypeAuthOk,
		User:    userInfo(user),
		Session: wire.SessionInfo{ID: sess.ID, ExpiresAt: sess.ExpiresAt},
		Token:   token,
	})
}

// operational is the steady state: a select loop over inbound frames,
// dispatcher events, keep-alive timing and cancellation. This goroutine is
// the only writer, so outbound frames and nonces stay strictly ordered.
func (c *Conn) operational(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	userID := c.authCtx.UserID
	c.srv.registry.Add(userID, c)
	defer c.srv.registry.Remove(userID, c)

	c.srv.engine.Presence().ConnectionOpened(userID)
	defer c.srv.engine.Presence().ConnectionClosed(userID)

	topics := []string{event.UserTopic(userID), event.BroadcastTopic}
	memberships, err := c.srv.engine.UserMemberships(ctx, c.authCtx)
	if err != nil {
		c.logger.Warn("loading memberships failed", "error", err)
		return
	}
	for _, m := range memberships {
		topics = append(topics, event.RoomTopic(m.RoomID))
	}
	sub := c.srv.engine.Dispatcher().Subscribe(ctx, topics...)

	frames := make(chan []byte)
	readErrs := make(chan error, 1)
	go c.readLoop(ctx, frames, readErrs)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.lastInbound = time.Now()
	pingSent := false
	lastSessionCheck := time.Now()

	c.logger.Info("connection operational", "user_id", userID, "username", c.user.Username)

	for {
		select {
		case <-ctx.Done():
			_ = c.writeMsg(wire.Shutdown{Type: wire.TypeShutdown, Message: "server shutting down"})
			return

		case err := <-readErrs:
			if errors.Is(err, wire.ErrNonceRegressed) || errors.Is(err, wire.ErrDecrypt) {
				c.logger.Warn("crypto violation, revoking session", "error", err)
				_ = c.srv.sessions.Revoke(context.WithoutCancel(ctx), c.authCtx.SessionID)
				c.sendError("", chat.NewError(chat.KindCrypto, "CRYPTO", "nonce violation"))
			} else if errors.Is(err, wire.ErrFrameTooLarge) {
				c.sendError("", chat.NewError(chat.KindProtocol, "PROTOCOL", "frame too large"))
			}
			return

		case payload := <-frames:
			c.lastInbound = time.Now()
			pingSent = false
			if fatal := c.handleCommand(ctx, payload); fatal {
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if fatal := c.handleEvent(sub, ev); fatal {
				return
			}

		case now := <-ticker.C:
			silence := now.Sub(c.lastInbound)
			if silence > idleTimeout {
				c.logger.Info("closing idle connection", "silence", silence)
				return
			}
			if silence > pingAfter && !pingSent {
				if err := c.writeMsg(wire.Ping{Type: wire.TypePing}); err != nil {
					return
				}
				pingSent = true
			}
			if lagging, since := sub.Lagging(); lagging && now.Sub(since) > lagGrace {
				c.logger.Warn("closing lagging connection", "lag", now.Sub(since))
				return
			}
			if now.Sub(lastSessionCheck) > sessionCheckEvery {
				lastSessionCheck = now
				if !c.srv.sessions.IsLive(ctx, c.authCtx.SessionID) {
					c.logger.Info("session revoked, closing connection")
					return
				}
			}
		}
	}
}

// readLoop feeds decrypted frames to the state machine. Any read or crypto
// error ends the loop; the main loop decides how to report it.
func (c *Conn) readLoop(ctx context.Context, frames chan<- []byte, errs chan<- error) {
	for {
		payload, err := c.readMsg(idleTimeout + pingAfter)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case frames <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// handleCommand dispatches one operational frame. Returns true when the error
// is fatal for the connection.
func (c *Conn) handleCommand(ctx context.Context, payload []byte) bool {
	tag, err := wire.PeekType(payload)
	if err != nil {
		c.sendError("", chat.NewError(chat.KindProtocol, "PROTOCOL", "malformed frame"))
		return true
	}

	switch tag {
	case wire.TypePing:
		requestID := ""
		if ping, err := wire.Decode[wire.Ping](payload); err == nil {
			requestID = ping.ID
		}
		return c.write(wire.Pong{Type: wire.TypePong, ID: requestID})
	case wire.TypePong:
		return false

	case wire.TypeListRooms:
		req, err := wire.Decode[wire.ListRooms](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		rooms, next, err := c.srv.engine.ListRooms(ctx, c.authCtx, store.Page{Cursor: req.Cursor, Limit: req.Limit})
		if err != nil {
			return c.commandError(req.ID, err)
		}
		infos := make([]wire.RoomInfo, len(rooms))
		for i, r := range rooms {
			infos[i] = roomInfo(r)
		}
		return c.ok(req.ID, map[string]any{"rooms": infos, "next_cursor": next})

	case wire.TypeCreateRoom:
		req, err := wire.Decode[wire.CreateRoom](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		room, err := c.srv.engine.CreateRoom(ctx, c.authCtx, req.Name, req.Description, store.RoomVisibility(req.Visibility))
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"room": roomInfo(room)})

	case wire.TypeJoinRoom:
		req, err := wire.Decode[wire.JoinRoom](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		membership, err := c.srv.engine.JoinRoom(ctx, c.authCtx, req.RoomID)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"member": memberInfo(membership)})

	case wire.TypeLeaveRoom:
		req, err := wire.Decode[wire.LeaveRoom](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		if err := c.srv.engine.LeaveRoom(ctx, c.authCtx, req.RoomID); err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, nil)

	case wire.TypePostMessage:
		req, err := wire.Decode[wire.PostMessage](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		msg, err := c.srv.engine.PostMessage(ctx, c.authCtx, req.RoomID, req.Content)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"message": messageInfo(msg)})

	case wire.TypeEditMessage:
		req, err := wire.Decode[wire.EditMessage](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		msg, err := c.srv.engine.EditMessage(ctx, c.authCtx, req.MessageID, req.Content)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"message": messageInfo(msg)})

	case wire.TypeDeleteMsg:
		req, err := wire.Decode[wire.DeleteMessage](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		if err := c.srv.engine.DeleteMessage(ctx, c.authCtx, req.MessageID); err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, nil)

	case wire.TypeListMembers:
		req, err := wire.Decode[wire.ListMembers](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		members, err := c.srv.engine.ListMembers(ctx, c.authCtx, req.RoomID)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		infos := make([]wire.MemberInfo, len(members))
		for i, m := range members {
			infos[i] = memberInfo(m)
		}
		return c.ok(req.ID, map[string]any{"members": infos})

	case wire.TypeInvite:
		req, err := wire.Decode[wire.Invite](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		inv, err := c.srv.engine.Invite(ctx, c.authCtx, req.RoomID, req.InviteeID)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"invitation": invitationInfo(inv)})

	case wire.TypeRespondInv:
		req, err := wire.Decode[wire.RespondInvitation](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		inv, err := c.srv.engine.RespondInvitation(ctx, c.authCtx, req.InvitationID, req.Accept)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"invitation": invitationInfo(inv)})

	case wire.TypeSetPresence:
		req, err := wire.Decode[wire.SetPresence](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		if err := c.srv.engine.SetPresence(ctx, c.authCtx, event.Presence(req.Presence)); err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, nil)

	case wire.TypeOpenDirect:
		req, err := wire.Decode[wire.OpenDirect](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		room, err := c.srv.engine.OpenDirect(ctx, c.authCtx, req.UserID)
		if err != nil {
			return c.commandError(req.ID, err)
		}
		return c.ok(req.ID, map[string]any{"room": roomInfo(room)})

	case wire.TypeHistory:
		req, err := wire.Decode[wire.History](payload)
		if err != nil {
			return c.commandError("", chat.Validation("VALIDATION", "malformed frame"))
		}
		messages, next, err := c.srv.engine.RoomHistory(ctx, c.authCtx, req.RoomID, store.Page{Cursor: req.Cursor, Limit: req.Limit})
		if err != nil {
			return c.commandError(req.ID, err)
		}
		infos := make([]wire.MessageInfo, len(messages))
		for i, m := range messages {
			infos[i] = messageInfo(m)
		}
		return c.ok(req.ID, map[string]any{"messages": infos, "next_cursor": next})

	default:
		c.sendError("", chat.Validation("VALIDATION", fmt.Sprintf("unknown command %q", tag)))
		return false
	}
}

// handleEvent converts a dispatcher event into a push frame and keeps the
// subscription's room topics aligned with the user's memberships.
func (c *Conn) handleEvent(sub *event.Subscription, ev event.Event) bool {
	switch ev.Type {
	case event.TypeShutdown:
		_ = c.writeMsg(wire.Shutdown{Type: wire.TypeShutdown, Message: "server shutting down"})
		return true

	case event.TypeMessagePosted:
		return c.write(wire.MessagePosted{Type: wire.TypeMessagePosted, Message: messageInfo(ev.Message)})
	case event.TypeMessageEdited:
		return c.write(wire.MessageEdited{Type: wire.TypeMessageEdited, Message: messageInfo(ev.Message)})
	case event.TypeMessageDeleted:
		return c.write(wire.MessageDeleted{Type: wire.TypeMessageDeleted, RoomID: ev.RoomID, MessageID: ev.Message.ID})

	case event.TypeMemberJoined:
		if ev.UserID == c.authCtx.UserID {
			sub.AddTopic(event.RoomTopic(ev.RoomID))
		}
		return c.write(wire.MemberJoined{Type: wire.TypeMemberJoined, Member: memberInfo(ev.Member)})

	case event.TypeMemberLeft:
		if ev.UserID == c.authCtx.UserID {
			sub.RemoveTopic(event.RoomTopic(ev.RoomID))
		}
		return c.write(wire.MemberLeft{Type: wire.TypeMemberLeft, Member: memberInfo(ev.Member)})

	case event.TypePresenceChanged:
		return c.write(wire.PresenceChanged{Type: wire.TypePresenceChanged, UserID: ev.UserID, Presence: string(ev.Presence)})

	case event.TypeInvitationReceived:
		return c.write(wire.InvitationReceived{Type: wire.TypeInvitationRecvd, Invitation: invitationInfo(ev.Invitation)})
	}
	return false
}

// write sends a frame, treating failure as fatal.
func (c *Conn) write(msg any) bool {
	if err := c.writeMsg(msg); err != nil {
		c.logger.Debug("write failed", "error", err)
		return true
	}
	return false
}

// ok answers a command with the generic success envelope.
func (c *Conn) ok(requestID string, data any) bool {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return c.commandError(requestID, chat.Internal(err))
		}
		raw = encoded
	}
	return c.write(wire.Ok{Type: wire.TypeOk, ID: requestID, Data: raw})
}

// commandError reports a command failure. Protocol and crypto errors are
// fatal; everything else leaves the connection open.
func (c *Conn) commandError(requestID string, err error) bool {
	fatal := c.sendError(requestID, err)
	return fatal
}

// sendError writes an error frame and reports whether the error class is
// fatal for the connection.
func (c *Conn) sendError(requestID string, err error) bool {
	code := "INTERNAL"
	message := "internal error"
	kind := chat.KindInternal
	if e := chat.AsError(err); e != nil {
		code = e.Code
		message = e.Message
		kind = e.Kind
	}
	if kind == chat.KindInternal {
		c.logger.Error("internal error", "error", err)
	}
	if writeErr := c.writeMsg(wire.Error{Type: wire.TypeError, ID: requestID, Code: code, Message: message}); writeErr != nil {
		return true
	}
	return kind == chat.KindProtocol || kind == chat.KindCrypto
}

// sendProtocolError reports a pre-auth protocol violation before closing.
func (c *Conn) sendProtocolError(err error) {
	_ = c.writeMsg(wire.Error{Type: wire.TypeError, Code: "PROTOCOL", Message: err.Error()})
}

// Wire conversions.

func userInfo(u *store.User) wire.UserInfo {
	return wire.UserInfo{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, Role: string(u.Role)}
}

func roomInfo(r *store.Room) wire.RoomInfo {
	return wire.RoomInfo{ID: r.ID, Name: r.Name, Description: r.Description, Visibility: string(r.Visibility), CreatedAt: r.CreatedAt}
}

func memberInfo(m *store.Membership) wire.MemberInfo {
	return wire.MemberInfo{RoomID: m.RoomID, UserID: m.UserID, Role: string(m.Role), JoinedAt: m.JoinedAt}
}

func messageInfo(m *store.Message) wire.MessageInfo {
	return wire.MessageInfo{ID: m.ID, RoomID: m.RoomID, AuthorID: m.AuthorID, Content: m.Content, CreatedAt: m.CreatedAt, EditedAt: m.EditedAt, DeletedAt: m.DeletedAt}
}

func invitationInfo(inv *store.Invitation) wire.InvitationInfo {
	return wire.InvitationInfo{ID: inv.ID, RoomID: inv.RoomID, InviterID: inv.InviterID, InviteeID: inv.InviteeID, State: string(inv.State), CreatedAt: inv.CreatedAt}
}
