// ABOUTME: Connection state machine tests over net.Pipe
// ABOUTME: Drives handshake, key exchange, authentication and operational commands

package tcpserver

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/session"
	"github.com/lairchat/lair/internal/store"
	"github.com/lairchat/lair/internal/wire"
)

// testClient drives the client side of a piped connection.
type testClient struct {
	t       *testing.T
	nc      net.Conn
	channel *wire.SecureChannel
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hasher := auth.NewHasher(auth.HasherParams{Time: 1, MemoryKiB: 8 * 1024})
	tokens := auth.NewTokenService([]byte("test-secret"))
	sessions := session.NewManager(st, tokens, hasher, session.Config{}, nil)
	dispatcher := event.NewDispatcher(nil, 0)
	t.Cleanup(dispatcher.Close)

	engine := chat.NewEngine(st, sessions, dispatcher, hasher, chat.Config{
		PostPerMinute:     100000,
		PostBurst:         100000,
		RegisterPerMinute: 100000,
		LoginPerMinute:    100000,
	}, nil)
	t.Cleanup(engine.Close)

	return New(engine, sessions, Config{Addr: "unused"}, nil)
}

// dial wires a pipe to a fresh connection goroutine.
func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv.wg.Add(1)
	go srv.handleConn(ctx, serverSide)

	return &testClient{t: t, nc: clientSide}
}

func (c *testClient) send(msg any) {
	c.t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(c.t, err)
	if c.channel != nil {
		payload = c.channel.Seal(payload)
	}
	require.NoError(c.t, c.nc.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(c.t, wire.WriteFrame(c.nc, payload, wire.DefaultMaxFrame))
}

// sendRaw writes an already-framed payload (for replay tests).
func (c *testClient) sendRaw(payload []byte) error {
	_ = c.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return wire.WriteFrame(c.nc, payload, wire.DefaultMaxFrame)
}

func (c *testClient) recv() ([]byte, string) {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := wire.ReadFrame(c.nc, wire.DefaultMaxFrame)
	require.NoError(c.t, err)
	if c.channel != nil {
		payload, err = c.channel.Open(payload)
		require.NoError(c.t, err)
	}
	tag, err := wire.PeekType(payload)
	require.NoError(c.t, err)
	return payload, tag
}

func (c *testClient) hello(encryption bool) {
	c.t.Helper()
	c.send(wire.ClientHello{Type: wire.TypeClientHello, Version: wire.ProtocolVersion, Encryption: encryption})
	_, tag := c.recv()
	require.Equal(c.t, wire.TypeServerHello, tag)
}

func (c *testClient) exchangeKeys() {
	c.t.Helper()
	keys, err := wire.NewKeyPair()
	require.NoError(c.t, err)

	c.send(wire.ClientKey{Type: wire.TypeClientKey, Key: keys.Public[:]})
	payload, tag := c.recv()
	require.Equal(c.t, wire.TypeServerKey, tag)
	serverKey, err := wire.Decode[wire.ServerKey](payload)
	require.NoError(c.t, err)

	c.channel, err = wire.NewSecureChannel(&keys.Private, serverKey.Key)
	require.NoError(c.t, err)
}

func (c *testClient) register(username string) wire.AuthOk {
	c.t.Helper()
	c.send(wire.Register{
		Type:     wire.TypeRegister,
		Username: username,
		Email:    username + "@example.com",
		Password: "CorrectHorse1!",
	})
	payload, tag := c.recv()
	require.Equal(c.t, wire.TypeAuthOk, tag)
	ok, err := wire.Decode[wire.AuthOk](payload)
	require.NoError(c.t, err)
	return *ok
}

func TestConn_PlaintextRegisterAndPost(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.hello(false)
	authOk := c.register("alice")
	assert.Equal(t, "alice", authOk.User.Username)
	assert.NotEmpty(t, authOk.Token)

	// Create a room and post into it; the push event follows the ok.
	c.send(wire.CreateRoom{Type: wire.TypeCreateRoom, ID: "req-1", Name: "general", Visibility: "public"})
	payload, tag := c.recv()
	require.Equal(t, wire.TypeOk, tag)
	okFrame, err := wire.Decode[wire.Ok](payload)
	require.NoError(t, err)
	assert.Equal(t, "req-1", okFrame.ID)

	var created struct {
		Room wire.RoomInfo `json:"room"`
	}
	require.NoError(t, json.Unmarshal(okFrame.Data, &created))

	// The creator's own member_joined push arrives first; once it is on the
	// wire the connection is subscribed to the room's events.
	_, tag = c.recv()
	require.Equal(t, wire.TypeMemberJoined, tag)

	c.send(wire.PostMessage{Type: wire.TypePostMessage, ID: "req-2", RoomID: created.Room.ID, Content: "hello"})
	_, tag = c.recv()
	require.Equal(t, wire.TypeOk, tag)

	payload, tag = c.recv()
	require.Equal(t, wire.TypeMessagePosted, tag)
	posted, err := wire.Decode[wire.MessagePosted](payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", posted.Message.Content)
}

func TestConn_UnknownFrameBeforeHelloCloses(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.send(wire.Ping{Type: wire.TypePing})
	_, tag := c.recv()
	assert.Equal(t, wire.TypeError, tag)

	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := wire.ReadFrame(c.nc, wire.DefaultMaxFrame)
	assert.Error(t, err)
}

func TestConn_AuthFailureKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.hello(false)
	c.send(wire.Login{Type: wire.TypeLogin, Identifier: "ghost", Password: "whatever1A"})
	payload, tag := c.recv()
	require.Equal(t, wire.TypeAuthErr, tag)
	authErr, err := wire.Decode[wire.AuthErr](payload)
	require.NoError(t, err)
	assert.Equal(t, "INVALID_CREDENTIALS", authErr.Kind)

	// The connection is still in Authentication; registering now succeeds.
	authOk := c.register("alice")
	assert.Equal(t, "alice", authOk.User.Username)
}

func TestConn_EncryptedSession(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.hello(true)
	c.exchangeKeys()

	authOk := c.register("alice")
	assert.Equal(t, "alice", authOk.User.Username)

	c.send(wire.Ping{Type: wire.TypePing, ID: "p1"})
	payload, tag := c.recv()
	require.Equal(t, wire.TypePong, tag)
	pong, err := wire.Decode[wire.Pong](payload)
	require.NoError(t, err)
	assert.Equal(t, "p1", pong.ID)
}

func TestConn_NonceReplayClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)

	c.hello(true)
	c.exchangeKeys()
	c.register("alice")

	// Seal one ping and send the identical bytes twice.
	plaintext, err := wire.Encode(wire.Ping{Type: wire.TypePing})
	require.NoError(t, err)
	sealed := c.channel.Seal(plaintext)

	require.NoError(t, c.sendRaw(sealed))
	_, tag := c.recv()
	require.Equal(t, wire.TypePong, tag)

	require.NoError(t, c.sendRaw(sealed))
	payload, err := func() ([]byte, error) {
		_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		return wire.ReadFrame(c.nc, wire.DefaultMaxFrame)
	}()
	if err == nil {
		// The server reports the crypto violation before closing.
		plain, openErr := c.channel.Open(payload)
		require.NoError(t, openErr)
		tag, tagErr := wire.PeekType(plain)
		require.NoError(t, tagErr)
		assert.Equal(t, wire.TypeError, tag)
	}

	_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wire.ReadFrame(c.nc, wire.DefaultMaxFrame)
	assert.Error(t, err, "connection must be closed after a nonce replay")
}

func TestConn_MemberReceivesPushFromOtherUser(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv)
	alice.hello(false)
	alice.register("alice")

	alice.send(wire.CreateRoom{Type: wire.TypeCreateRoom, ID: "r", Name: "general", Visibility: "public"})
	payload, tag := alice.recv()
	require.Equal(t, wire.TypeOk, tag)
	okFrame, err := wire.Decode[wire.Ok](payload)
	require.NoError(t, err)
	var created struct {
		Room wire.RoomInfo `json:"room"`
	}
	require.NoError(t, json.Unmarshal(okFrame.Data, &created))

	bob := dial(t, srv)
	bob.hello(false)
	bob.register("bob")
	bob.send(wire.JoinRoom{Type: wire.TypeJoinRoom, ID: "j", RoomID: created.Room.ID})
	_, tag = bob.recv()
	require.Equal(t, wire.TypeOk, tag)

	// Alice sees bob join, then posts; bob receives the message.
	payload, tag = alice.recv()
	require.Equal(t, wire.TypeMemberJoined, tag)
	joined, err := wire.Decode[wire.MemberJoined](payload)
	require.NoError(t, err)
	assert.Equal(t, created.Room.ID, joined.Member.RoomID)

	alice.send(wire.PostMessage{Type: wire.TypePostMessage, ID: "m", RoomID: created.Room.ID, Content: "hello"})
	_, tag = alice.recv()
	require.Equal(t, wire.TypeOk, tag)

	// Bob gets his own member_joined echo first, then the message.
	for {
		payload, tag = bob.recv()
		if tag == wire.TypeMemberJoined {
			continue
		}
		require.Equal(t, wire.TypeMessagePosted, tag)
		posted, err := wire.Decode[wire.MessagePosted](payload)
		require.NoError(t, err)
		assert.Equal(t, "hello", posted.Message.Content)
		assert.Equal(t, created.Room.ID, posted.Message.RoomID)
		return
	}
}
