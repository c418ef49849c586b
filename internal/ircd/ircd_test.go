package ircd

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
)

// fakeConn is an in-memory net.Conn double: dispatch() calls Client.send,
// which writes replies into buf; tests never need the read side since
// commands are injected directly via Server.dispatch rather than through
// the scanner-driven ServeConn loop.
type fakeConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (f *fakeConn) Write(b []byte) (int, error)       { f.mu.Lock(); defer f.mu.Unlock(); return f.buf.Write(b) }
func (f *fakeConn) Close() error                      { return nil }
func (f *fakeConn) LocalAddr() net.Addr               { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr              { return fakeAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error       { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

// lines drains and returns every complete reply line written so far.
func (f *fakeConn) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := strings.TrimRight(f.buf.String(), "\r\n")
	f.buf.Reset()
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\r\n")
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() *Server {
	return NewServer("test.irc", "s3cret", discardLog(), nil)
}

func newTestClient(s *Server, host string) (*Client, *fakeConn) {
	fc := &fakeConn{}
	c := newClient(xid.New().String(), fc, host)
	s.reg.addClient(c)
	return c, fc
}

func register(t *testing.T, s *Server, c *Client, nick, user string) {
	t.Helper()
	s.dispatch(c, "NICK "+nick)
	s.dispatch(c, "USER "+user+" 0 * :Real Name")
	if c.State() != Registered {
		t.Fatalf("client %s did not reach Registered, got state %v", nick, c.State())
	}
}

func TestRegistrationNickThenUser(t *testing.T) {
	s := newTestServer()
	c, fc := newTestClient(s, "host1")

	s.dispatch(c, "NICK alice")
	if c.State() != UserMissing {
		t.Fatalf("expected UserMissing after bare NICK, got %v", c.State())
	}

	s.dispatch(c, "USER alice 0 * :Alice A")
	if c.State() != Registered {
		t.Fatalf("expected Registered after USER, got %v", c.State())
	}

	lines := fc.lines()
	if len(lines) == 0 || !strings.Contains(lines[0], "001") {
		t.Fatalf("expected RPL_WELCOME as first reply, got %v", lines)
	}
}

func TestRegistrationUserThenNick(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(s, "host1")

	s.dispatch(c, "USER bob 0 * :Bob B")
	if c.State() != NickMissing {
		t.Fatalf("expected NickMissing after bare USER, got %v", c.State())
	}

	s.dispatch(c, "NICK bob")
	if c.State() != Registered {
		t.Fatalf("expected Registered after NICK, got %v", c.State())
	}
}

// TestNicknameCollision covers scenario S6: a second client trying to
// claim an in-use nickname gets ERR_NICKNAMEINUSE and its registration
// state is unaffected.
func TestNicknameCollision(t *testing.T) {
	s := newTestServer()
	c1, _ := newTestClient(s, "host1")
	register(t, s, c1, "alice", "alice")

	c2, fc2 := newTestClient(s, "host2")
	s.dispatch(c2, "NICK alice")

	if c2.State() != NotRegistered {
		t.Fatalf("expected c2 to remain NotRegistered, got %v", c2.State())
	}
	lines := fc2.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "433") || !strings.Contains(lines[0], "* alice") {
		t.Fatalf("expected a single 433 * alice reply, got %v", lines)
	}
}

func TestJoinPartEmptiesChannelMap(t *testing.T) {
	s := newTestServer()
	c, _ := newTestClient(s, "host1")
	register(t, s, c, "alice", "alice")

	s.dispatch(c, "JOIN #test")
	if _, ok := s.reg.findChannel("#test"); !ok {
		t.Fatal("expected #test to exist after JOIN")
	}

	s.dispatch(c, "PART #test")
	if _, ok := s.reg.findChannel("#test"); ok {
		t.Fatal("expected #test to be destroyed once membership reaches zero")
	}
}

func TestPrivmsgToChannelReachesOtherMembersOnce(t *testing.T) {
	s := newTestServer()
	c1, _ := newTestClient(s, "host1")
	register(t, s, c1, "alice", "alice")
	s.dispatch(c1, "JOIN #chan")

	c2, fc2 := newTestClient(s, "host2")
	register(t, s, c2, "bob", "bob")
	s.dispatch(c2, "JOIN #chan")
	fc2.lines() // drain JOIN/NAMES noise before the message under test

	s.dispatch(c1, "PRIVMSG #chan :hello there")

	lines := fc2.lines()
	if len(lines) != 1 {
		t.Fatalf("expected bob to receive exactly one line, got %v", lines)
	}
	if !strings.Contains(lines[0], "PRIVMSG #chan :hello there") {
		t.Fatalf("unexpected relayed message: %q", lines[0])
	}
}

func TestKickRequiresChannelOperator(t *testing.T) {
	s := newTestServer()
	creator, _ := newTestClient(s, "host1")
	register(t, s, creator, "op", "op")
	s.dispatch(creator, "JOIN #mod")

	other, _ := newTestClient(s, "host2")
	register(t, s, other, "carol", "carol")
	s.dispatch(other, "JOIN #mod")

	victim, _ := newTestClient(s, "host3")
	register(t, s, victim, "dave", "dave")
	s.dispatch(victim, "JOIN #mod")

	// carol is not a channel operator; her KICK must be rejected.
	fcCarol := other.conn.(*fakeConn)
	fcCarol.lines()
	s.dispatch(other, "KICK #mod dave :bye")
	lines := fcCarol.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], "482") {
		t.Fatalf("expected ERR_CHANOPRIVSNEEDED for non-operator KICK, got %v", lines)
	}
	if !dave(s).inChannel("#mod") {
		t.Fatal("dave should still be in #mod after a rejected KICK")
	}

	// the channel creator holds +o and may kick dave.
	s.dispatch(creator, "KICK #mod dave :bye")
	if dave(s).inChannel("#mod") {
		t.Fatal("dave should have been removed from #mod")
	}
}

func dave(s *Server) *Client {
	c, _ := s.reg.findNick("dave")
	return c
}
