package ircd

import (
	"bufio"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/tinyrange/netlab/internal/metrics"
)

// Server is the IRC dispatch core (spec §4.3): a line-oriented protocol
// over one worker goroutine per accepted connection, dispatching into a
// fixed command table against shared, lock-guarded registries.
type Server struct {
	hostname         string
	operatorPassword string
	created          time.Time

	reg *registry
	log *slog.Logger
	m   *metrics.IRC
}

// NewServer builds a Server. operatorPassword gates OPER (spec's
// ctx->password); hostname is the name this server uses as the prefix on
// its own replies.
func NewServer(hostname, operatorPassword string, log *slog.Logger, m *metrics.IRC) *Server {
	return &Server{
		hostname:         hostname,
		operatorPassword: operatorPassword,
		created:          time.Now(),
		reg:              newRegistry(),
		log:              log,
		m:                m,
	}
}

// ServeConn runs one client's read/dispatch loop until reading from the
// connection fails or reaches EOF; write errors do not end it. Intended to be run in its own
// goroutine per accepted net.Conn, mirroring the original project's
// one-thread-per-client model.
func (s *Server) ServeConn(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	c := newClient(xid.New().String(), conn, host)
	s.reg.addClient(c)
	if s.m != nil {
		s.m.ActiveClients.Set(float64(s.reg.clientCount()))
	}

	defer s.disconnect(c)

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanCRLF)
	scanner.Buffer(make([]byte, 0, 512), 512)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		s.dispatch(c, line)
	}
}

func (s *Server) disconnect(c *Client) {
	nick := c.Nick()
	s.partAllChannels(c, "Client disconnected")
	if nick != "" {
		s.reg.removeNick(nick)
	}
	s.reg.removeClient(c)
	if c.State() == Registered {
		s.reg.decConnectedUsers()
	}
	c.conn.Close()
	if s.m != nil {
		s.m.ActiveClients.Set(float64(s.reg.clientCount()))
	}
}

// dispatchFunc is the shape of every command handler.
type dispatchFunc func(s *Server, c *Client, params []string)

var commandTable = map[string]dispatchFunc{
	"NICK":    (*Server).handleNICK,
	"USER":    (*Server).handleUSER,
	"QUIT":    (*Server).handleQUIT,
	"JOIN":    (*Server).handleJOIN,
	"PART":    (*Server).handlePART,
	"PRIVMSG": (*Server).handlePRIVMSG,
	"NOTICE":  (*Server).handleNOTICE,
	"PING":    (*Server).handlePING,
	"PONG":    (*Server).handlePONG,
	"LUSERS":  (*Server).handleLUSERS,
	"WHOIS":   (*Server).handleWHOIS,
	"WHO":     (*Server).handleWHO,
	"LIST":    (*Server).handleLIST,
	"MODE":    (*Server).handleMODE,
	"OPER":    (*Server).handleOPER,
	"TOPIC":   (*Server).handleTOPIC,
	"KICK":    (*Server).handleKICK,
}

// registrationExempt mirrors the original handle_request's blanket
// ERR_NOTREGISTERED check: every command not listed here requires full
// registration first.
var registrationExempt = map[string]bool{
	"NICK": true,
	"USER": true,
	"PING": true,
	"PONG": true,
	"QUIT": true,
}

func (s *Server) dispatch(c *Client, line string) {
	cmd, params := parseLine(line)
	if cmd == "" {
		return
	}
	if s.m != nil {
		s.m.CommandsDispatched.Inc()
	}

	handler, ok := commandTable[cmd]
	if !ok {
		if s.m != nil {
			s.m.UnknownCommands.Inc()
		}
		c.send(trail(s.hostname, ERR_UNKNOWNCOMMAND, []string{nickOrStar(c), cmd}, errorText(ERR_UNKNOWNCOMMAND)))
		return
	}

	if !registrationExempt[cmd] && c.State() != Registered {
		c.send(s.replyError(c, ERR_NOTREGISTERED))
		return
	}

	handler(s, c, params)
}

func nickOrStar(c *Client) string {
	if n := c.Nick(); n != "" {
		return n
	}
	return "*"
}
