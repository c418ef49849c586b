package ircd

import (
	"fmt"
	"strings"
)

func validNick(nick string) bool {
	if nick == "" || len(nick) > 9 {
		return false
	}
	for i, r := range nick {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '-', r == '[', r == ']', r == '\\', r == '`', r == '^', r == '{', r == '}':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// handleNICK implements the original state machine literally: a NICK while
// NOT_REGISTERED moves to UserMissing (still waiting on USER); a NICK that
// arrives while USER is already set (NickMissing) completes registration.
// A NICK while already Registered is a nick change, broadcast to the
// client itself and to every channel it is a member of.
func (s *Server) handleNICK(c *Client, params []string) {
	if len(params) < 1 {
		c.send(s.replyError(c, ERR_NONICKNAMEGIVEN))
		return
	}
	newNick := params[0]
	if !validNick(newNick) {
		c.send(s.replyError(c, ERR_ERRONEUSNICKNAME, newNick))
		return
	}

	switch c.State() {
	case NotRegistered:
		if !s.reg.addNickIfFree(newNick, c) {
			c.send(s.replyError(c, ERR_NICKNAMEINUSE, newNick))
			return
		}
		c.mu.Lock()
		c.nick = newNick
		c.state = UserMissing
		c.mu.Unlock()

	case NickMissing:
		if !s.reg.addNickIfFree(newNick, c) {
			c.send(s.replyError(c, ERR_NICKNAMEINUSE, newNick))
			return
		}
		c.mu.Lock()
		c.nick = newNick
		c.state = Registered
		c.mu.Unlock()
		s.reg.incConnectedUsers()
		s.completeRegistration(c)

	case UserMissing:
		oldNick := c.Nick()
		if !s.reg.renameNickIfFree(oldNick, newNick, c) {
			c.send(s.replyError(c, ERR_NICKNAMEINUSE, newNick))
			return
		}
		c.mu.Lock()
		c.nick = newNick
		c.mu.Unlock()

	case Registered:
		oldNick := c.Nick()
		prefix := userPrefix(c)
		if !s.reg.renameNickIfFree(oldNick, newNick, c) {
			c.send(s.replyError(c, ERR_NICKNAMEINUSE, newNick))
			return
		}
		c.mu.Lock()
		c.nick = newNick
		c.mu.Unlock()
		notify := plain(prefix, "NICK", newNick)
		c.send(notify)
		for _, name := range c.joinedChannels() {
			if ch, ok := s.reg.findChannel(name); ok {
				for _, member := range ch.snapshot() {
					if member != c {
						member.send(notify)
					}
				}
			}
		}
	}
}

// handleUSER mirrors the original handle_USER: registering USER while
// UserMissing completes registration; while NotRegistered it moves to
// NickMissing; while already Registered it is rejected.
func (s *Server) handleUSER(c *Client, params []string) {
	if len(params) < 4 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "USER"))
		return
	}
	if c.State() == Registered {
		c.send(s.replyError(c, ERR_ALREADYREGISTRED))
		return
	}

	c.mu.Lock()
	c.user = params[0]
	c.realname = strings.TrimPrefix(params[3], ":")
	state := c.state
	c.mu.Unlock()

	switch state {
	case UserMissing:
		c.mu.Lock()
		c.state = Registered
		c.mu.Unlock()
		s.reg.incConnectedUsers()
		s.completeRegistration(c)
	case NotRegistered:
		c.mu.Lock()
		c.state = NickMissing
		c.mu.Unlock()
	}
}

func (s *Server) completeRegistration(c *Client) {
	c.send(s.replyWelcome(c))
	c.send(s.replyYourHost(c))
	c.send(s.replyCreated(c))
	c.send(s.replyMyInfo(c))
	for _, m := range s.replyLUsers(c) {
		c.send(m)
	}
	c.send(s.replyNoMOTD(c))
	if s.m != nil {
		s.m.Registrations.Inc()
	}
}

func (s *Server) handleQUIT(c *Client, params []string) {
	reason := "Client Quit"
	if len(params) > 0 {
		reason = params[0]
	}
	s.partAllChannels(c, reason)
	c.conn.Close()
}

// partAllChannels removes c from every channel it belongs to, destroying
// any channel whose membership reaches zero, and broadcasting a QUIT
// notice to remaining members first (spec's "broadcast addresses each
// recipient exactly once" invariant: a member who shares several channels
// with c is sent the QUIT once, not once per shared channel).
func (s *Server) partAllChannels(c *Client, reason string) {
	prefix := userPrefix(c)
	seen := make(map[*Client]bool)
	for _, name := range c.joinedChannels() {
		ch, ok := s.reg.findChannel(name)
		if !ok {
			continue
		}
		notify := trail(prefix, "QUIT", nil, reason)
		for _, member := range ch.snapshot() {
			if member != c && !seen[member] {
				seen[member] = true
				member.send(notify)
			}
		}
		c.removeChannel(name)
		if ch.remove(c.Nick()) {
			s.reg.destroyChannel(name)
			if s.m != nil {
				s.m.ActiveChannels.Set(float64(s.reg.channelCount()))
			}
		}
	}
}

func (s *Server) handleJOIN(c *Client, params []string) {
	if len(params) < 1 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "JOIN"))
		return
	}
	for _, name := range strings.Split(params[0], ",") {
		s.joinOne(c, name)
	}
}

func (s *Server) joinOne(c *Client, name string) {
	if c.inChannel(name) {
		return
	}
	ch, created := s.reg.getOrCreateChannel(name)
	if created && s.m != nil {
		s.m.ActiveChannels.Set(float64(s.reg.channelCount()))
	}
	ch.add(c)
	c.addChannel(name)

	notify := plain(userPrefix(c), "JOIN", name)
	for _, member := range ch.snapshot() {
		member.send(notify)
	}

	names := ch.namesList()
	c.send(trail(s.hostname, RPL_NAMREPLY, []string{c.Nick(), "=", name}, strings.Join(names, " ")))
	c.send(trail(s.hostname, RPL_ENDOFNAMES, []string{c.Nick(), name}, "End of NAMES list"))
}

func (s *Server) handlePART(c *Client, params []string) {
	if len(params) < 1 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "PART"))
		return
	}
	reason := c.Nick()
	if len(params) > 1 {
		reason = params[1]
	}
	for _, name := range strings.Split(params[0], ",") {
		ch, ok := s.reg.findChannel(name)
		if !ok {
			c.send(s.replyError(c, ERR_NOSUCHCHANNEL, name))
			continue
		}
		if !ch.has(c.Nick()) {
			c.send(s.replyError(c, ERR_NOTONCHANNEL, name))
			continue
		}
		notify := trail(userPrefix(c), "PART", []string{name}, reason)
		for _, member := range ch.snapshot() {
			member.send(notify)
		}
		c.removeChannel(name)
		if ch.remove(c.Nick()) {
			s.reg.destroyChannel(name)
			if s.m != nil {
				s.m.ActiveChannels.Set(float64(s.reg.channelCount()))
			}
		}
	}
}

func (s *Server) handlePRIVMSG(c *Client, params []string) { s.relay(c, "PRIVMSG", params) }
func (s *Server) handleNOTICE(c *Client, params []string)  { s.relay(c, "NOTICE", params) }

func (s *Server) relay(c *Client, command string, params []string) {
	if len(params) < 2 {
		if command == "PRIVMSG" {
			c.send(s.replyError(c, ERR_NEEDMOREPARAMS, command))
		}
		return
	}
	target, text := params[0], params[1]
	prefix := userPrefix(c)
	msg := trail(prefix, command, []string{target}, text)

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		ch, ok := s.reg.findChannel(target)
		if !ok {
			if command == "PRIVMSG" {
				c.send(s.replyError(c, ERR_CANNOTSENDTOCHAN, target))
			}
			return
		}
		for _, member := range ch.snapshot() {
			if member != c {
				member.send(msg)
			}
		}
		return
	}

	dst, ok := s.reg.findNick(target)
	if !ok {
		if command == "PRIVMSG" {
			c.send(s.replyError(c, ERR_NOSUCHNICK, target))
		}
		return
	}
	dst.send(msg)
}

func (s *Server) handlePING(c *Client, params []string) {
	token := s.hostname
	if len(params) > 0 {
		token = params[0]
	}
	c.send(plain(s.hostname, "PONG", s.hostname, token))
}

func (s *Server) handlePONG(c *Client, params []string) {}

func (s *Server) handleLUSERS(c *Client, params []string) {
	for _, m := range s.replyLUsers(c) {
		c.send(m)
	}
}

func (s *Server) handleWHOIS(c *Client, params []string) {
	if len(params) < 1 {
		return
	}
	target, ok := s.reg.findNick(params[0])
	if !ok {
		c.send(s.replyError(c, ERR_NOSUCHNICK, params[0]))
		return
	}
	c.send(trail(s.hostname, RPL_WHOISUSER,
		[]string{c.Nick(), target.Nick(), target.User(), target.Host(), "*"}, target.Realname()))
	c.send(trail(s.hostname, RPL_ENDOFWHOIS, []string{c.Nick(), target.Nick()}, "End of WHOIS list"))
}

// handleWHO lists a channel's members with their operator mode, a
// supplemented command (not present in the distilled spec's numeric list
// but named among the operations a complete server implements).
func (s *Server) handleWHO(c *Client, params []string) {
	if len(params) < 1 {
		return
	}
	ch, ok := s.reg.findChannel(params[0])
	if !ok {
		c.send(trail(s.hostname, RPL_ENDOFWHO, []string{c.Nick(), params[0]}, "End of WHO list"))
		return
	}
	for _, member := range ch.snapshot() {
		flag := ""
		if ch.isOp(member.Nick()) {
			flag = "@"
		}
		c.send(trail(s.hostname, RPL_WHOREPLY,
			[]string{c.Nick(), ch.name, member.User(), member.Host(), s.hostname, member.Nick(), "H" + flag},
			"0 "+member.Realname()))
	}
	c.send(trail(s.hostname, RPL_ENDOFWHO, []string{c.Nick(), params[0]}, "End of WHO list"))
}

func (s *Server) handleLIST(c *Client, params []string) {
	for _, ch := range s.reg.listChannels() {
		c.send(trail(s.hostname, RPL_LIST,
			[]string{c.Nick(), ch.name, fmt.Sprintf("%d", len(ch.snapshot()))}, ch.topicString()))
	}
	c.send(trail(s.hostname, RPL_LISTEND, []string{c.Nick()}, "End of LIST"))
}

// handleTOPIC gets or sets a channel's topic; setting requires channel
// operator status, a supplemented command grounded the same way WHO/KICK
// are in the original project's channel model.
func (s *Server) handleTOPIC(c *Client, params []string) {
	if len(params) < 1 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "TOPIC"))
		return
	}
	name := params[0]
	ch, ok := s.reg.findChannel(name)
	if !ok {
		c.send(s.replyError(c, ERR_NOSUCHCHANNEL, name))
		return
	}
	if len(params) < 2 {
		topic := ch.topicString()
		if topic == "" {
			c.send(trail(s.hostname, RPL_NOTOPIC, []string{c.Nick(), name}, "No topic is set"))
		} else {
			c.send(trail(s.hostname, RPL_TOPIC, []string{c.Nick(), name}, topic))
		}
		return
	}
	if !ch.isOp(c.Nick()) && !c.IsOperator() {
		c.send(s.replyError(c, ERR_CHANOPRIVSNEEDED, name))
		return
	}
	ch.setTopic(params[1])
	notify := trail(userPrefix(c), "TOPIC", []string{name}, params[1])
	for _, member := range ch.snapshot() {
		member.send(notify)
	}
}

// handleMODE implements only channel +o/-o, matching the original
// project's scope (user modes and other channel modes are out of scope).
func (s *Server) handleMODE(c *Client, params []string) {
	if len(params) < 3 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "MODE"))
		return
	}
	name, mode, target := params[0], params[1], params[2]
	ch, ok := s.reg.findChannel(name)
	if !ok {
		c.send(s.replyError(c, ERR_NOSUCHCHANNEL, name))
		return
	}
	if mode != "+o" && mode != "-o" {
		c.send(s.replyError(c, ERR_UNKNOWNMODE, mode))
		return
	}
	if !ch.has(target) {
		c.send(s.replyError(c, ERR_USERNOTINCHANNEL, target))
		return
	}
	if !ch.isOp(c.Nick()) && !c.IsOperator() {
		c.send(s.replyError(c, ERR_CHANOPRIVSNEEDED, name))
		return
	}
	ch.setOp(target, mode == "+o")

	notify := plain(userPrefix(c), "MODE", name, mode, target)
	for _, member := range ch.snapshot() {
		member.send(notify)
	}
}

// handleOPER grants server-wide operator status on a correct password,
// matching the original handle_OPER's single shared ctx->password check
// (no per-user password table).
func (s *Server) handleOPER(c *Client, params []string) {
	if len(params) < 2 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "OPER"))
		return
	}
	if params[1] != s.operatorPassword {
		c.send(s.replyError(c, ERR_PASSWDMISMATCH))
		return
	}
	c.setOperator()
	s.reg.setOperator(c.Nick())
	c.send(plain(s.hostname, RPL_YOUREOPER, c.Nick(), "You are now an IRC operator"))
}

// handleKICK removes a member from a channel at an operator's request,
// broadcasting the removal like a self-issued PART. Supplemented from the
// original project's channel-operator model (KICK itself isn't in
// handlers.c, but the operator-gated removal semantics it establishes for
// MODE +o carry over directly).
func (s *Server) handleKICK(c *Client, params []string) {
	if len(params) < 2 {
		c.send(s.replyError(c, ERR_NEEDMOREPARAMS, "KICK"))
		return
	}
	name, target := params[0], params[1]
	reason := target
	if len(params) > 2 {
		reason = params[2]
	}
	ch, ok := s.reg.findChannel(name)
	if !ok {
		c.send(s.replyError(c, ERR_NOSUCHCHANNEL, name))
		return
	}
	if !ch.isOp(c.Nick()) && !c.IsOperator() {
		c.send(s.replyError(c, ERR_CHANOPRIVSNEEDED, name))
		return
	}
	if !ch.has(target) {
		c.send(s.replyError(c, ERR_USERNOTINCHANNEL, target))
		return
	}
	victim, ok := s.reg.findNick(target)
	if !ok {
		return
	}
	notify := trail(userPrefix(c), "KICK", []string{name, target}, reason)
	for _, member := range ch.snapshot() {
		member.send(notify)
	}
	victim.removeChannel(name)
	if ch.remove(target) {
		s.reg.destroyChannel(name)
		if s.m != nil {
			s.m.ActiveChannels.Set(float64(s.reg.channelCount()))
		}
	}
}
