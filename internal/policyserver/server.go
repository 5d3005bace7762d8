// Package policyserver implements the Postfix-compatible policy-
// delegation protocol: key=value attribute lines terminated by a
// blank line, a single "action=..." reply, mapping a Decision to an SMTP
// reply code.
package policyserver

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/spfbld/spfbld/internal/decision"
	"github.com/spfbld/spfbld/internal/exterrors"
	"github.com/spfbld/spfbld/internal/limits"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
)

type Server struct {
	Pipeline *decision.Pipeline
	Log      log.Logger

	// Cap bounds concurrently served connections.
	Cap limits.ConnCap

	RequestBudget time.Duration
}

func (s *Server) budget() time.Duration {
	if s.RequestBudget > 0 {
		return s.RequestBudget
	}
	return 20 * time.Second
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.Cap.Take() {
			s.Log.Msg("TOO MANY CONNECTIONS", "remote", conn.RemoteAddr().String())
			metrics.DroppedConns.WithLabelValues("policy").Inc()
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.Cap.Release()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		attrs, err := readAttrs(r)
		if err != nil {
			return
		}
		if len(attrs) == 0 {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.budget())
		reply := s.evaluate(reqCtx, attrs)
		cancel()

		if _, err := conn.Write([]byte("action=" + reply + "\n\n")); err != nil {
			return
		}
	}
}

func readAttrs(r *bufio.Reader) (map[string]string, error) {
	attrs := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return attrs, err
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			attrs[line[:i]] = line[i+1:]
		}
		if err != nil {
			return attrs, err
		}
	}
}

// evaluate maps request attributes to a Transaction, short-circuiting
// non-public source addresses to DUNNO, then maps the resulting
// Decision to a Postfix policy reply.
func (s *Server) evaluate(ctx context.Context, attrs map[string]string) string {
	ip := net.ParseIP(attrs["client_address"])
	if ip == nil || lists.IsLocalIP(ip) {
		return "DUNNO"
	}

	tx := decision.Transaction{
		IP:        ip,
		Sender:    attrs["sender"],
		Helo:      attrs["helo_name"],
		Recipient: attrs["recipient"],
	}

	d := s.Pipeline.Decide(ctx, tx)
	return replyFor(d)
}

func replyFor(d decision.Decision) string {
	switch d.Action {
	case decision.ActionPass, decision.ActionNeutral, decision.ActionNone:
		if d.Ticket != "" {
			return "PREPEND Received-SPFBL: " + d.Ticket
		}
		return "DUNNO"
	case decision.ActionSoftFail:
		return "PREPEND Received-SPFBL: " + d.Ticket
	case decision.ActionGreylist:
		r := exterrors.ReplyError{EnhancedCode: exterrors.EnhancedCode{4, 7, 1}, Message: "Greylisted, please try again later", CheckName: d.Rule}
		return r.SMTPReply(451)
	case decision.ActionListed:
		msg := "Listed"
		if d.URL != "" {
			msg += ", see " + d.URL
		}
		r := exterrors.ReplyError{EnhancedCode: exterrors.EnhancedCode{4, 7, 2}, Message: msg, CheckName: d.Rule}
		return r.SMTPReply(451)
	case decision.ActionSpamtrap:
		return "DISCARD spamtrap"
	case decision.ActionBlocked, decision.ActionFail, decision.ActionNXDomain:
		msg := "Rejected"
		if d.URL != "" {
			msg += ", see " + d.URL
		}
		r := exterrors.ReplyError{EnhancedCode: exterrors.EnhancedCode{5, 7, 1}, Message: msg, CheckName: d.Rule}
		return r.SMTPReply(554)
	case decision.ActionInvalid, decision.ActionLAN:
		r := exterrors.ReplyError{EnhancedCode: exterrors.EnhancedCode{5, 7, 1}, Message: "Invalid sender", CheckName: d.Rule}
		return r.SMTPReply(554)
	case decision.ActionTempError:
		r := exterrors.ReplyError{EnhancedCode: exterrors.EnhancedCode{4, 4, 3}, Message: "Temporary lookup failure, please try again later", CheckName: d.Rule}
		return r.SMTPReply(451)
	}
	return "DUNNO"
}
