// Package textproto implements the line-oriented text command protocol:
// SPF, CHECK, HAM, SPAM and REFRESH, one connection per client,
// bufio-scanned a line at a time.
package textproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spfbld/spfbld/internal/decision"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/limits"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
	"github.com/spfbld/spfbld/internal/ticket"
)

// Server is the text protocol frontend. It owns no state of its own
// beyond what Pipeline/Ledger/Ticket already provide.
type Server struct {
	Pipeline *decision.Pipeline
	Ledger   *ledger.Ledger
	Ticket   *ticket.Codec
	Log      log.Logger

	// Cap bounds concurrently served connections; excess connections are
	// dropped immediately.
	Cap limits.ConnCap

	// RequestBudget bounds how long a single line is processed for
	// (default 20s).
	RequestBudget time.Duration
}

func (s *Server) budget() time.Duration {
	if s.RequestBudget > 0 {
		return s.RequestBudget
	}
	return 20 * time.Second
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
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
			metrics.DroppedConns.WithLabelValues("textproto").Inc()
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
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.budget())
		reply := s.dispatch(reqCtx, line)
		cancel()

		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line string) string {
	verb, args := splitVerb(line)
	switch strings.ToUpper(verb) {
	case "SPF":
		return s.cmdSPF(ctx, args)
	case "CHECK":
		return s.cmdCheck(ctx, args)
	case "HAM":
		return s.cmdHam(args)
	case "SPAM":
		return s.cmdSpam(args)
	case "REFRESH":
		return s.cmdRefresh(ctx, args)
	default:
		return "ERROR: unknown command"
	}
}

// splitVerb separates the verb from its (quoted-aware) argument string.
func splitVerb(line string) (string, string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// quotedFields splits a command's argument string on whitespace, honoring
// single-quoted fields ("SPF '<ip>' '<sender>' ...").
func quotedFields(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (s *Server) cmdSPF(ctx context.Context, args string) string {
	f := quotedFields(args)
	if len(f) < 3 {
		return "ERROR: expected ip sender helo [recipient]"
	}
	tx := decision.Transaction{IP: net.ParseIP(f[0]), Sender: f[1], Helo: f[2]}
	if len(f) > 3 {
		tx.Recipient = f[3]
	}

	d := s.Pipeline.Decide(ctx, tx)
	if d.Ticket != "" {
		return string(d.Action) + " " + d.Ticket
	}
	if d.URL != "" {
		return string(d.Action) + " " + d.URL
	}
	return string(d.Action)
}

func (s *Server) cmdCheck(ctx context.Context, args string) string {
	f := quotedFields(args)
	if len(f) < 3 {
		return "ERROR: expected ip sender helo [recipient]"
	}
	tx := decision.Transaction{IP: net.ParseIP(f[0]), Sender: f[1], Helo: f[2]}
	if len(f) > 3 {
		tx.Recipient = f[3]
	}

	d := s.Pipeline.Decide(ctx, tx)
	var b strings.Builder
	fmt.Fprintf(&b, "action=%s rule=%s\n", d.Action, d.Rule)
	fmt.Fprintf(&b, "tokens=%s\n", strings.Join(d.Tokens, " "))
	if d.Ticket != "" {
		fmt.Fprintf(&b, "ticket=%s\n", d.Ticket)
	}
	if d.URL != "" {
		fmt.Fprintf(&b, "url=%s\n", d.URL)
	}
	b.WriteString(".")
	return b.String()
}

func (s *Server) cmdHam(args string) string {
	tk := strings.TrimSpace(args)
	claim, err := s.Ticket.Decode(tk, time.Now())
	if err != nil {
		return replyForTicketErr(err)
	}

	entry, ok := s.Ledger.Remove(claim.Micros)
	if !ok {
		metrics.Complaints.WithLabelValues("ham", "already_removed").Inc()
		return "ALREADY REMOVED"
	}
	for _, t := range entry.Tokens {
		s.Pipeline.Reputation.RemoveSpam(t)
	}
	metrics.Complaints.WithLabelValues("ham", "ok").Inc()
	metrics.LedgerSize.Dec()
	return "OK " + strings.Join(entry.Tokens, " ") + recipSuffix(entry.Recipient)
}

func (s *Server) cmdSpam(args string) string {
	tk := strings.TrimSpace(args)
	claim, err := s.Ticket.Decode(tk, time.Now())
	if err != nil {
		return replyForTicketErr(err)
	}

	if !s.Ledger.Add(claim.Micros, claim.Tokens, claim.Recipient) {
		metrics.Complaints.WithLabelValues("spam", "duplicate").Inc()
		return "DUPLICATE COMPLAIN"
	}
	for _, t := range claim.Tokens {
		if s.Pipeline.Reputation.AddSpam(t) {
			metrics.StatusTransitions.Inc()
		}
	}
	metrics.Complaints.WithLabelValues("spam", "ok").Inc()
	metrics.LedgerSize.Inc()
	return "OK " + strings.Join(claim.Tokens, " ") + recipSuffix(claim.Recipient)
}

func recipSuffix(recipient string) string {
	if recipient == "" {
		return ""
	}
	return " >" + recipient
}

func replyForTicketErr(err error) string {
	if errors.Is(err, ticket.ErrExpired) {
		return "TICKET EXPIRED"
	}
	return "ERROR: " + err.Error()
}

func (s *Server) cmdRefresh(ctx context.Context, args string) string {
	domain := strings.TrimSpace(args)
	if domain == "" {
		return "ERROR: expected domain"
	}
	loaded, err := s.Pipeline.SPFRegistry.Refresh(ctx, domain)
	if !loaded {
		return "NOT LOADED"
	}
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return "UPDATED"
}
