// Package gossip implements peer reputation gossip: every AddSpam,
// RemoveSpam, Clear or Drop on the reputation store is pushed as a
// JSON-encoded delta (token, complaint count, dropped flag) to every
// configured peer over UDP.
//
// Frames are "id;payload\n" lines with semicolons in the payload escaped
// to \x10, sent as independent UDP datagrams; packet loss is tolerated
// since any later event reconverges the peer.
package gossip

import (
	"encoding/json"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
	"github.com/spfbld/spfbld/internal/reputation"
)

// Peer is one configured gossip destination with its agreement weight.
type Peer struct {
	Addr   string
	Weight float64
}

type delta struct {
	ID         string  `json:"id"`
	Token      string  `json:"token"`
	Complaints int64   `json:"complaints,omitempty"`
	Dropped    bool    `json:"dropped,omitempty"`
}

func escape(s string) string   { return strings.ReplaceAll(s, ";", "\x10") }
func unescape(s string) string { return strings.ReplaceAll(s, "\x10", ";") }

// Pusher sends reputation deltas to every configured Peer. It implements
// reputation.Notifier.
type Pusher struct {
	SessionID string
	Log       log.Logger

	mu    sync.RWMutex
	peers map[string]*peerState
}

type peerState struct {
	peer    Peer
	conn    net.Conn
	agree   float64 // exponential moving average of observed agreement
}

func NewPusher(logger log.Logger) *Pusher {
	return &Pusher{SessionID: uuid.NewString(), Log: logger, peers: map[string]*peerState{}}
}

// AddPeer registers (or replaces) a gossip destination.
func (p *Pusher) AddPeer(peer Peer) error {
	conn, err := net.Dial("udp", peer.Addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.Addr] = &peerState{peer: peer, conn: conn, agree: peer.Weight}
	return nil
}

// Notify implements reputation.Notifier: it formats and pushes the delta
// to every peer. Send failures are logged, never retried; later events
// reconverge the peer.
func (p *Pusher) Notify(token string, d *reputation.Distribution, dropped bool) {
	ev := delta{ID: p.SessionID, Token: token, Dropped: dropped}
	if d != nil {
		ev.Complaints = d.Complaints
	}

	blob, err := json.Marshal(ev)
	if err != nil {
		p.Log.Error("gossip: marshal delta", err)
		return
	}
	line := strings.Join([]string{p.SessionID, escape(string(blob))}, ";") + "\n"

	p.mu.RLock()
	defer p.mu.RUnlock()
	for addr, st := range p.peers {
		if _, err := st.conn.Write([]byte(line)); err != nil {
			p.Log.Debugf("gossip: send to %s failed: %v", addr, err)
			continue
		}
		metrics.GossipSent.Inc()
	}
}

var _ reputation.Notifier = (*Pusher)(nil)

// Receiver listens on a UDP socket for peer pushes and applies them to a
// local Store. Deltas are applied through Store.ApplyRemote, which never
// re-notifies peers, so a pair of engines gossiping at each other cannot
// echo the same event back and forth. Each sending session gets a
// per-session agreement weight: deltas that keep agreeing with what this
// engine already observed count for more.
type Receiver struct {
	Store *reputation.Store
	Log   log.Logger

	mu      sync.Mutex
	weights map[string]float64 // by sender session ID
}

// Agreement weight bounds and EMA smoothing for peer deltas.
const (
	weightInitial = 0.5
	weightAlpha   = 0.1
)

func NewReceiver(store *reputation.Store, logger log.Logger) *Receiver {
	return &Receiver{Store: store, Log: logger, weights: map[string]float64{}}
}

// Serve reads datagrams from conn until it returns an error (typically
// because conn was closed during shutdown).
func (r *Receiver) Serve(conn net.PacketConn) error {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		r.handle(string(buf[:n]))
	}
}

func (r *Receiver) handle(line string) {
	line = strings.TrimSuffix(line, "\n")
	parts := strings.SplitN(line, ";", 2)
	if len(parts) != 2 {
		return
	}

	var ev delta
	if err := json.Unmarshal([]byte(unescape(parts[1])), &ev); err != nil {
		r.Log.Debugf("gossip: bad delta: %v", err)
		return
	}
	if ev.Token == "" {
		return
	}

	if ev.Dropped {
		r.Store.ApplyRemote(ev.Token, 0, true)
		return
	}

	local := r.Store.Complaints(ev.Token)
	w := r.updateWeight(parts[0], local, ev.Complaints)
	if ev.Complaints <= local {
		return
	}
	// Move the local count toward the peer's view, scaled by how much this
	// peer has agreed with us historically.
	target := local + int64(w*float64(ev.Complaints-local)+0.5)
	r.Store.ApplyRemote(ev.Token, target, false)
}

// updateWeight folds one observation into the sender's agreement EMA: a
// delta close to what this engine already believes counts as agreement.
func (r *Receiver) updateWeight(session string, local, reported int64) float64 {
	agree := 0.0
	diff := reported - local
	if diff < 0 {
		diff = -diff
	}
	if diff <= 1 {
		agree = 1.0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.weights[session]
	if !ok {
		w = weightInitial
	}
	w = weightAlpha*agree + (1-weightAlpha)*w
	if w < 0.1 {
		w = 0.1
	}
	r.weights[session] = w
	return w
}
