// Package whois implements the registry attribute lookup behind WHOIS/
// policy-list entries: query the responsible WHOIS server for an IP or
// domain and flatten the reply into a field -> value map.
package whois

import (
	"bufio"
	"context"
	_ "embed"
	"net"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/spfbld/spfbld/internal/log"
)

//go:embed servers.yml
var serversYAML []byte

const (
	ianaServer = "whois.iana.org"
	whoisPort  = "43"

	// cacheTTL keeps WHOIS answers around long enough that a burst of
	// transactions from one network does not hammer the registries.
	cacheTTL = 24 * time.Hour
)

// Client resolves WHOIS attributes with a bootstrap TLD -> server map
// (shipped as an embedded YAML asset) and IANA referral following for
// anything the map does not cover.
type Client struct {
	Log log.Logger

	// Timeout bounds a single server exchange. Zero means 10s.
	Timeout time.Duration

	servers map[string]string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	attrs   map[string]string
	expires time.Time
}

// New loads the embedded bootstrap map and returns a ready Client.
func New(logger log.Logger) (*Client, error) {
	var doc struct {
		Servers map[string]string `yaml:"servers"`
	}
	if err := yaml.Unmarshal(serversYAML, &doc); err != nil {
		return nil, err
	}
	return &Client{
		Log:     logger,
		servers: doc.Servers,
		cache:   map[string]cacheEntry{},
	}, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

// Attrs queries the responsible WHOIS server for query (an IP address or
// a domain) and returns the flattened attribute map: lowercased field
// names, last value wins. Results are cached for cacheTTL.
func (c *Client) Attrs(ctx context.Context, query string) (map[string]string, error) {
	c.mu.Lock()
	if e, ok := c.cache[query]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.attrs, nil
	}
	c.mu.Unlock()

	server := c.serverFor(query)
	attrs, err := c.exchange(ctx, server, query)
	if err != nil {
		c.Log.Debugf("lookup of %s at %s failed: %v", query, server, err)
		return nil, err
	}

	// Follow a single referral; registries answer "refer:" or
	// "ReferralServer:" when another registry owns the resource.
	if refer := referral(attrs); refer != "" && refer != server {
		if referred, rerr := c.exchange(ctx, refer, query); rerr == nil {
			attrs = referred
		}
	}

	c.mu.Lock()
	c.cache[query] = cacheEntry{attrs: attrs, expires: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
	return attrs, nil
}

func referral(attrs map[string]string) string {
	for _, key := range []string{"refer", "referralserver"} {
		if v, ok := attrs[key]; ok {
			v = strings.TrimPrefix(v, "whois://")
			v = strings.TrimSpace(v)
			if v != "" {
				return v
			}
		}
	}
	return ""
}

func (c *Client) serverFor(query string) string {
	if net.ParseIP(query) != nil {
		return ianaServer
	}
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(query), "."), ".")
	tld := labels[len(labels)-1]
	if server, ok := c.servers[tld]; ok {
		return server
	}
	return ianaServer
}

func (c *Client) exchange(ctx context.Context, server, query string) (map[string]string, error) {
	if !strings.Contains(server, ":") {
		server = net.JoinHostPort(server, whoisPort)
	}

	dialer := net.Dialer{Timeout: c.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(query + "\r\n")); err != nil {
		return nil, err
	}

	attrs := map[string]string{}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(line[:i]))
		value := strings.TrimSpace(line[i+1:])
		if field == "" || value == "" {
			continue
		}
		attrs[field] = value
	}
	if err := scanner.Err(); err != nil && len(attrs) == 0 {
		return nil, err
	}
	return attrs, nil
}

// Reap drops expired cache entries.
func (c *Client) Reap() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.cache {
		if now.After(e.expires) {
			delete(c.cache, k)
		}
	}
}
