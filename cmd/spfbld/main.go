// Command spfbld is the anti-spam decision engine daemon: it answers
// per-transaction SPF/policy queries over the text and Postfix policy
// protocols, serves the reputation DNS zones over UDP, exchanges
// reputation deltas with peers and snapshots its state to disk.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spfbld/spfbld/internal/config"
	"github.com/spfbld/spfbld/internal/decision"
	"github.com/spfbld/spfbld/internal/deferral"
	"github.com/spfbld/spfbld/internal/dnsfrontend"
	"github.com/spfbld/spfbld/internal/dnsutil"
	"github.com/spfbld/spfbld/internal/gossip"
	"github.com/spfbld/spfbld/internal/hooks"
	"github.com/spfbld/spfbld/internal/ledger"
	"github.com/spfbld/spfbld/internal/limits"
	"github.com/spfbld/spfbld/internal/lists"
	"github.com/spfbld/spfbld/internal/log"
	"github.com/spfbld/spfbld/internal/metrics"
	"github.com/spfbld/spfbld/internal/persist"
	"github.com/spfbld/spfbld/internal/policyserver"
	"github.com/spfbld/spfbld/internal/reputation"
	"github.com/spfbld/spfbld/internal/spf"
	"github.com/spfbld/spfbld/internal/textproto"
	"github.com/spfbld/spfbld/internal/ticket"
	"github.com/spfbld/spfbld/internal/token"
	"github.com/spfbld/spfbld/internal/whois"
)

type daemonCfg struct {
	textprotoAddr string
	policyAddr    string
	dnslistAddr   string
	metricsAddr   string
	gossipAddr    string

	stateDir  string
	ticketKey []byte

	maxConns        int
	reverseRequired bool
	floodMaxRetry   int
	releaseURL      string

	zones []dnsfrontend.Zone
	peers []gossip.Peer

	listFiles   map[string][]string // list name -> file paths
	listEntries map[string][]string // list name -> static entries

	spfPermErrorOnSyntax bool
	spfAllDefault        string
	guesses              map[string]string

	deferTTL map[deferral.Class]time.Duration
}

func main() {
	var (
		configPath = "spfbld.conf"
		debugFlag  = false
		logPath    = ""
	)
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "-config requires an argument")
				os.Exit(2)
			}
			configPath = args[i]
		case "-debug":
			debugFlag = true
		case "-log":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "-log requires an argument")
				os.Exit(2)
			}
			logPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(2)
		}
	}

	logOut := log.WriterOutput(os.Stderr, true)
	if logPath != "" {
		fh, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(2)
		}
		logOut = log.WriteCloserOutput(fh, true)
	}
	logger := log.Logger{Out: logOut, Debug: debugFlag}
	log.DefaultLogger = logger

	cfg, err := readConfig(configPath)
	if err != nil {
		logger.Error("configuration error", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", err)
		os.Exit(1)
	}
}

func readConfig(path string) (*daemonCfg, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	nodes, err := config.Read(fh, path)
	if err != nil {
		return nil, err
	}

	cfg := &daemonCfg{
		listFiles:   map[string][]string{},
		listEntries: map[string][]string{},
		guesses:     map[string]string{},
		deferTTL:    map[deferral.Class]time.Duration{},
	}

	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("textproto", false, false, "127.0.0.1:9877", &cfg.textprotoAddr)
	m.String("policy", false, false, "127.0.0.1:9876", &cfg.policyAddr)
	m.String("metrics", false, false, "", &cfg.metricsAddr)
	m.String("gossip_listen", false, false, "", &cfg.gossipAddr)
	m.String("state_dir", false, false, ".", &cfg.stateDir)
	m.Int("max_conns", false, false, 256, &cfg.maxConns)
	m.Bool("reverse_required", false, false, &cfg.reverseRequired)
	m.Int("flood_max_retry", false, false, 5, &cfg.floodMaxRetry)
	m.String("release_url", false, false, "", &cfg.releaseURL)

	var ticketKey string
	m.String("ticket_key", false, true, "", &ticketKey)

	m.Callback("dnslist", func(m *config.Map, node config.Node) error {
		if len(node.Args) != 1 {
			return config.NodeErr(node, "expected listen address")
		}
		cfg.dnslistAddr = node.Args[0]
		for _, child := range node.Children {
			if child.Name != "zone" || len(child.Args) < 1 || len(child.Args) > 2 {
				return config.NodeErr(child, "expected 'zone <suffix> [type]'")
			}
			ztype := dnsfrontend.ZoneDNSBL
			if len(child.Args) == 2 {
				switch child.Args[1] {
				case "dnsbl":
					ztype = dnsfrontend.ZoneDNSBL
				case "uribl":
					ztype = dnsfrontend.ZoneURIBL
				case "dnswl":
					ztype = dnsfrontend.ZoneDNSWL
				case "score":
					ztype = dnsfrontend.ZoneScore
				case "abuse":
					ztype = dnsfrontend.ZoneDNSAL
				default:
					return config.NodeErr(child, "unknown zone type: %s", child.Args[1])
				}
			}
			cfg.zones = append(cfg.zones, dnsfrontend.Zone{Suffix: child.Args[0], Type: ztype})
		}
		return nil
	})

	m.Callback("peer", func(m *config.Map, node config.Node) error {
		if len(node.Args) < 1 || len(node.Args) > 2 {
			return config.NodeErr(node, "expected 'peer <addr> [weight]'")
		}
		peer := gossip.Peer{Addr: node.Args[0], Weight: 1.0}
		if len(node.Args) == 2 {
			if _, err := fmt.Sscanf(node.Args[1], "%f", &peer.Weight); err != nil {
				return config.NodeErr(node, "bad weight: %s", node.Args[1])
			}
		}
		cfg.peers = append(cfg.peers, peer)
		return nil
	})

	m.Callback("list", func(m *config.Map, node config.Node) error {
		if len(node.Args) < 2 {
			return config.NodeErr(node, "expected 'list <name> file <path>' or 'list <name> static <entries...>'")
		}
		name := node.Args[0]
		switch node.Args[1] {
		case "file":
			if len(node.Args) != 3 {
				return config.NodeErr(node, "expected one file path")
			}
			cfg.listFiles[name] = append(cfg.listFiles[name], node.Args[2])
		case "static":
			cfg.listEntries[name] = append(cfg.listEntries[name], node.Args[2:]...)
		default:
			return config.NodeErr(node, "unknown list source: %s", node.Args[1])
		}
		return nil
	})

	m.Callback("spf", func(m *config.Map, node config.Node) error {
		sub := config.NewMap(nil, node)
		sub.Bool("permerror_on_syntax", false, false, &cfg.spfPermErrorOnSyntax)
		sub.Enum("all_default", false, false, []string{"neutral", "rfc"}, "neutral", &cfg.spfAllDefault)
		sub.Callback("guess", func(m *config.Map, gnode config.Node) error {
			if len(gnode.Args) != 2 {
				return config.NodeErr(gnode, "expected 'guess <domain> <record>'")
			}
			cfg.guesses[gnode.Args[0]] = gnode.Args[1]
			return nil
		})
		_, err := sub.Process()
		return err
	})

	m.Callback("defer", func(m *config.Map, node config.Node) error {
		sub := config.NewMap(nil, node)
		classes := map[string]deferral.Class{
			"softfail": deferral.ClassSoftFail,
			"grey":     deferral.ClassGrey,
			"black":    deferral.ClassBlack,
			"flood":    deferral.ClassFlood,
		}
		stores := map[string]*time.Duration{}
		for name, class := range classes {
			d := new(time.Duration)
			stores[name] = d
			sub.Duration(name, false, false, deferral.DefaultTTL(class), d)
		}
		if _, err := sub.Process(); err != nil {
			return err
		}
		for name, class := range classes {
			cfg.deferTTL[class] = *stores[name]
		}
		return nil
	})

	if _, err := m.Process(); err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(ticketKey)
	if err != nil {
		return nil, fmt.Errorf("ticket_key: not valid base64: %w", err)
	}
	cfg.ticketKey = key

	return cfg, nil
}

func run(cfg *daemonCfg, logger log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := dnsutil.NewCaching(dnsutil.DefaultResolver())

	codec, err := ticket.NewCodec(cfg.ticketKey)
	if err != nil {
		return err
	}

	whoisClient, err := whois.New(logger.Sublogger("whois"))
	if err != nil {
		return err
	}

	policyLists := lists.New()
	policyLists.Resolver = resolver
	policyLists.Whois = whoisClient
	var sources []*lists.FileSource
	named := policyLists.Named()
	for name, entries := range cfg.listEntries {
		list, ok := named[name]
		if !ok {
			return fmt.Errorf("unknown list name: %s", name)
		}
		for _, e := range entries {
			list.Add(e)
		}
	}
	for name, paths := range cfg.listFiles {
		list, ok := named[name]
		if !ok {
			return fmt.Errorf("unknown list name: %s", name)
		}
		for _, path := range paths {
			src := lists.NewFileSource(path, list, logger.Sublogger("lists"))
			if err := src.Load(); err != nil {
				return err
			}
			src.Start()
			sources = append(sources, src)
		}
	}
	hooks.AddHook(hooks.EventReload, func() {
		for _, src := range sources {
			src.ForceReload()
		}
	})

	guesses := spf.NewGuessOverrides()
	for domain, record := range cfg.guesses {
		guesses.Set(domain, record)
	}

	registry := spf.NewRegistry(resolver, guesses, logger.Sublogger("spf"))
	evaluator := spf.NewEvaluator(registry, resolver)
	evaluator.PermErrorOnSyntax = cfg.spfPermErrorOnSyntax
	if cfg.spfAllDefault == "rfc" {
		evaluator.DefaultAllQualifier = spf.QualifierPass
	}

	repStore := reputation.New()
	complaintLedger := ledger.New()
	confirmCache := token.NewConfirmCache()

	deferCtl := deferral.New()
	for class, ttl := range cfg.deferTTL {
		deferCtl.SetTTL(class, ttl)
	}

	pusher := gossip.NewPusher(logger.Sublogger("gossip"))
	for _, peer := range cfg.peers {
		if err := pusher.AddPeer(peer); err != nil {
			logger.Error("cannot dial peer", err, "peer", peer.Addr)
		}
	}
	repStore.Notifier = pusher

	pipelineCfg := decision.DefaultConfig()
	pipelineCfg.ReverseRequired = cfg.reverseRequired
	pipelineCfg.FloodMaxRetry = cfg.floodMaxRetry
	if cfg.releaseURL != "" {
		pipelineCfg.ReleaseURLBase = cfg.releaseURL
	}

	analysis := persist.NewAnalysis(filepath.Join(cfg.stateDir, "data"), logger.Sublogger("analysis"))
	defer analysis.Close()

	pipeline := &decision.Pipeline{
		Config:       pipelineCfg,
		Resolver:     resolver,
		SPFRegistry:  registry,
		SPFEval:      evaluator,
		Lists:        policyLists,
		Reputation:   repStore,
		Ledger:       complaintLedger,
		Ticket:       codec,
		Deferral:     deferCtl,
		ConfirmCache: confirmCache,
		Analysis:     analysis,
		Log:          logger.Sublogger("decision"),
	}

	frontend := dnsfrontend.New(cfg.zones, policyLists, repStore, logger.Sublogger("dnslist"))
	frontend.Cap = limits.ConnCap{MaxActive: cfg.maxConns}

	persistEngine := &persist.Engine{
		Dir:        cfg.stateDir,
		Log:        logger.Sublogger("persist"),
		SPF:        registry,
		Guesses:    guesses,
		Reputation: repStore,
		Ledger:     complaintLedger,
		Confirm:    confirmCache,
		Lists:      policyLists,
		Abuse:      frontend.Abuse(),
	}
	if err := persistEngine.Load(); err != nil {
		return err
	}
	persistStop := make(chan struct{})
	go persistEngine.Loop(persistStop)
	hooks.AddHook(hooks.EventShutdown, func() {
		close(persistStop)
		// The loop's own final flush races process exit; write the
		// snapshots synchronously so shutdown never loses state.
		persistEngine.SaveAll()
	})

	stop := make(chan struct{})
	go repStore.ReapLoop(time.Hour, stop)
	go complaintLedger.ReapLoop(time.Hour, stop)
	go deferCtl.ReapLoop(time.Hour, stop)
	go registry.RefreshLoop(ctx, time.Minute)
	hooks.AddHook(hooks.EventShutdown, func() { close(stop) })

	errCh := make(chan error, 8)

	textSrv := &textproto.Server{
		Pipeline: pipeline,
		Ledger:   complaintLedger,
		Ticket:   codec,
		Log:      logger.Sublogger("textproto"),
		Cap:      limits.ConnCap{MaxActive: cfg.maxConns},
	}
	go func() { errCh <- textSrv.ListenAndServe(ctx, cfg.textprotoAddr) }()

	policySrv := &policyserver.Server{
		Pipeline: pipeline,
		Log:      logger.Sublogger("policy"),
		Cap:      limits.ConnCap{MaxActive: cfg.maxConns},
	}
	go func() { errCh <- policySrv.ListenAndServe(ctx, cfg.policyAddr) }()

	if cfg.dnslistAddr != "" {
		for _, srv := range frontend.Servers(cfg.dnslistAddr) {
			srv := srv
			go func() { errCh <- srv.ListenAndServe() }()
			hooks.AddHook(hooks.EventShutdown, func() { _ = srv.Shutdown() })
		}
	}

	if cfg.gossipAddr != "" {
		conn, err := net.ListenPacket("udp", cfg.gossipAddr)
		if err != nil {
			return err
		}
		receiver := gossip.NewReceiver(repStore, logger.Sublogger("gossip"))
		go func() { errCh <- receiver.Serve(conn) }()
		hooks.AddHook(hooks.EventShutdown, func() { _ = conn.Close() })
	}

	if cfg.metricsAddr != "" {
		go func() { errCh <- metrics.Serve(ctx, cfg.metricsAddr) }()
	}

	logger.Msg("daemon started", "textproto", cfg.textprotoAddr, "policy", cfg.policyAddr)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				logger.Msg("reloading secondary files")
				hooks.RunHooks(hooks.EventReload)
				continue
			}
			logger.Msg("shutting down", "signal", s.String())
			cancel()
			hooks.RunHooks(hooks.EventShutdown)
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				cancel()
				hooks.RunHooks(hooks.EventShutdown)
				return err
			}
		}
	}
}
