// cmd/ckpool is the mining pool daemon entrypoint: the CLI named in
// spec.md §6, re-exec'd once per role (generator/stratifier/connector)
// by internal/orchestrator.Supervisor, with the role-less invocation
// acting as the listener/supervisor/watchdog process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/ckpool-go/ckpool/internal/accounting"
	"github.com/ckpool-go/ckpool/internal/adminapi"
	"github.com/ckpool-go/ckpool/internal/blockchain"
	"github.com/ckpool-go/ckpool/internal/config"
	"github.com/ckpool-go/ckpool/internal/fabric"
	"github.com/ckpool-go/ckpool/internal/orchestrator"
	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/share"
	"github.com/ckpool-go/ckpool/internal/stats"
	"github.com/ckpool-go/ckpool/internal/storage"
	"github.com/ckpool-go/ckpool/internal/stratum"
	"github.com/ckpool-go/ckpool/internal/txcache"
	"github.com/ckpool-go/ckpool/internal/workbase"
	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Orchestrator)

var (
	configFlag = cli.StringFlag{Name: "c", Usage: "configuration file path", Value: "ckpool.conf"}
	daemonFlag = cli.BoolFlag{Name: "D", Usage: "daemonise"}
	groupFlag  = cli.StringFlag{Name: "g", Usage: "run as group"}
	handoverFlag = cli.BoolFlag{Name: "H", Usage: "request listener handover from a running instance"}
	killoldFlag  = cli.BoolFlag{Name: "k", Usage: "kill old instance found via pid file"}
	logSharesFlag = cli.BoolFlag{Name: "L", Usage: "log accepted shares"}
	logLevelFlag  = cli.IntFlag{Name: "l", Usage: "log level 0-7", Value: 6}
	nameFlag      = cli.StringFlag{Name: "n", Usage: "instance name", Value: "ckpool"}
	passthroughFlag = cli.BoolFlag{Name: "P", Usage: "run as a passthrough"}
	proxyFlag       = cli.BoolFlag{Name: "p", Usage: "run as a proxy"}
	standaloneFlag  = cli.BoolFlag{Name: "A", Usage: "standalone, no accounting sink"}
	ckdbNameFlag    = cli.StringFlag{Name: "d", Usage: "ckdb name"}
	ckdbSockdirFlag = cli.StringFlag{Name: "S", Usage: "ckdb socket directory"}
	sockdirFlag     = cli.StringFlag{Name: "s", Usage: "socket directory", Value: "/tmp/ckpool"}

	// roleFlag is not part of the documented CLI: internal/orchestrator.Supervisor
	// sets it on re-exec'd children to select generator/stratifier/connector.
	roleFlag = cli.StringFlag{Name: "role", Hidden: true}
)

func main() {
	app := cli.NewApp()
	app.Name = "ckpool"
	app.Usage = "Stratum mining pool server"
	app.Flags = []cli.Flag{
		configFlag, daemonFlag, groupFlag, handoverFlag, killoldFlag,
		logSharesFlag, logLevelFlag, nameFlag, passthroughFlag, proxyFlag,
		standaloneFlag, ckdbNameFlag, ckdbSockdirFlag, sockdirFlag, roleFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log.SetLevel(log.Lvl(ctx.Int(logLevelFlag.Name)))

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("ckpool: %w", err)
	}

	name := ctx.String(nameFlag.Name)
	sockdir := filepath.Join(ctx.String(sockdirFlag.Name), name)
	if err := os.MkdirAll(sockdir, 0750); err != nil {
		return fmt.Errorf("ckpool: create sockdir: %w", err)
	}

	if role := ctx.String(roleFlag.Name); role != "" {
		return runChild(ctx, cfg, sockdir, orchestrator.Role(role))
	}
	return runMain(ctx, cfg, sockdir, name)
}

// runMain is the role-less invocation: listener/supervisor/watchdog
// (spec.md §4.5 "main" process). It acquires the exclusion pid file,
// optionally requests a listener handover from a running instance, spawns
// the three worker roles, and blocks until signalled.
func runMain(cliCtx *cli.Context, cfg *config.Config, sockdir, name string) error {
	pidPath := filepath.Join(sockdir, "ckpool.pid")
	pf := orchestrator.NewPIDFile(pidPath)
	if err := pf.Acquire(cliCtx.Bool(killoldFlag.Name)); err != nil {
		return fmt.Errorf("ckpool: %w", err)
	}
	defer pf.Release()

	if cliCtx.Bool(handoverFlag.Name) {
		handoverSock := filepath.Join(sockdir, "handover")
		if l, err := orchestrator.RequestHandover(handoverSock); err != nil {
			logger.Warn("handover request failed, continuing with fresh listeners", "err", err)
		} else {
			logger.Info("received listener from predecessor instance")
			l.Close()
		}
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("ckpool: resolve own binary: %w", err)
	}
	extraArgs := os.Args[1:]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := orchestrator.NewSupervisor(binary, extraArgs, func(role orchestrator.Role, err error) {
		logger.Error("child exited, restart not yet attempted", "role", role, "err", err)
	})

	roles := []orchestrator.Role{orchestrator.RoleGenerator, orchestrator.RoleStratifier, orchestrator.RoleConnector}
	for _, r := range roles {
		if err := sup.Spawn(ctx, r); err != nil {
			return fmt.Errorf("ckpool: %w", err)
		}
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("received shutdown signal", "signal", sig)

	sup.StopAll()
	return nil
}

func runChild(cliCtx *cli.Context, cfg *config.Config, sockdir string, role orchestrator.Role) error {
	pidPath := filepath.Join(sockdir, string(role)+".pid")
	pf := orchestrator.NewPIDFile(pidPath)
	if err := pf.Acquire(true); err != nil {
		return fmt.Errorf("ckpool: %s: %w", role, err)
	}
	defer pf.Release()

	switch role {
	case orchestrator.RoleGenerator:
		return runGenerator(cliCtx, cfg, sockdir)
	case orchestrator.RoleStratifier:
		return runStratifier(cliCtx, cfg, sockdir)
	case orchestrator.RoleConnector:
		return runConnector(cliCtx, cfg, sockdir)
	default:
		return fmt.Errorf("ckpool: unknown role %q", role)
	}
}

// runGenerator owns the blockchain daemon clients and the workbase
// template regeneration loop (spec.md §4.1, §6 "generator").
func runGenerator(cliCtx *cli.Context, cfg *config.Config, sockdir string) error {
	if len(cfg.BTCD) == 0 {
		return fmt.Errorf("ckpool: generator: no btcd daemons configured")
	}
	d := cfg.BTCD[0]
	client := blockchain.New(blockchain.Config{URL: d.URL, Auth: d.Auth, Pass: d.Pass})

	sizes := config.DetectCacheSizes()
	txns := txcache.New(sizes.TxCacheBytes)

	wbCfg := workbase.Config{
		OperatorScript: []byte(cfg.BTCAddress),
		OperatorSig:    []byte(cfg.BTCSig),
		Enonce1Len:     cfg.Nonce1Length,
		Enonce2Len:     cfg.Nonce2Length,
		LogDir:         cfg.LogDir,
	}

	relaySock := filepath.Join(sockdir, "workbase-relay")
	fanout := newPeerFanout(relaySock)

	mgr := workbase.New(wbCfg, client, txns, nil, func(wb *workbase.Workbase) {
		fanout.Send(wb)
	}, nil, fanout.Ping)

	logger.Info("generator started", "btcd", d.URL, "blockpoll_ms", cfg.BlockPollMillis)
	pollInterval := time.Duration(cfg.BlockPollMillis) * time.Millisecond
	waitForSignal("generator", pollInterval, func() {
		ctx := context.Background()
		if _, err := mgr.Regenerate(ctx, workbase.PriorityNormal); err != nil {
			logger.Warn("regenerate failed", "err", err)
		}
	})
	return nil
}

// runStratifier owns session state, work dispatch, and accounting —
// the bulk of spec.md §3/§4.2-§4.4.
func runStratifier(cliCtx *cli.Context, cfg *config.Config, sockdir string) error {
	sizes := config.DetectCacheSizes()
	txns := txcache.New(sizes.TxCacheBytes)

	db, err := storage.Open(storage.Config{Type: storage.Badger, Dir: filepath.Join(cfg.LogDir, "db")})
	if err != nil {
		return fmt.Errorf("ckpool: open storage: %w", err)
	}
	defer db.Close()

	var resumeStore session.ResumeStore
	if cfg.ResumeRedisAddr != "" {
		resumeStore = storage.NewRedisResumeStore(cfg.ResumeRedisAddr, cfg.ResumeRedisDB)
		logger.Info("session resume table backed by redis", "addr", cfg.ResumeRedisAddr)
	} else {
		resumeStore = storage.NewResumeStore(db)
	}
	statsStore := storage.NewStatsStore(db)

	poolMode := !cliCtx.Bool(proxyFlag.Name) && !cliCtx.Bool(passthroughFlag.Name) && len(cfg.Proxy) == 0

	alloc := session.NewAllocator(seedFromPid(), cfg.Nonce1Length, nil)
	sessions := session.NewManager(alloc, resumeStore, blockchain.NewAddressValidator(), poolMode)

	dupes := share.NewDupeSet(sizes.DupeSetBytes)

	var serversMu sync.Mutex
	var servers []*stratum.Server
	broadcastAll := func(wb *workbase.Workbase, cleanJobs bool) {
		serversMu.Lock()
		defer serversMu.Unlock()
		for _, s := range servers {
			s.Broadcast(wb, cleanJobs)
		}
	}
	broadcastPing := func() {
		serversMu.Lock()
		defer serversMu.Unlock()
		for _, s := range servers {
			s.BroadcastShowMessage("upstream daemon unreachable, stand by for work")
		}
	}

	wbCfg := workbase.Config{
		OperatorScript: []byte(cfg.BTCAddress),
		OperatorSig:    []byte(cfg.BTCSig),
		Enonce1Len:     cfg.Nonce1Length,
		Enonce2Len:     cfg.Nonce2Length,
		LogDir:         cfg.LogDir,
	}
	wbs := workbase.New(wbCfg, nil, txns, func(wb *workbase.Workbase, cleanJobs bool) {
		broadcastAll(wb, cleanJobs)
	}, nil, nil, nil)
	wbs.SetDupePurge(dupes.PurgeOlderThan, dupes.PurgeWorkbase)

	relaySock := filepath.Join(sockdir, "workbase-relay")
	os.Remove(relaySock)
	relayListener, err := fabric.Listen(relaySock)
	if err != nil {
		return fmt.Errorf("ckpool: workbase relay listener: %w", err)
	}
	go serveWorkbaseRelay(relayListener, wbs, func(wb *workbase.Workbase) {
		broadcastAll(wb, true)
	}, broadcastPing)

	vd := session.VarDiffParams{
		PoolMinDiff: cfg.MinDiff,
		PoolMaxDiff: cfg.MaxDiff,
	}
	dispatcher := stratum.NewDispatcher(sessions, wbs, dupes, looksLikeAddress, vd, cfg.MinDiff, cfg.MaxDiff)

	ckdbSockdir := cliCtx.String(ckdbSockdirFlag.Name)
	if ckdbSockdir == "" {
		ckdbSockdir = sockdir
	}
	ckdbName := cliCtx.String(ckdbNameFlag.Name)
	if ckdbName == "" {
		ckdbName = "ckdb"
	}
	acctSock := filepath.Join(ckdbSockdir, ckdbName)
	bridge := accounting.NewBridge(acctSock, cliCtx.Bool(standaloneFlag.Name), func(hints []accounting.DiffchangeHint) {
		for _, h := range hints {
			sessions.SetWorkerMinDiffFloor(h.Worker, h.MinDiff)
		}
		logger.Info("applied diffchange hints to var-diff floor", "count", len(hints))
	})
	if err := bridge.Dial(); err != nil {
		logger.Warn("accounting sink unavailable, continuing in degraded mode", "err", err)
	}

	collector := stats.NewCollector(sessions, statsStore, wbs)
	stop := make(chan struct{})
	defer close(stop)
	go collector.Run(stop)

	mux := adminapi.Mux(collector, sessions)
	adminAddr := filepath.Join(sockdir, "admin.sock")
	os.Remove(adminAddr)
	adminListener, err := fabric.Listen(adminAddr)
	if err != nil {
		return fmt.Errorf("ckpool: admin listener: %w", err)
	}
	go func() {
		if err := http.Serve(adminListener, mux); err != nil {
			logger.Warn("admin listener stopped", "err", err)
		}
	}()

	// "listener" speaks the plain-text framed protocol ckpmsg sends
	// (spec.md §6), answered by the same ControlServer the gRPC control
	// plane would use, so the two front ends never diverge in behaviour.
	controlSrv := adminapi.NewControlServer(collector, &configReloader{path: cliCtx.String(configFlag.Name)})
	listenerAddr := filepath.Join(sockdir, "listener")
	os.Remove(listenerAddr)
	listenerSock, err := fabric.Listen(listenerAddr)
	if err != nil {
		return fmt.Errorf("ckpool: control listener: %w", err)
	}
	go serveControlSocket(listenerSock, controlSrv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each configured serverurl gets its own local stratum-relay socket,
	// mirroring serverIdx (spec.md §3 Client session "server_idx"); the
	// connector role owns the actual public TCP listener and forwards raw
	// bytes here (spec.md §4.5), rather than the stratifier binding the
	// public port directly.
	for idx := range cfg.ServerURL {
		sockPath := filepath.Join(sockdir, fmt.Sprintf("stratum-%d", idx))
		os.Remove(sockPath)
		l, err := fabric.Listen(sockPath)
		if err != nil {
			return fmt.Errorf("ckpool: stratum relay listener %d: %w", idx, err)
		}
		srv := stratum.NewServer(dispatcher, idx)
		serversMu.Lock()
		servers = append(servers, srv)
		serversMu.Unlock()
		go func(l net.Listener, s *stratum.Server) {
			if err := s.Serve(ctx, l); err != nil {
				logger.Error("stratum listener stopped", "socket", l.Addr(), "err", err)
			}
		}(l, srv)
	}

	logger.Info("stratifier started", "serverurls", cfg.ServerURL)
	waitForSignal("stratifier", 0, nil)
	return nil
}

// runConnector accepts client TCP connections on behalf of the stratifier
// and relays bytes verbatim over a local Unix socket, so a single
// stratifier process isn't directly exposed to the public-facing fd churn
// (spec.md §4.5 "connector").
func runConnector(cliCtx *cli.Context, cfg *config.Config, sockdir string) error {
	for idx, addr := range cfg.ServerURL {
		relayTarget := filepath.Join(sockdir, fmt.Sprintf("stratum-%d", idx))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("ckpool: connector listen %s: %w", addr, err)
		}
		go acceptAndRelay(l, relayTarget)
	}

	logger.Info("connector started", "listeners", cfg.ServerURL)
	waitForSignal("connector", 0, nil)
	return nil
}

func acceptAndRelay(l net.Listener, relayTarget string) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go relayOne(conn, relayTarget)
	}
}

func relayOne(client net.Conn, relayTarget string) {
	defer client.Close()
	upstream, err := fabric.Dial(relayTarget)
	if err != nil {
		logger.Warn("connector: relay dial failed", "err", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { copyAndSignal(upstream, client, done) }()
	go func() { copyAndSignal(client, upstream, done) }()
	<-done
}

func copyAndSignal(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}

// waitForSignal blocks until SIGINT/SIGTERM/SIGUSR1, invoking tick (if non-nil)
// immediately and then again every interval until then.
func waitForSignal(label string, interval time.Duration, tick func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	if tick == nil {
		sig := <-sigc
		logger.Info("shutting down", "role", label, "signal", sig)
		return
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigc:
			logger.Info("shutting down", "role", label, "signal", sig)
			return
		case <-ticker.C:
			tick()
		}
	}
}

func looksLikeAddress(account string) bool {
	return len(account) >= 26 && len(account) <= 35 && !strings.Contains(account, ".")
}

func seedFromPid() uint64 {
	return uint64(os.Getpid())<<32 | uint64(os.Getgid())
}

// configReloader satisfies adminapi.Reloader by confirming the config file
// still parses. It does not yet hot-swap the running dispatcher/workbase
// config (session state would need a coordinated rebuild); see DESIGN.md.
type configReloader struct {
	path string
}

func (r *configReloader) Reload() error {
	if _, err := config.Load(r.path); err != nil {
		return fmt.Errorf("reread config: %w", err)
	}
	logger.Info("config file re-read and validated; live config swap not yet implemented")
	return nil
}
