package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/knx-iot/gateway/internal/admin"
	"github.com/knx-iot/gateway/internal/audit"
	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/config"
	"github.com/knx-iot/gateway/internal/db"
	"github.com/knx-iot/gateway/internal/knx/gm"
	"github.com/knx-iot/gateway/internal/knx/lsm"
	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/oscore"
	"github.com/knx-iot/gateway/internal/oscore/replay"
	"github.com/knx-iot/gateway/internal/ri"
	"github.com/knx-iot/gateway/internal/ri/devres"
	"github.com/knx-iot/gateway/internal/ri/discovery"
	"github.com/knx-iot/gateway/internal/sched"
	"github.com/knx-iot/gateway/internal/storage"
	"github.com/knx-iot/gateway/internal/storage/compressed"
	"github.com/knx-iot/gateway/internal/storage/memfile"
	"github.com/knx-iot/gateway/internal/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: gatewayd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the KNX-IoT message-plane gateway")
	fmt.Println("  migrate   Run database migrations (postgres storage backend only)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// openStorage builds the configured persistence backend, wrapping it
// in the zstd-compressing decorator when a compress threshold is set.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	var backend storage.Store
	var err error

	switch cfg.Backend {
	case "postgres":
		backend, err = postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	default:
		backend, err = memfile.Open(cfg.MemFile.Path)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CompressThresholdBytes > 0 {
		return compressed.New(backend, cfg.CompressThresholdBytes, cfg.Backend), nil
	}
	return backend, nil
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting gatewayd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("udp_listen", cfg.Network.UDPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to open storage backend", zap.Error(err))
	}
	defer store.Close()

	auditPub, err := audit.New(cfg.Audit, logger.Named("audit"))
	if err != nil {
		logger.Fatal("failed to create audit publisher", zap.Error(err))
	}
	defer auditPub.Close()

	// --- Device identity and resource tree ---
	props := &devres.DeviceProperties{
		SerialNumber:    cfg.Service.InstanceID,
		HardwareVersion: []int{1, 0, 0},
		FirmwareVersion: []int{1, 0, 0},
		HardwareType:    "gateway",
		Model:           "knx-iot-gateway",
	}

	router := ri.NewRouter(nil)

	lsmMgr := lsm.NewManager(store, 0, props)
	if err := lsmMgr.Load(ctx); err != nil {
		logger.Fatal("failed to load load-state manager", zap.Error(err))
	}

	gmMgr := gm.NewManager(store, lsmMgr, router, 0, props.IID)
	if err := gmMgr.Load(ctx); err != nil {
		logger.Fatal("failed to load group object / recipient / publisher tables", zap.Error(err))
	}
	gmMgr.SetOwnIA(int(props.IA))
	lsmMgr.SetTableResetter(gmMgr)

	devres.Register(router, props)
	lsmMgr.Register(router)
	gmMgr.Register(router)
	registerDiscovery(router, props, gmMgr)

	// --- Security and transport ---
	replayPool := replay.New(cfg.Security.ReplayPoolSize, cfg.Security.RPLWDO)
	oscoreMgr := oscore.NewManager(replayPool)
	engine := coap.NewEngine(oscoreMgr, router, cfg.FreshnessWindow(), logger.Named("coap"))

	pool := buffer.New("inbound", cfg.Pool.Capacity, cfg.Pool.Dynamic, cfg.Network.MaxPDUSize)
	scheduler := sched.New(logger.Named("sched"), cfg.Pool.Capacity*4)

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Network.UDPListen)
	if err != nil {
		logger.Fatal("failed to resolve udp_listen", zap.Error(err))
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Fatal("failed to bind udp listener", zap.Error(err))
	}
	defer conn.Close()
	udpPort := udpAddr.Port

	registerInboundStages(scheduler, engine, conn, logger)
	registerOutboundStages(scheduler, engine, conn, logger)

	// --- Admin surface ---
	adminSrv := admin.NewServer(cfg.Admin.HTTPListen, scheduler, store, logger.Named("admin"))
	if err := adminSrv.Start(); err != nil {
		logger.Fatal("failed to start admin server", zap.Error(err))
	}

	go scheduler.Run(ctx)
	go readUDPLoop(ctx, conn, pool, scheduler, cfg.Network.MaxPDUSize, logger)

	multicastConns := joinGroupMulticast(ctx, gmMgr, props.IID, udpPort, pool, scheduler, cfg.Network.MaxPDUSize, logger)
	defer closeAll(multicastConns)

	scrubID := scheduler.Schedule(5*time.Second, func() sched.CallbackResult {
		engine.Blockwise.Scrub(false)
		engine.EchoCache.ScrubExpired(time.Now())
		return sched.Continue
	})
	defer scheduler.Cancel(scrubID)

	for _, send := range gmMgr.StartupReads() {
		postOutboundSend(pool, scheduler, engine, cfg.Network.MaxPDUSize, udpPort, send, logger)
	}

	logger.Info("gatewayd serving", zap.Int("device_index", 0))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}
	conn.Close()
	cancel()

	logger.Info("gatewayd stopped")
}

// readUDPLoop allocates a buffer for each inbound datagram and posts it
// to the scheduler as an InboundNetwork event. A full scheduler queue
// drops the datagram rather than blocking the read loop.
func readUDPLoop(ctx context.Context, conn *net.UDPConn, pool *buffer.Pool, scheduler *sched.Scheduler, maxPDU int, logger *zap.Logger) {
	for {
		msg, err := pool.Allocate(maxPDU)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dropping datagram: buffer pool exhausted", zap.Error(err))
			time.Sleep(time.Millisecond)
			continue
		}

		n, remote, err := conn.ReadFromUDPAddrPort(msg.Data)
		if err != nil {
			msg.Unref()
			if ctx.Err() != nil {
				return
			}
			logger.Debug("udp read error", zap.Error(err))
			continue
		}

		msg.Length = n
		msg.Endpoint.Remote = remote
		if remote.Addr().Is4() {
			msg.Endpoint.Flags |= buffer.FlagIPv4
		} else {
			msg.Endpoint.Flags |= buffer.FlagIPv6
		}

		if err := scheduler.Post(sched.Event{Kind: sched.InboundNetwork, Message: msg}); err != nil {
			metrics.BuffersDroppedTotal.WithLabelValues("inbound", "queue_full").Inc()
			msg.Unref()
		}
	}
}

// inboundRequest carries the already-parsed request (and, for a secured
// request, its raw OSCORE option value) from the InboundNetwork stage to
// whichever of InboundOSCORE/InboundRI decides what happens next.
type inboundRequest struct {
	req       *coap.Message
	oscoreOpt []byte
}

// registerInboundStages wires the InboundNetwork/InboundOSCORE/InboundRI
// scheduler stages: InboundNetwork only parses, deduplicates and
// classifies; it hands a request to InboundOSCORE when it carries an
// OSCORE option, or straight to InboundRI otherwise, matching the
// original stack's message_buffer_handler dispatch (OSCORE-wrapped
// traffic detours through the OSCORE-in stage, everything else goes
// directly to the resource layer).
func registerInboundStages(scheduler *sched.Scheduler, engine *coap.Engine, conn *net.UDPConn, logger *zap.Logger) {
	scheduler.On(sched.InboundNetwork, func(_ context.Context, ev sched.Event) {
		req, isResponse, ok := engine.Classify(ev.Message)
		if !ok {
			ev.Message.Unref()
			return
		}
		if isResponse {
			defer ev.Message.Unref()
			writeResponse(conn, engine.HandleResponse(req), ev.Message.Endpoint, logger)
			return
		}

		if oscoreOpt := req.FindOption(coap.OptionOSCORE); oscoreOpt != nil {
			if err := scheduler.Post(sched.Event{Kind: sched.InboundOSCORE, Message: ev.Message, Data: inboundRequest{req: req, oscoreOpt: oscoreOpt.Value}}); err != nil {
				metrics.BuffersDroppedTotal.WithLabelValues("inbound", "queue_full").Inc()
				ev.Message.Unref()
			}
			return
		}
		if err := scheduler.Post(sched.Event{Kind: sched.InboundRI, Message: ev.Message, Data: inboundRequest{req: req}}); err != nil {
			metrics.BuffersDroppedTotal.WithLabelValues("inbound", "queue_full").Inc()
			ev.Message.Unref()
		}
	})

	scheduler.On(sched.InboundOSCORE, func(_ context.Context, ev sched.Event) {
		defer ev.Message.Unref()
		ir := ev.Data.(inboundRequest)
		inner, reply := engine.DecryptSecured(ir.req, ev.Message.Endpoint, ir.oscoreOpt)
		if inner == nil {
			writeResponse(conn, reply, ev.Message.Endpoint, logger)
			return
		}
		writeResponse(conn, engine.Dispatch(inner, ev.Message.Endpoint), ev.Message.Endpoint, logger)
	})

	scheduler.On(sched.InboundRI, func(_ context.Context, ev sched.Event) {
		defer ev.Message.Unref()
		ir := ev.Data.(inboundRequest)
		writeResponse(conn, engine.Dispatch(ir.req, ev.Message.Endpoint), ev.Message.Endpoint, logger)
	})
}

func writeResponse(conn *net.UDPConn, resp *coap.Message, ep buffer.Endpoint, logger *zap.Logger) {
	if resp == nil {
		return
	}
	raw, err := coap.Marshal(resp)
	if err != nil {
		logger.Error("failed to marshal outbound response", zap.Error(err))
		return
	}
	if _, err := conn.WriteToUDPAddrPort(raw, ep.Remote); err != nil {
		logger.Error("failed to write outbound response", zap.Error(err))
	}
}

// outboundTarget carries per-send routing and security context from
// postOutboundSend through to whichever outbound scheduler stage
// performs the encryption (if any) and the actual write.
type outboundTarget struct {
	addr     netip.AddrPort
	senderID []byte
	groupID  []byte
}

// registerOutboundStages wires the OutboundNetwork/OutboundNetworkEncrypted/
// OutboundOSCORE/OutboundGroupOSCORE stages: the first two just write an
// already-final buffer, the latter two additionally protect it under a
// unicast or group OSCORE context first.
func registerOutboundStages(scheduler *sched.Scheduler, engine *coap.Engine, conn *net.UDPConn, logger *zap.Logger) {
	write := func(ev sched.Event) {
		defer ev.Message.Unref()
		target := ev.Data.(outboundTarget)
		if _, err := conn.WriteToUDPAddrPort(ev.Message.Data[:ev.Message.Length], target.addr); err != nil {
			logger.Error("failed to write outbound datagram", zap.Error(err))
		}
	}

	scheduler.On(sched.OutboundNetwork, func(_ context.Context, ev sched.Event) { write(ev) })
	scheduler.On(sched.OutboundNetworkEncrypted, func(_ context.Context, ev sched.Event) { write(ev) })

	scheduler.On(sched.OutboundOSCORE, func(_ context.Context, ev sched.Event) {
		target := ev.Data.(outboundTarget)
		if err := engine.EncryptOutboundBuffer(ev.Message, target.senderID); err != nil {
			logger.Error("failed to encrypt outbound s-mode message", zap.Error(err))
			ev.Message.Unref()
			return
		}
		write(sched.Event{Kind: sched.OutboundNetworkEncrypted, Message: ev.Message, Data: target})
	})

	scheduler.On(sched.OutboundGroupOSCORE, func(_ context.Context, ev sched.Event) {
		target := ev.Data.(outboundTarget)
		if err := engine.EncryptGroupOutboundBuffer(ev.Message, target.groupID); err != nil {
			logger.Error("failed to group-encrypt outbound s-mode message", zap.Error(err))
			ev.Message.Unref()
			return
		}
		write(sched.Event{Kind: sched.OutboundNetworkEncrypted, Message: ev.Message, Data: target})
	})
}

// postOutboundSend turns one gm.OutboundSend into a plaintext CoAP
// request and posts it to the outbound stage that matches its routing:
// group-encrypted multicast, unicast-encrypted, or (no security context
// provisioned yet) a bare unicast send. An individual-address-only
// recipient with no URL is logged and dropped: resolving an IA to a
// reachable endpoint needs an address-resolution/routing-backbone
// directory this gateway does not implement.
func postOutboundSend(pool *buffer.Pool, scheduler *sched.Scheduler, engine *coap.Engine, maxPDU, udpPort int, send gm.OutboundSend, logger *zap.Logger) {
	var target outboundTarget
	var kind sched.EventKind
	var path string

	switch {
	case send.Multicast.IsValid():
		target.addr = netip.AddrPortFrom(send.Multicast, uint16(udpPort))
		target.groupID = gm.GroupIDForGA(send.GA)
		kind = sched.OutboundGroupOSCORE
		path = "/a/sen"
	case send.URL != "":
		addr, err := resolveUnicastURL(send.URL, udpPort)
		if err != nil {
			logger.Warn("dropping outbound s-mode send: unresolvable url", zap.String("url", send.URL), zap.Error(err))
			return
		}
		target.addr = addr
		path = "/a/sen"
		if len(send.SenderID) > 0 {
			target.senderID = send.SenderID
			kind = sched.OutboundOSCORE
		} else {
			kind = sched.OutboundNetwork
		}
	default:
		metrics.BuffersDroppedTotal.WithLabelValues("outbound", "no_route").Inc()
		logger.Debug("dropping outbound s-mode send: no url for individual-address-only recipient", zap.Int("ia", send.IA))
		return
	}

	typ := coap.TypeNonConfirmable
	if kind == sched.OutboundOSCORE {
		typ = coap.TypeConfirmable
	}
	inner := engine.NewOutboundRequest(typ, path, send.Payload)
	raw, err := coap.Marshal(inner)
	if err != nil {
		logger.Error("failed to marshal outbound s-mode request", zap.Error(err))
		return
	}

	buf, err := pool.Allocate(maxPDU)
	if err != nil {
		logger.Warn("dropping outbound s-mode send: buffer pool exhausted", zap.Error(err))
		return
	}
	copy(buf.Data, raw)
	buf.Length = len(raw)

	if err := scheduler.Post(sched.Event{Kind: kind, Message: buf, Data: target}); err != nil {
		metrics.BuffersDroppedTotal.WithLabelValues("outbound", "queue_full").Inc()
		buf.Unref()
	}
}

// resolveUnicastURL parses a Publisher Table entry's coap://host[:port]/path
// URL and resolves it to a UDP address, defaulting to udpPort when the
// URL names none.
func resolveUnicastURL(rawURL string, udpPort int) (netip.AddrPort, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = fmt.Sprintf("%d", udpPort)
	}
	resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolving host: %w", err)
	}
	addr, ok := netip.AddrFromSlice(resolved.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("invalid resolved address %v", resolved.IP)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(resolved.Port)), nil
}

// joinGroupMulticast joins the two scoped multicast addresses (link-local
// and site-local) for every group address this device subscribes to via
// its Group Object Table, and starts a read loop on each that feeds
// received datagrams into the same InboundNetwork stage as the unicast
// listener.
func joinGroupMulticast(ctx context.Context, gmMgr *gm.Manager, iid uint64, udpPort int, pool *buffer.Pool, scheduler *sched.Scheduler, maxPDU int, logger *zap.Logger) []*net.UDPConn {
	var conns []*net.UDPConn
	for _, ga := range gmMgr.SubscribedGroupAddresses() {
		for _, scope := range []byte{gm.ScopeLinkLocal, gm.ScopeSiteLocal} {
			addr := gm.MulticastGroupAddress(iid, ga, scope)
			mconn, err := net.ListenMulticastUDP("udp6", nil, &net.UDPAddr{IP: net.IP(addr.AsSlice()), Port: udpPort})
			if err != nil {
				logger.Warn("failed to join group multicast address", zap.Uint32("ga", ga), zap.Uint8("scope", scope), zap.Error(err))
				continue
			}
			conns = append(conns, mconn)
			go readUDPLoop(ctx, mconn, pool, scheduler, maxPDU, logger)
			logger.Info("joined s-mode multicast group", zap.Uint32("ga", ga), zap.Uint8("scope", scope))
		}
	}
	return conns
}

func closeAll(conns []*net.UDPConn) {
	for _, c := range conns {
		c.Close()
	}
}

// registerDiscovery installs /.well-known/core, the only resource in
// the tree whose GET handler renders other resources rather than its
// own state.
func registerDiscovery(router *ri.Router, props *devres.DeviceProperties, lister discovery.GroupPointLister) {
	router.Register(&ri.Resource{
		URI: "/.well-known/core", Public: true, ContentType: 40, // application/link-format
		GET: func(req *coap.Message, _ ri.InterfaceMask) *coap.Message {
			query := queryString(req)
			var body string
			if query == "" {
				body = discovery.RenderSerialNumber(discovery.DeviceInfo{
					SerialNumber: props.SerialNumber, IID: props.IID, IA: props.IA,
				})
			} else {
				body = discovery.Render(router, discovery.ParseQuery(query), "/.well-known/core", lister)
			}
			resp := &coap.Message{
				Type: coap.TypeAcknowledgement, Code: coap.CodeContent,
				MessageID: req.MessageID, Token: req.Token, Payload: []byte(body),
			}
			resp.AddOption(coap.OptionContentFormat, []byte{40})
			return resp
		},
	})
}

func queryString(req *coap.Message) string {
	var parts []string
	for _, opt := range req.AllOptions(coap.OptionURIQuery) {
		parts = append(parts, string(opt.Value))
	}
	return strings.Join(parts, "&")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Storage.Backend != "postgres" {
		logger.Info("storage backend is not postgres, nothing to migrate", zap.String("backend", cfg.Storage.Backend))
		return
	}

	logger.Info("running migrations")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MaxConns, cfg.Storage.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}
