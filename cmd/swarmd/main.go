// Command swarmd is a minimal demonstration binary wiring the connection
// core's concrete stack end to end: the in-memory transport, the
// noiselike/plainmux upgrade tower, the pool and the swarm driver, fronted
// by a tiny cli.v1 app in the teacher's command/flag style.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/urfave/cli.v1"

	"github.com/nodecore/swarmcore/executor"
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/pool"
	"github.com/nodecore/swarmcore/swarm"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/transport/memory"
	"github.com/nodecore/swarmcore/upgrade"
	"github.com/nodecore/swarmcore/upgrade/noiselike"
	"github.com/nodecore/swarmcore/upgrade/plainmux"
)

var (
	ListenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "address to listen on, e.g. /memory/42",
		Value: "/memory/1",
	}
	DialFlag = cli.StringFlag{
		Name:  "dial",
		Usage: "address of a peer to dial on startup, e.g. /memory/42",
	}
	MaxEstablishedFlag = cli.IntFlag{
		Name:  "max-established-per-peer",
		Usage: "reject additional established connections to the same peer beyond this count (0 = unlimited)",
	}
	DialConcurrencyFlag = cli.IntFlag{
		Name:  "dial-concurrency",
		Usage: "maximum number of outbound dials in flight at once",
		Value: 16,
	}
	LogLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "panic, fatal, error, warn, info, debug or trace",
		Value: "info",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "swarmd"
	app.Usage = "run a single connection-core node over the in-memory transport"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{ListenFlag, DialFlag, MaxEstablishedFlag, DialConcurrencyFlag, LogLevelFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// echoHandler is the demo's only application protocol: it logs every
// inbound command and never opens substreams of its own.
type echoHandler struct {
	log  *logrus.Entry
	self peer.ID
}

func (h *echoHandler) ListenProtocol() []string                                    { return []string{"/swarmd/echo/1.0.0"} }
func (h *echoHandler) InjectFullyNegotiatedInbound(handler.Substream)               {}
func (h *echoHandler) InjectFullyNegotiatedOutbound(handler.Substream, interface{}) {}
func (h *echoHandler) InjectEvent(ev string)                                       { h.log.WithField("event", ev).Info("handler received command") }
func (h *echoHandler) InjectDialUpgradeError(interface{}, error)                    {}
func (h *echoHandler) InjectListenUpgradeError(error)                              {}
func (h *echoHandler) ConnectionKeepAlive() handler.KeepAlive {
	return handler.KeepAlive{Kind: handler.KeepAliveYes}
}
func (h *echoHandler) Poll() handler.PollResult[string] {
	return handler.PollResult[string]{Kind: handler.PollNone}
}

type echoFactory struct {
	log *logrus.Entry
}

func (f *echoFactory) IntoHandler(info interface{}) handler.Handler[string, string] {
	connected, _ := info.(peer.Connected)
	return &echoHandler{log: f.log.WithField("peer", connected.Peer.String()), self: connected.Peer}
}

// noopBehaviour only ever issues the single DialAddress action given to it
// at construction, then falls silent; a real application would implement
// identify/Kademlia/gossipsub atop the same Behaviour seam.
type noopBehaviour struct {
	pending []swarm.Action[string, string]
}

func (b *noopBehaviour) PollAction() (swarm.Action[string, string], bool) {
	if len(b.pending) == 0 {
		return swarm.Action[string, string]{}, false
	}
	a := b.pending[0]
	b.pending = b.pending[1:]
	return a, true
}
func (b *noopBehaviour) AddressesOf(peer.ID) []transport.Multiaddr { return nil }
func (b *noopBehaviour) NewExternalAddr(transport.Multiaddr)       {}

func run(c *cli.Context) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.String(LogLevelFlag.Name))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	entry := logrus.NewEntry(log)

	selfKey, err := noiselike.GenerateKeypair()
	if err != nil {
		return err
	}

	net := memory.NewNetwork()
	t := memory.New(net)

	listenAddr := transport.Multiaddr(c.String(ListenFlag.Name))
	listener, boundAddr, err := t.ListenOn(listenAddr)
	if err != nil {
		return err
	}
	entry.WithField("addr", boundAddr).Info("listening")

	mgr := manager.New[string, string](executor.Goroutine{}, entry)
	limits := pool.Limits{MaxEstablishedPerPeer: c.Int(MaxEstablishedFlag.Name)}
	// Same derivation noiselike applies to a remote's static key, so the
	// pool's self-connection check sees the id peers observe for us.
	selfSum := blake2b.Sum256(selfKey.Public[:])
	p := pool.New[string, string](mgr, peer.Bytes2ID(selfSum[:]), limits, entry)

	factory := &echoFactory{log: entry}
	tower := upgrade.NewTower(noiselike.New(selfKey), plainmux.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go acceptLoop(ctx, listener, tower, p, factory, entry)

	behaviour := &noopBehaviour{}
	if dial := c.String(DialFlag.Name); dial != "" {
		behaviour.pending = append(behaviour.pending, swarm.Action[string, string]{
			Kind:     swarm.ActionDialAddress,
			DialAddr: transport.Multiaddr(dial),
		})
	}

	driver := swarm.New[string, string](p, t, tower, factory, behaviour, swarm.Config{
		DialConcurrency: c.Int(DialConcurrencyFlag.Name),
	}, entry)
	driver.RegisterListenAddr(boundAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	for {
		ev, ok := driver.Poll(ctx)
		if !ok {
			return nil
		}
		logDriverEvent(entry, ev)
	}
}

func acceptLoop(
	ctx context.Context,
	listener transport.Listener,
	tower *upgrade.Tower,
	p *pool.Pool[string, string],
	factory handler.IntoHandler[string, string],
	log *logrus.Entry,
) {
	for {
		raw, remoteAddr, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("accept failed")
			}
			return
		}
		dial := func(context.Context) (transport.Output, error) { return raw, nil }
		endpoint := peer.NewListenerEndpoint(string(listener.Addr()), string(remoteAddr))
		if _, poolErr := p.AddIncoming(ctx, dial, tower, endpoint, factory, nil); poolErr != nil {
			log.WithError(poolErr).Warn("inbound connection rejected at admission")
			_ = raw.Close()
		}
	}
}

func logDriverEvent(log *logrus.Entry, ev swarm.Event[string, string]) {
	switch ev.Kind {
	case swarm.EvConnectionEstablished:
		log.WithField("conn_id", ev.ConnID).WithField("peer", ev.Connected.Peer.String()).
			WithField("num_established", ev.NumEstablished).Info("connection established")
	case swarm.EvConnectionError:
		log.WithField("conn_id", ev.ConnID).WithError(ev.Err).Warn("connection closed")
	case swarm.EvPendingConnectionError:
		log.WithField("conn_id", ev.ConnID).WithError(ev.Err).Warn("pending connection failed")
	case swarm.EvConnectionLimitReached:
		log.WithField("conn_id", ev.ConnID).WithField("peer", ev.Connected.Peer.String()).Warn("connection limit reached")
	case swarm.EvConnectionEvent:
		log.WithField("conn_id", ev.ConnID).WithField("custom", ev.Custom).Info("connection event")
	case swarm.EvNewExternalAddr:
		log.WithField("addr", ev.Addr).Info("new external address")
	case swarm.EvGenerated:
		log.WithField("event", ev.Generated).Info("behaviour generated event")
	}
}
