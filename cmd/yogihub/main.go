// Command yogihub is the hub process of spec.md §6/§9: it loads
// configuration, constructs one process.Process (Scheduler + root Node +
// Process/* observable terminals), optionally meshes with peer hubs over
// TCP, and serves the binary session protocol to external clients.
//
// Grounded on examples/word-count/wordcountctl/main.go's
// flags.NewParser-plus-mbp.Must startup shape, generalized from a
// subcommand CLI to config.Load's flat overlay, and on
// consumer/service.go's "construct once, thread through" object graph.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"go.yogi.dev/core/config"
	"go.yogi.dev/core/connection"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/logging"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/process"
	"go.yogi.dev/core/session"
	"go.yogi.dev/core/yerrors"
)

// schedulerSize is the default worker pool size for the hub's Scheduler.
// spec.md leaves the pool size unspecified beyond "bounded"; this is a
// concrete startup default, overridable by neither config nor flag since
// spec.md names no such knob.
const schedulerSize = 16

func main() {
	var cfg, err = config.Load([]string{"/etc/yogihub/*.json"}, os.Args[1:])
	config.Must(err, "failed to load configuration")

	var location, locErr = cfg.Location()
	config.Must(locErr, "bad yogi.location")

	var stdoutSink = buildSink("stdout", os.Stdout, cfg.Logging.Stdout)
	var yogiSink = buildSink("yogi", os.Stderr, cfg.Logging.Yogi)
	log.AddHook(stdoutSink)
	log.AddHook(yogiSink)
	log.SetOutput(nopWriter{}) // sinks own all formatting/output

	var reg = metrics.NewRegistry()
	var proc, procErr = process.New(reg, location, schedulerSize, stdoutSink, yogiSink)
	config.Must(procErr, "failed to construct process")
	log.AddHook(proc.LogHook())

	for _, component := range []string{"scheduler", "endpoint", "connection", "session"} {
		config.Must(proc.RegisterComponent(component), "failed to register component "+component)
	}

	var stop = make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if cfg.Yogi.Connection.Target != "" {
		var client = connection.NewAutoConnectingTcpClient(
			proc.Node(), cfg.Yogi.Connection.Target, cfg.Yogi.Connection.Identification, cfg.ConnectionTimeout())
		client.OnConnect(func(connErr error, _ *connection.Tcp) {
			if connErr != nil {
				log.WithFields(log.Fields{"target": cfg.Yogi.Connection.Target, "err": connErr}).Warn("mesh connect attempt failed")
			} else {
				log.WithField("target", cfg.Yogi.Connection.Target).Info("mesh connection established")
			}
		})
		client.OnDisconnect(func(cause error) {
			log.WithFields(log.Fields{"target": cfg.Yogi.Connection.Target, "cause": cause}).Warn("mesh connection lost")
		})
		client.Start()
		defer client.Stop()
	}

	if cfg.Yogi.Connection.Listen != "" {
		var meshServer = connection.NewTcpServer(proc.Node(), cfg.Yogi.Connection.Identification, cfg.ConnectionTimeout())
		meshServer.OnAccept(func(acceptErr error, tc *connection.Tcp) {
			if acceptErr != nil {
				log.WithField("err", acceptErr).Warn("mesh peer handshake failed")
			} else {
				log.WithField("remote", tc.RemoteAddr()).Info("mesh peer attached")
			}
		})
		go func() {
			if serveErr := meshServer.Serve(cfg.Yogi.Connection.Listen); serveErr != nil {
				log.WithField("err", serveErr).Error("mesh listener stopped")
			}
		}()
		defer meshServer.Close()
	}

	if cfg.Session.Listen == "" {
		config.Must(yerrors.New(yerrors.BadConfiguration, "session.listen must be configured"), "failed to start session listener")
	}
	var listener, listenErr = net.Listen("tcp", cfg.Session.Listen)
	config.Must(listenErr, "failed to bind session listener")
	log.WithField("addr", listener.Addr()).Info("yogihub listening")
	defer listener.Close()

	go acceptSessions(listener, proc, reg, location)

	var sig = <-stop
	log.WithField("signal", sig).Info("shutting down")
}

// acceptSessions accepts session client connections until listener closes,
// spawning one Leaf + Session per connection (spec.md §4.6: "Each client
// owns one session, which in turn owns its own Leaf connected to the hub's
// Node").
func acceptSessions(listener net.Listener, proc *process.Process, reg *metrics.Registry, location path.Path) {
	for {
		var conn, err = listener.Accept()
		if err != nil {
			if errIsClosed(err) {
				return
			}
			log.WithField("err", err).Warn("session accept failed")
			return
		}
		go serveSession(conn, proc, reg, location)
	}
}

func serveSession(conn net.Conn, proc *process.Process, reg *metrics.Registry, location path.Path) {
	var remoteAddr = conn.RemoteAddr().String()
	var leaf = endpoint.NewLeaf(proc.Scheduler(), reg, remoteAddr, location)

	var local, err = connection.NewLocal(proc.Node(), leaf)
	if err != nil {
		log.WithFields(log.Fields{"remote": remoteAddr, "err": err}).Error("failed to attach session leaf to process node")
		conn.Close()
		return
	}
	defer local.Close()

	var sess = session.New(leaf, proc.Node(), conn, remoteAddr, reg)
	log.WithField("remote", remoteAddr).Info("session connected")
	if serveErr := sess.Serve(); serveErr != nil {
		log.WithFields(log.Fields{"remote": remoteAddr, "err": serveErr}).Debug("session ended")
	} else {
		log.WithField("remote", remoteAddr).Info("session closed")
	}
}

func buildSink(name string, out *os.File, lc config.LevelConfig) *logging.Sink {
	var max = logging.Info
	if lc.MaxVerbosity != "" {
		var lvl, err = logging.ParseLevel(lc.MaxVerbosity)
		config.Must(err, "bad logging."+name+".max-verbosity")
		max = lvl
	}
	var sink = logging.NewSink(name, out, max)
	for component, levelName := range lc.ComponentVerbosity {
		var lvl, err = logging.ParseLevel(levelName)
		config.Must(err, "bad logging."+name+".component-verbosity["+component+"]")
		sink.SetComponentVerbosity(component, lvl)
	}
	return sink
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func errIsClosed(err error) bool {
	var opErr, ok = err.(*net.OpError)
	return ok && opErr.Err.Error() == "use of closed network connection"
}
