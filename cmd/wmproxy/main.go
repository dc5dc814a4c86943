// Command wmproxy is the wmproxy intranet-tunnel proxy: it plays either
// the center-client or center-server role (spec.md §1) depending on which
// fields are populated in the loaded config, and also exposes the
// standalone forward-proxy, reverse-proxy, file-server, and WebSocket
// bridge handlers directly from the CLI (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"

	"github.com/wmproxy/wmproxy/internal/buildinfo"
	"github.com/wmproxy/wmproxy/internal/config"
	"github.com/wmproxy/wmproxy/internal/control"
	"github.com/wmproxy/wmproxy/internal/handler/fileserver"
	"github.com/wmproxy/wmproxy/internal/handler/forwardproxy"
	"github.com/wmproxy/wmproxy/internal/handler/reverseproxy"
	"github.com/wmproxy/wmproxy/internal/handler/wsbridge"
	"github.com/wmproxy/wmproxy/internal/listener"
	"github.com/wmproxy/wmproxy/internal/pidfile"
)

// sharedFlags are accepted by every subcommand (spec.md §6 "Shared options").
// --forever is deliberately not one of these fields: it is handled in main,
// before any subcommand's FlagSet ever sees it, by re-executing the binary
// in a supervising loop (see runForever).
type sharedFlags struct {
	control        string
	disableStdout  bool
	disableControl bool
	daemon         bool
	verbose        bool
	pidfilePath    string
	defaultLevel   string
}

func parseShared(fs *flag.FlagSet) *sharedFlags {
	sf := &sharedFlags{}
	fs.StringVar(&sf.control, "control", "127.0.0.1:8837", "control plane bind address")
	fs.BoolVar(&sf.disableStdout, "disable-stdout", false, "write logs to stderr instead of stdout")
	fs.BoolVar(&sf.disableControl, "disable-control", false, "disable the loopback control HTTP endpoint")
	fs.BoolVar(&sf.daemon, "daemon", false, "run as a background OS service")
	fs.BoolVar(&sf.verbose, "verbose", false, "shorthand for --default-level debug")
	fs.StringVar(&sf.pidfilePath, "pidfile", "wmproxy.pid", "PID file path")
	fs.StringVar(&sf.defaultLevel, "default-level", "info", "error|warn|info|debug|trace")
	return sf
}

// runForever re-executes the current binary with --forever stripped from
// its arguments, restarting the child whenever it exits with a non-zero
// status, until it exits cleanly (spec.md §6 --forever; grounded on
// original_source/src/arg.rs's `Command::spawn`/`child.wait()` respawn
// loop). It never returns; the parent process only ever supervises.
func runForever() {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	var args []string
	for _, a := range os.Args[1:] {
		if a != "--forever" {
			args = append(args, a)
		}
	}

	for {
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		runErr := cmd.Run()
		if runErr == nil {
			os.Exit(0)
		}
		exitErr, ok := runErr.(*exec.ExitError)
		if ok && exitErr.ExitCode() == 0 {
			os.Exit(0)
		}
		slog.Error("wmproxy child process exited abnormally, restarting", "error", runErr)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	for _, a := range os.Args[1:] {
		if a == "--forever" {
			runForever()
			return
		}
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "check":
		err = cmdCheck(args)
	case "proxy":
		err = cmdProxy(args)
	case "file-server":
		err = cmdFileServer(args)
	case "reverse-proxy":
		err = cmdReverseProxy(args)
	case "ws-proxy":
		err = cmdWSProxy(args)
	case "stop":
		err = cmdControlAction(args, "/stop", "wmproxy: stop")
	case "reload":
		err = cmdControlAction(args, "/reload", "wmproxy: reload")
	case "version":
		fmt.Printf("wmproxy %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "wmproxy:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wmproxy <proxy|run|stop|reload|check|file-server|reverse-proxy|ws-proxy|version> [flags]")
	fmt.Fprintln(os.Stderr, "       --forever (any subcommand): supervise and restart the process on abnormal exit")
}

// cmdRun implements `run --config PATH`: loads the config, starts the
// initial generation, adopts it into a Controller, and blocks until every
// generation has terminated (spec.md §4.7, §6).
func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "wmproxy.yaml", "path to config file (.yaml or .toml)")
	sf := parseShared(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level := cfg.DefaultLevel
	if sf.verbose {
		level = "debug"
	}
	initLogger(level, cfg.DisableStdout || sf.disableStdout)

	if cfg.Pidfile == "" {
		cfg.Pidfile = sf.pidfilePath
	}
	if err := pidfile.Write(cfg.Pidfile); err != nil {
		slog.Warn("writing pidfile failed", "path", cfg.Pidfile, "error", err)
	}
	defer pidfile.Remove(cfg.Pidfile)

	controlAddr := sf.control
	if cfg.Control.Addr != "" {
		controlAddr = cfg.Control.Addr
	}
	disableControl := cfg.DisableControl || sf.disableControl

	ctrl := control.New(controlAddr, disableControl, *cfgPath, startGeneration)

	runFn := func() error {
		gen, err := startGeneration(cfg)
		if err != nil {
			return fmt.Errorf("starting initial generation: %w", err)
		}
		ctrl.Adopt(gen)

		// SIGINT/SIGTERM stop whichever generation is currently serving
		// (spec.md §6 `stop`); SIGHUP re-reads the config file and reloads
		// it exactly as the /reload HTTP endpoint does (spec.md §6
		// `reload`), so `wmproxy reload`'s PID-file fallback (which signals
		// SIGHUP when no --url/--config is given) actually hot-reloads the
		// running process instead of relying on Go's default
		// terminate-on-SIGHUP disposition.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			for sig := range sigCh {
				switch sig {
				case syscall.SIGHUP:
					slog.Info("received SIGHUP, reloading")
					if err := ctrl.Reload(); err != nil {
						slog.Error("SIGHUP reload failed", "error", err)
					}
				default:
					slog.Info("received shutdown signal", "signal", sig.String())
					ctrl.StopCurrent()
					return
				}
			}
		}()

		return ctrl.Run()
	}

	if sf.daemon {
		return runAsService(runFn)
	}
	return runFn()
}

// cmdCheck implements `check --config PATH`: loads and validates a config
// file without starting any listener (SPEC_FULL.md §12).
func cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfgPath := fs.String("config", "wmproxy.yaml", "path to config file (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.Load(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("config OK")
	return nil
}

// cmdProxy runs a standalone SOCKS5/HTTP-CONNECT forward proxy listener
// without the tunnel subsystem.
func cmdProxy(args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	addr := fs.String("listen", "127.0.0.1:1080", "forward-proxy listen address")
	sf := parseShared(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogger(sf.defaultLevel, sf.disableStdout)

	ln, err := listener.New(listener.DescriptorProxy, *addr, nil)
	if err != nil {
		return err
	}
	h := forwardproxy.New()
	slog.Info("forward proxy listening", "addr", *addr)
	ln.Serve(func(acc listener.Accepted) {
		h.Process(acc.Conn, nil)
	})
	return nil
}

// cmdFileServer runs the static file-server inbound handler standalone.
func cmdFileServer(args []string) error {
	fs := flag.NewFlagSet("file-server", flag.ExitOnError)
	addr := fs.String("listen", "127.0.0.1:8080", "listen address")
	root := fs.String("root", ".", "document root")
	sf := parseShared(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogger(sf.defaultLevel, sf.disableStdout)

	slog.Info("file server listening", "addr", *addr, "root", *root)
	return http.ListenAndServe(*addr, fileserver.New(*root))
}

// cmdReverseProxy runs the Host-routed reverse HTTP proxy standalone.
func cmdReverseProxy(args []string) error {
	fs := flag.NewFlagSet("reverse-proxy", flag.ExitOnError)
	addr := fs.String("listen", "127.0.0.1:8080", "listen address")
	upstream := fs.String("upstream", "", "upstream base URL")
	sf := parseShared(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogger(sf.defaultLevel, sf.disableStdout)

	h, err := reverseproxy.New(*upstream)
	if err != nil {
		return err
	}
	slog.Info("reverse proxy listening", "addr", *addr, "upstream", *upstream)
	return http.ListenAndServe(*addr, h)
}

// cmdWSProxy runs the WebSocket<->TCP bridge standalone.
func cmdWSProxy(args []string) error {
	fs := flag.NewFlagSet("ws-proxy", flag.ExitOnError)
	addr := fs.String("listen", "127.0.0.1:8080", "listen address")
	backend := fs.String("backend", "", "backend TCP address to bridge to")
	sf := parseShared(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogger(sf.defaultLevel, sf.disableStdout)

	h := wsbridge.New(*backend)
	slog.Info("ws-proxy listening", "addr", *addr, "backend", *backend)
	return http.ListenAndServe(*addr, h)
}

// cmdControlAction implements `stop`/`reload`: resolves the control URL
// from --url or --config, issues the GET request, and prints/propagates
// the returned status. With neither flag it reads the PID file and signals
// that process instead (see sendSignal; spec.md §6, §9 S5).
func cmdControlAction(args []string, path, fsName string) error {
	fs := flag.NewFlagSet(fsName, flag.ExitOnError)
	url := fs.String("url", "", "control plane base URL, e.g. http://127.0.0.1:8837")
	cfgPath := fs.String("config", "", "path to config file to read control.addr from")
	pidPath := fs.String("pidfile", "wmproxy.pid", "PID file to fall back to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	base := *url
	if base == "" && *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Control.Addr != "" {
			base = "http://" + cfg.Control.Addr
		}
	}
	if base == "" {
		pid, err := pidfile.Read(*pidPath)
		if err != nil {
			return fmt.Errorf("resolving control endpoint: %w", err)
		}
		return sendSignal(pid, path)
	}

	resp, err := http.Get(base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Println(resp.Status)
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	return nil
}

// sendSignal implements S5 ("wmproxy stop with no flags reads wmproxy.pid,
// issues platform kill"): it signals SIGTERM for /stop or SIGHUP for
// /reload to the process named in the PID file.
func sendSignal(pid int, path string) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	sig := syscall.SIGTERM
	if path == "/reload" {
		sig = syscall.SIGHUP
	}
	if err := proc.Signal(sig); err != nil {
		os.Exit(1)
		return err
	}
	return nil
}

// svcWrapper adapts runFn to kardianos/service.Interface for --daemon mode
// (spec.md §6 --daemon; grounded on the teacher's host-agent cmd/agent
// main.go `agent` struct).
type svcWrapper struct {
	runFn func() error
	done  chan struct{}
}

func (s *svcWrapper) Start(svc service.Service) error {
	go func() {
		if err := s.runFn(); err != nil {
			slog.Error("service run exited with error", "error", err)
		}
		close(s.done)
	}()
	return nil
}

func (s *svcWrapper) Stop(svc service.Service) error {
	return nil
}

func runAsService(runFn func() error) error {
	w := &svcWrapper{runFn: runFn, done: make(chan struct{})}
	svc, err := service.New(w, &service.Config{
		Name:        "wmproxy",
		DisplayName: "wmproxy tunnel proxy",
		Description: "wmproxy intranet tunnel and forward-proxy service",
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return svc.Run()
}
