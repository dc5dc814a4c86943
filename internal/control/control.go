// Package control implements the supervisory control plane (spec.md §4.7):
// a loopback HTTP endpoint for /stop, /reload, /now, backed by a
// generation-counted lifecycle. The data-plane spawn/stop logic is
// injected via Starter, keeping this package decoupled from
// tunnelclient/tunnelserver (spec.md §9: "resolve with message passing").
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/wmproxy/wmproxy/internal/config"
)

// Generation is one instantiation of the data plane serving a specific
// configuration version.
type Generation struct {
	Config *config.Config

	// Stop signals this generation to stop accepting new connections.
	// Must be idempotent; in-flight connections are expected to run to
	// completion on their own.
	Stop func()

	// Ready is closed once this generation is fully up and serving.
	Ready <-chan struct{}

	// Done is closed once this generation has fully terminated (after
	// Stop was called and all its connections drained).
	Done <-chan struct{}
}

// Starter builds and starts a new Generation for cfg, returning once the
// generation has begun starting (Ready need not be closed yet).
type Starter func(cfg *config.Config) (*Generation, error)

// Controller owns the control plane's HTTP surface and lifecycle counter.
type Controller struct {
	Addr           string
	DisableControl bool
	ConfigPath     string
	Starter        Starter

	mu      sync.Mutex
	current *Generation
	wg      sync.WaitGroup
}

// New builds a Controller. Adopt must be called once with the process's
// initial generation before Run.
func New(addr string, disableControl bool, configPath string, starter Starter) *Controller {
	return &Controller{Addr: addr, DisableControl: disableControl, ConfigPath: configPath, Starter: starter}
}

// Adopt registers gen as the currently-serving generation, taking one unit
// of the lifecycle refcount.
func (c *Controller) Adopt(gen *Generation) {
	c.mu.Lock()
	c.current = gen
	c.mu.Unlock()
	c.track(gen)
}

func (c *Controller) track(gen *Generation) {
	c.wg.Add(1)
	go func() {
		<-gen.Done
		c.wg.Done()
	}()
}

// Wait blocks until every tracked generation has terminated.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Run starts the loopback HTTP listener (unless DisableControl) and blocks
// until every generation has terminated (spec.md §4.7: "the control loop
// blocks on its receiver; ... when it reaches zero the process exits").
func (c *Controller) Run() error {
	if c.DisableControl {
		slog.Info("control plane disabled, blocking on lifecycle counter")
		c.Wait()
		return nil
	}

	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		// ControlBindFailed (spec.md §7): log and block forever rather
		// than exit, so a second process can coexist with the first.
		slog.Warn("control plane bind failed, blocking on lifecycle counter", "addr", c.Addr, "error", err)
		c.Wait()
		return nil
	}

	r := mux.NewRouter()
	r.HandleFunc("/stop", c.handleStop).Methods(http.MethodGet)
	r.HandleFunc("/reload", c.handleReload).Methods(http.MethodGet)
	r.HandleFunc("/now", c.handleNow).Methods(http.MethodGet)

	srv := &http.Server{Handler: r}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control plane HTTP server error", "error", err)
		}
	}()

	c.Wait()
	srv.Close()
	return nil
}

func (c *Controller) handleStop(w http.ResponseWriter, r *http.Request) {
	c.StopCurrent()
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "shutdown initiated")
}

func (c *Controller) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := c.Reload(); err != nil {
		http.Error(w, fmt.Sprintf("%v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "reloaded")
}

// StopCurrent signals the currently-serving generation to stop accepting
// new connections, exactly as the /stop endpoint does. It is also the
// target of a SIGTERM/SIGINT handler in cmd/wmproxy, so the CLI's `stop`
// subcommand behaves identically whether it reaches the process via HTTP
// or a PID-file signal.
func (c *Controller) StopCurrent() {
	c.mu.Lock()
	gen := c.current
	c.mu.Unlock()
	if gen != nil {
		gen.Stop()
	}
}

// Reload re-reads the configuration file, starts a new generation, and
// once it reports ready sends the old generation's shutdown signal
// (spec.md §4.7, §9 open question #2: coexist-then-stop). It is the
// shared implementation behind both the /reload HTTP endpoint and a
// SIGHUP handler in cmd/wmproxy, so `wmproxy reload` behaves identically
// whether it reaches the process via HTTP or a PID-file signal.
func (c *Controller) Reload() error {
	newCfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return fmt.Errorf("config parse error: %w", err)
	}

	newGen, err := c.Starter(newCfg)
	if err != nil {
		return fmt.Errorf("starting new generation: %w", err)
	}
	<-newGen.Ready

	c.mu.Lock()
	old := c.current
	c.current = newGen
	c.mu.Unlock()
	c.track(newGen)

	// Coexist-then-stop (spec.md §9 open question #2): the old generation
	// only now receives the same shutdown signal /stop would have sent it.
	if old != nil {
		old.Stop()
	}
	return nil
}

func (c *Controller) handleNow(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	gen := c.current
	c.mu.Unlock()

	if gen == nil {
		http.Error(w, "no active generation", http.StatusInternalServerError)
		return
	}

	body, err := json.MarshalIndent(gen.Config, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
