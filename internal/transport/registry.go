package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"firma-sign/core/internal/model"
)

var (
	registryMu   sync.Mutex
	constructors = map[string]Constructor{}
)

// Register adds a transport constructor to the static registry. Intended to
// be called from each transport implementation's init().
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[name] = ctor
}

// ErrorEvent is published onto the Registry's Events channel when a
// transport's receive handler surfaces an error, per §4.5 "surface errors
// from the plugin's receive handler onto a supervisor event channel".
type ErrorEvent struct {
	Transport string
	Err       error
}

// Registry discovers, instantiates, configures and supervises transport
// plugins.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	log        *logrus.Logger
	Events     chan ErrorEvent
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		log:        log,
		Events:     make(chan ErrorEvent, 64),
	}
}

// Configure instantiates and initializes every named transport using the
// supplied per-transport config map. Startup fails if any transport's
// required config keys are missing.
func (r *Registry) Configure(ctx context.Context, configs map[string]map[string]any) error {
	registryMu.Lock()
	snapshot := make(map[string]Constructor, len(constructors))
	for k, v := range constructors {
		snapshot[k] = v
	}
	registryMu.Unlock()

	for name, cfg := range configs {
		ctor, ok := snapshot[name]
		if !ok {
			return model.New(model.InvalidConfig, "unknown transport: "+name)
		}
		t := ctor()
		for _, req := range t.Capabilities().RequiredConfig {
			if _, present := cfg[req]; !present {
				return model.New(model.InvalidConfig, "transport "+name+" missing required config key "+req)
			}
		}
		if !t.ValidateConfig(cfg) {
			return model.New(model.InvalidConfig, "transport "+name+" rejected its configuration")
		}
		if err := t.Initialize(ctx, cfg); err != nil {
			return model.Wrap(model.OperationFailed, "initialize transport "+name, err)
		}
		r.mu.Lock()
		r.transports[name] = t
		r.mu.Unlock()
		r.log.WithField("transport", name).Info("transport initialized")
	}
	return nil
}

// Get returns the named transport, or TransportUnavailable if it is not
// installed or not initialized.
func (r *Registry) Get(name string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	if !ok {
		return nil, model.New(model.TransportUnavailable, "transport not installed: "+name)
	}
	if !t.Status().Initialized {
		return nil, model.New(model.TransportUnavailable, "transport not initialized: "+name)
	}
	return t, nil
}

// Names lists every configured transport name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	return names
}

// Send routes an outgoing transfer to the transport matching each
// recipient's Transport field. If a recipient names a transport that is
// not installed, that recipient's result fails with TransportUnavailable
// but sibling recipients are unaffected, per §4.5.
func (r *Registry) Send(ctx context.Context, out OutgoingTransfer) (*TransferResult, error) {
	byTransport := make(map[string][]int)
	for i, rec := range out.Recipients {
		byTransport[rec.Transport] = append(byTransport[rec.Transport], i)
	}

	results := make([]RecipientResult, len(out.Recipients))
	for name, indices := range byTransport {
		t, err := r.Get(name)
		if err != nil {
			for _, i := range indices {
				results[i] = RecipientResult{RecipientID: out.Recipients[i].ID, Success: false, Error: string(model.TransportUnavailable)}
			}
			continue
		}
		sub := out
		sub.Recipients = make([]OutgoingRecipient, len(indices))
		for j, i := range indices {
			sub.Recipients[j] = out.Recipients[i]
		}
		res, err := t.Send(ctx, sub)
		if err != nil {
			for _, i := range indices {
				results[i] = RecipientResult{RecipientID: out.Recipients[i].ID, Success: false, Error: err.Error()}
			}
			continue
		}
		for j, i := range indices {
			if j < len(res.RecipientResults) {
				rr := res.RecipientResults[j]
				rr.RecipientID = out.Recipients[i].ID
				results[i] = rr
			}
		}
	}

	success := false
	for _, r := range results {
		if r.Success {
			success = true
			break
		}
	}
	return &TransferResult{Success: success, RecipientResults: results}, nil
}

// ShutdownMode selects how Shutdown treats in-flight transports.
type ShutdownMode int

const (
	// Graceful gives each plugin up to gracefulTimeout to quiesce, in
	// parallel, forcing after the timeout.
	Graceful ShutdownMode = iota
	// Abrupt tells every plugin to stop immediately and clears references.
	Abrupt
)

const gracefulTimeout = 10 * time.Second

// Shutdown tears down every configured transport.
func (r *Registry) Shutdown(ctx context.Context, mode ShutdownMode) {
	r.mu.Lock()
	transports := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]Transport)
	r.mu.Unlock()

	if mode == Abrupt {
		for _, t := range transports {
			t.StopReceiving()
			go t.Shutdown(ctx)
		}
		return
	}

	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			t.StopReceiving()
			sctx, cancel := context.WithTimeout(ctx, gracefulTimeout)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- t.Shutdown(sctx) }()
			select {
			case err := <-done:
				if err != nil {
					r.log.WithField("transport", t.Name()).WithError(err).Warn("transport shutdown error")
				}
			case <-sctx.Done():
				r.log.WithField("transport", t.Name()).Warn("transport shutdown timed out; no longer waiting for it")
			}
		}(t)
	}
	wg.Wait()
}
