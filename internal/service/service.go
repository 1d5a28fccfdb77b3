package service

import (
	"fmt"
	"sync"
	"time"

	"shmipc/internal/dynstore"
	"shmipc/internal/ipcerr"
	"shmipc/internal/node"
	"shmipc/internal/staticstore"
)

// State is a Service's position in the create/open lifecycle state
// machine, per spec.md 4.G.
type State int

const (
	NotExist State = iota
	StaticOnly
	Ready
	Removed
)

func (s State) String() string {
	switch s {
	case StaticOnly:
		return "StaticOnly"
	case Ready:
		return "Ready"
	case Removed:
		return "Removed"
	default:
		return "NotExist"
	}
}

// Service is one process's handle onto a named communication endpoint: its
// sealed StaticConfig plus the dynamic containers ports register
// themselves in. The dynamic containers here live in a process-local
// registry holding only the port registrations made in this process; the
// port tables are not placed in shared memory and are not visible to, or
// updated by, other processes.
type Service struct {
	Config    staticstore.StaticConfig
	prefixDir string

	Nodes       *dynstore.NodeSet
	Publishers  *dynstore.PortTable
	Subscribers *dynstore.PortTable
	Notifiers   *dynstore.PortTable
	Listeners   *dynstore.PortTable
	Clients     *dynstore.PortTable
	Servers     *dynstore.PortTable

	mu           sync.Mutex
	participants int
}

// registry caches one Service instance per (prefixDir, ServiceId) within
// this process, so every local opener of the same service shares one set
// of dynamic containers instead of each maintaining an disjoint view.
var (
	registryMu sync.Mutex
	registry   = map[string]*Service{}
)

func registryKey(prefixDir, serviceId string) string { return prefixDir + "\x00" + serviceId }

func newService(prefixDir string, cfg staticstore.StaticConfig) *Service {
	return &Service{
		Config:      cfg,
		prefixDir:   prefixDir,
		Nodes:       dynstore.NewNodeSet(int(maxNodesFor(cfg))),
		Publishers:  dynstore.NewPortTable(dynstore.RolePublisher, int(cfg.PubSub.MaxPublishers)),
		Subscribers: dynstore.NewPortTable(dynstore.RoleSubscriber, int(cfg.PubSub.MaxSubscribers)),
		Notifiers:   dynstore.NewPortTable(dynstore.RoleNotifier, int(cfg.Event.MaxNotifiers)),
		Listeners:   dynstore.NewPortTable(dynstore.RoleListener, int(cfg.Event.MaxListeners)),
		Clients:     dynstore.NewPortTable(dynstore.RoleClient, int(cfg.ReqResp.MaxClients)),
		Servers:     dynstore.NewPortTable(dynstore.RoleServer, int(cfg.ReqResp.MaxServers)),
	}
}

func maxNodesFor(cfg staticstore.StaticConfig) int32 {
	switch cfg.Pattern {
	case staticstore.PatternEvent:
		return cfg.Event.MaxNodes
	case staticstore.PatternRequestResponse:
		// Request-response has no single MaxNodes field; bound by the sum
		// of client/server capacity, each of which is owned by some Node.
		return cfg.ReqResp.MaxClients + cfg.ReqResp.MaxServers
	default:
		return cfg.PubSub.MaxNodes
	}
}

// QueryState reports a Service's current lifecycle state without creating
// or opening it.
func QueryState(prefixDir, serviceId string) State {
	if !staticstore.Exists(prefixDir, serviceId) {
		return NotExist
	}
	registryMu.Lock()
	_, ready := registry[registryKey(prefixDir, serviceId)]
	registryMu.Unlock()
	if !ready {
		return StaticOnly
	}
	return Ready
}

// Create seals a new StaticConfig under the process-shared creation lock
// (staticstore.Create's O_EXCL) and initializes the dynamic config,
// transitioning NotExist → StaticOnly → Ready. Returns AlreadyExists if a
// service already exists under this ServiceId.
func Create(prefixDir string, cfg staticstore.StaticConfig) (*Service, error) {
	if err := ValidateName(cfg.ServiceName); err != nil {
		return nil, err
	}
	if err := staticstore.Create(prefixDir, cfg); err != nil {
		return nil, err
	}

	svc := newService(prefixDir, cfg)
	registryMu.Lock()
	registry[registryKey(prefixDir, cfg.ServiceId)] = svc
	registryMu.Unlock()
	return svc, nil
}

// Open attaches to an existing service's static config, waiting up to
// timeout for it to finish initializing (spec.md B5). verifier, if
// non-nil, is checked against the opened StaticConfig's attributes; a
// mismatch is returned before the Service handle is constructed. requested
// is the opener's own StaticConfig; its TypeDetails and numeric capacities
// are checked against the stored config via CompatibleCapacities (spec.md
// P6, B4) before the handle is returned, regardless of whether this
// process already has the service cached from an earlier opener.
func Open(prefixDir, serviceId string, timeout time.Duration, verifier *AttributeVerifier, requested staticstore.StaticConfig) (*Service, error) {
	cfg, err := staticstore.Open(prefixDir, serviceId, timeout)
	if err != nil {
		return nil, err
	}
	if verifier != nil {
		if err := verifier.Verify(cfg.Attributes); err != nil {
			return nil, err
		}
	}
	if err := CompatibleCapacities(cfg, requested); err != nil {
		return nil, err
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey(prefixDir, serviceId)
	if svc, ok := registry[key]; ok {
		return svc, nil
	}
	svc := newService(prefixDir, cfg)
	registry[key] = svc
	return svc, nil
}

// OpenOrCreate attempts Open first; on NotExist it races Create, retrying
// the whole transition up to retryBudget times with retryBackoff between
// attempts, to avoid livelock against a concurrent creator per spec.md
// 4.G's "open_or_create retries the state transition bounded times". cfg
// doubles as the caller's requested StaticConfig on the Open branch: a
// concurrent creator with incompatible capacities or types fails this
// attempt with the matching ExceedsMax*/IncompatibleTypes error rather than
// silently handing back an unsuitable service.
func OpenOrCreate(prefixDir string, cfg staticstore.StaticConfig, timeout time.Duration, verifier *AttributeVerifier, retryBudget int, retryBackoff time.Duration) (*Service, error) {
	var lastErr error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		if staticstore.Exists(prefixDir, cfg.ServiceId) {
			svc, err := Open(prefixDir, cfg.ServiceId, timeout, verifier, cfg)
			if err == nil {
				return svc, nil
			}
			lastErr = err
		} else {
			svc, err := Create(prefixDir, cfg)
			if err == nil {
				return svc, nil
			}
			if err != ipcerr.ErrAlreadyExists {
				return nil, err
			}
			lastErr = err
		}
		if attempt < retryBudget {
			time.Sleep(retryBackoff)
		}
	}
	return nil, fmt.Errorf("open_or_create exhausted retry budget for %q: %w", cfg.ServiceId, lastErr)
}

// Join registers id as a participant, incrementing the "last one out"
// reference count used by Leave to decide whether this process should
// remove the service's storage.
func (s *Service) Join(id node.Id) error {
	if err := s.Nodes.Insert(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.participants++
	s.mu.Unlock()
	return nil
}

// Leave deregisters id. If it was the last participant known to this
// process, the service's static storage is removed and the process-local
// registry entry dropped, transitioning Ready → Removed.
func (s *Service) Leave(id node.Id) error {
	s.Nodes.Remove(id)

	s.mu.Lock()
	s.participants--
	last := s.participants <= 0
	s.mu.Unlock()

	if !last {
		return nil
	}

	registryMu.Lock()
	delete(registry, registryKey(s.prefixDir, s.Config.ServiceId))
	registryMu.Unlock()

	return staticstore.Remove(s.prefixDir, s.Config.ServiceId)
}
