// Package chain implements the blockchain gateway (C1/C4 of spec §4.1,
// §4.4): a multi-provider RPC pool with single-level failover, wrapped by
// a Chain Gateway that does balance queries, deposit-receipt scanning, and
// nonce-safe payment sending. It is built directly on github.com/ethereum/
// go-ethereum's ethclient/rpc/accounts-abi packages — the teacher's own
// client/bridge_client.go is explicitly derived from ethclient.go, and two
// sibling examples in the pack (ethereum-go-ethereum, NethermindEth-
// rollup-geth) ARE that library, so depending on the real upstream module
// rather than reimplementing JSON-RPC plumbing is the direct continuation
// of how this pack already does it.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/settings"
)

// endpoint is one configured provider.
type endpoint struct {
	name   string
	url    string
	client *ethclient.Client
	rpcc   *rpc.Client
}

// Pool implements C1: it holds N chain endpoints, tracks the active one,
// fails over on error, and persists the active selection via a settings
// writer seam (best-effort, asynchronous, per spec §4.1).
type Pool struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	order     []string // stable iteration order, first is the configured primary
	active    string

	autoSwitch bool
	settings   *settings.Source
	persist    func(ctx context.Context, activeName string) // best-effort async persistence seam

	log *logger.Logger
}

// Dial connects to every URL in urls (named endpoint-0, endpoint-1, ...;
// the first becomes primary) using PoA-aware middleware: BSC and most
// sidechains return extra consensus fields in block headers that the
// stock go-ethereum RPC client tolerates via ethclient's lenient decoding,
// so no additional PoA shim is required at this layer (spec §4.1 design
// note: "Endpoint middleware must account for PoA chains").
func Dial(ctx context.Context, urls []string, st *settings.Source, persist func(ctx context.Context, activeName string)) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("chain: no RPC URLs configured")
	}
	p := &Pool{
		endpoints: make(map[string]*endpoint, len(urls)),
		settings:  st,
		persist:   persist,
		log:       logger.New("chain.pool"),
	}
	for i, u := range urls {
		name := fmt.Sprintf("endpoint-%d", i)
		rpcc, err := rpc.DialContext(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", u, err)
		}
		p.endpoints[name] = &endpoint{name: name, url: u, client: ethclient.NewClient(rpcc), rpcc: rpcc}
		p.order = append(p.order, name)
	}
	p.active = p.order[0]
	p.autoSwitch = true
	return p, nil
}

// GetActive returns the current client, falling back to an arbitrary
// member if the active name has gone missing (spec §4.1 get_active()).
func (p *Pool) GetActive() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ep, ok := p.endpoints[p.active]; ok {
		return ep.client
	}
	for _, name := range p.order {
		return p.endpoints[name].client
	}
	return nil
}

// ActiveName reports the currently selected provider's name.
func (p *Pool) ActiveName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Execute runs op against the active client. On failure, if auto-switch is
// enabled, it tries exactly one backup provider (never cascades further);
// on success there it promotes the backup to active and persists the
// switch asynchronously and best-effort (spec §4.1 execute()).
func (p *Pool) Execute(ctx context.Context, op func(ctx context.Context, c *ethclient.Client) error) error {
	p.refreshSettingsIfDue(ctx)

	p.mu.RLock()
	activeName := p.active
	active, ok := p.endpoints[activeName]
	autoSwitch := p.autoSwitch
	p.mu.RUnlock()
	if !ok {
		return core.New(core.KindRPCTransient, "", "no active RPC provider configured")
	}

	err := op(ctx, active.client)
	if err == nil {
		return nil
	}
	p.log.Sugar().Warnw("rpc call failed on active provider", "provider", activeName, "error", err)
	if !autoSwitch {
		return core.Wrap(core.KindRPCTransient, "", "rpc call failed, auto-switch disabled", err)
	}

	backupName, backup := p.pickBackup(activeName)
	if backup == nil {
		return core.Wrap(core.KindRPCTransient, "", "rpc call failed, no backup provider available", err)
	}
	if berr := op(ctx, backup.client); berr != nil {
		return core.Wrap(core.KindRPCTransient, "", "rpc call failed on primary and backup", berr)
	}

	p.mu.Lock()
	p.active = backupName
	p.mu.Unlock()
	metrics.RPCFailovers.Inc()
	p.log.Sugar().Infow("failed over to backup rpc provider", "from", activeName, "to", backupName)
	if p.persist != nil {
		go p.persist(context.Background(), backupName)
	}
	return nil
}

// pickBackup deterministically returns the first endpoint in configured
// order that is not exclude. Only one candidate is ever tried (spec
// §4.1: "Only one level of failover per operation").
func (p *Pool) pickBackup(exclude string) (string, *endpoint) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, name := range p.order {
		if name != exclude {
			return name, p.endpoints[name]
		}
	}
	return "", nil
}

// ProviderHealth is the per-provider result of Health().
type ProviderHealth struct {
	Name      string
	Connected bool
	Block     uint64
	Error     string
	Active    bool
}

// Health pings each provider's latest-block call with a bounded timeout
// (spec §4.1 health()).
func (p *Pool) Health(ctx context.Context) []ProviderHealth {
	p.mu.RLock()
	eps := make([]*endpoint, 0, len(p.order))
	for _, name := range p.order {
		eps = append(eps, p.endpoints[name])
	}
	active := p.active
	p.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(eps))
	for _, ep := range eps {
		hc, cancel := context.WithTimeout(ctx, 5*time.Second)
		block, err := ep.client.BlockNumber(hc)
		cancel()
		h := ProviderHealth{Name: ep.name, Active: ep.name == active}
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Connected = true
			h.Block = block
		}
		out = append(out, h)
	}
	return out
}

const settingsRefreshInterval = 30 * time.Second

var lastSettingsRefresh time.Time
var settingsRefreshMu sync.Mutex

// refreshSettingsIfDue implements refresh_settings(): at most once per 30s,
// reads active_rpc_provider and is_auto_switch_enabled from the settings
// snapshot (spec §4.1).
func (p *Pool) refreshSettingsIfDue(ctx context.Context) {
	if p.settings == nil {
		return
	}
	settingsRefreshMu.Lock()
	due := time.Since(lastSettingsRefresh) >= settingsRefreshInterval
	if due {
		lastSettingsRefresh = time.Now()
	}
	settingsRefreshMu.Unlock()
	if !due {
		return
	}

	snap := p.settings.Get(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoSwitch = snap.IsAutoSwitchEnabled
	if snap.ActiveRPCProvider != "" {
		if _, ok := p.endpoints[snap.ActiveRPCProvider]; ok {
			p.active = snap.ActiveRPCProvider
		}
	}
}
