package lsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/ri/devres"
	"github.com/knx-iot/gateway/internal/storage"
)

// Persisted storage keys, named after the original stack's constants
// (spec.md's "Persisted keys" list).
const (
	keyIA       = "KNX_STORAGE_IA"
	keyIID      = "KNX_STORAGE_IID"
	keyPM       = "KNX_STORAGE_PM"
	keyHostname = "KNX_STORAGE_HOSTNAME"
	keyPort     = "dev_knx_port"
	keyMPort    = "dev_knx_mport"
	keyState    = "lsm/state"
)

const (
	defaultIA    uint32 = 0xffff
	defaultPort  uint32 = 5683
	defaultMPort uint32 = 5683
)

// TableResetter tears down the routing tables a factory reset must
// clear. internal/knx/gm.Manager implements this.
type TableResetter interface {
	Reset(ctx context.Context) error
}

// Manager owns the device's load state, its persisted addressing
// fields (ia, iid, port, mport, hostname, programming mode), and
// drives devres.DeviceProperties so GET /dev/* reflects the current
// values immediately after a state change or factory reset.
type Manager struct {
	mu sync.RWMutex

	state State
	ia    uint32
	iid   uint64
	pm    bool
	host  string
	port  uint32
	mport uint32

	store       storage.Store
	deviceIndex int
	props       *devres.DeviceProperties
	tables      TableResetter
}

// NewManager constructs a Manager in the UNLOADED state with ex-factory
// defaults. Call Load to restore persisted values before serving
// traffic, and SetTableResetter once the routing table manager exists.
func NewManager(store storage.Store, deviceIndex int, props *devres.DeviceProperties) *Manager {
	return &Manager{
		state:       StateUnloaded,
		ia:          defaultIA,
		port:        defaultPort,
		mport:       defaultMPort,
		store:       store,
		deviceIndex: deviceIndex,
		props:       props,
	}
}

// SetTableResetter installs the routing-table manager factory reset
// codes 2 and 7 must clear. It is separate from NewManager because the
// routing-table manager is built after this one: internal/knx/gm keys
// its mutation gate off its own LoadState interface, which this Manager
// implements.
func (m *Manager) SetTableResetter(tables TableResetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = tables
}

// Loading implements gm.LoadState.
func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLoading
}

// Loaded implements gm.LoadState.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLoaded
}

// State returns the current load state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Load restores persisted addressing fields and load state from
// storage, falling back to ex-factory defaults for anything never
// written.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := loadUint32(ctx, m.store, keyIA, &m.ia); err != nil {
		return err
	}
	if err := loadUint64(ctx, m.store, keyIID, &m.iid); err != nil {
		return err
	}
	if err := loadBool(ctx, m.store, keyPM, &m.pm); err != nil {
		return err
	}
	if err := loadString(ctx, m.store, keyHostname, &m.host); err != nil {
		return err
	}
	if err := loadUint32(ctx, m.store, keyPort, &m.port); err != nil {
		return err
	}
	if err := loadUint32(ctx, m.store, keyMPort, &m.mport); err != nil {
		return err
	}
	var state uint8
	if err := loadUint8(ctx, m.store, keyState, &state); err != nil {
		return err
	}
	m.state = State(state)

	m.syncPropsLocked()
	return nil
}

// syncPropsLocked pushes the current addressing fields into the shared
// devres.DeviceProperties so GET /dev/* reflects them. Caller holds m.mu.
func (m *Manager) syncPropsLocked() {
	if m.props == nil {
		return
	}
	m.props.IA = m.ia
	m.props.IID = m.iid
	m.props.Hostname = m.host
	m.props.ProgrammingMode = m.pm
}

// SetState attempts the transition to to, rejecting any transition the
// state machine doesn't permit (I11-adjacent: an invalid transition
// leaves the table state, and persisted state, unchanged).
func (m *Manager) SetState(ctx context.Context, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransition(m.state, to) {
		return fmt.Errorf("lsm: invalid transition %s -> %s", m.state, to)
	}
	m.state = to
	metrics.TableMutationsTotal.WithLabelValues("lsm_state", "set").Inc()
	return m.store.Put(ctx, keyState, []byte{byte(to)})
}

// SetProgrammingMode persists the programming-mode flag and reflects
// it into devres.
func (m *Manager) SetProgrammingMode(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pm = on
	m.syncPropsLocked()
	raw, err := cbor.Marshal(on)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, keyPM, raw)
}

// SetIA persists the device's individual address and reflects it into
// devres. Device commissioning (PUT /dev/ia) drives this.
func (m *Manager) SetIA(ctx context.Context, ia uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ia = ia
	m.syncPropsLocked()
	return m.store.Put(ctx, keyIA, encodeUint32(ia))
}

// SetIID persists the device's installation id and reflects it into
// devres. Device commissioning (PUT /dev/iid) drives this.
func (m *Manager) SetIID(ctx context.Context, iid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iid = iid
	m.syncPropsLocked()
	raw, err := cbor.Marshal(iid)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, keyIID, raw)
}

// FactoryReset implements erase codes 2 (full), 3 (IA only), and 7
// (config, keeping IA/credentials), per oc_knx_device_storage_reset.
func (m *Manager) FactoryReset(ctx context.Context, code ResetCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch code {
	case ResetFull:
		if err := m.eraseAddressingLocked(ctx); err != nil {
			return err
		}
		m.state = StateUnloaded
		if err := m.store.Put(ctx, keyState, []byte{byte(StateUnloaded)}); err != nil {
			return err
		}
		if m.tables != nil {
			if err := m.tables.Reset(ctx); err != nil {
				return err
			}
		}
	case ResetIA:
		m.ia = defaultIA
		if err := m.store.Delete(ctx, keyIA); err != nil {
			return err
		}
	case ResetConfig:
		if m.tables != nil {
			if err := m.tables.Reset(ctx); err != nil {
				return err
			}
		}
		m.pm = false
		if err := m.store.Put(ctx, keyPM, encodeBool(false)); err != nil {
			return err
		}
		m.state = StateUnloaded
		if err := m.store.Put(ctx, keyState, []byte{byte(StateUnloaded)}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("lsm: unknown reset code %d", code)
	}

	m.syncPropsLocked()
	metrics.TableMutationsTotal.WithLabelValues("lsm_reset", fmt.Sprintf("code_%d", code)).Inc()
	return nil
}

func (m *Manager) eraseAddressingLocked(ctx context.Context) error {
	for _, key := range []string{keyIA, keyIID, keyPM, keyHostname} {
		if err := m.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	m.ia = defaultIA
	m.iid = 0
	m.pm = false
	m.host = ""
	m.port = defaultPort
	m.mport = defaultMPort
	if err := m.store.Put(ctx, keyPort, encodeUint32(m.port)); err != nil {
		return err
	}
	return m.store.Put(ctx, keyMPort, encodeUint32(m.mport))
}

func encodeUint32(v uint32) []byte {
	raw, _ := cbor.Marshal(v)
	return raw
}

func encodeBool(v bool) []byte {
	raw, _ := cbor.Marshal(v)
	return raw
}

func loadUint32(ctx context.Context, store storage.Store, key string, dst *uint32) error {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	return cbor.Unmarshal(raw, dst)
}

func loadUint64(ctx context.Context, store storage.Store, key string, dst *uint64) error {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	return cbor.Unmarshal(raw, dst)
}

func loadUint8(ctx context.Context, store storage.Store, key string, dst *uint8) error {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return nil
	}
	if len(raw) != 1 {
		return fmt.Errorf("lsm: decoding %s: unexpected length %d", key, len(raw))
	}
	*dst = raw[0]
	return nil
}

func loadBool(ctx context.Context, store storage.Store, key string, dst *bool) error {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	return cbor.Unmarshal(raw, dst)
}

func loadString(ctx context.Context, store storage.Store, key string, dst *string) error {
	raw, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	return cbor.Unmarshal(raw, dst)
}
