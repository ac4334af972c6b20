package gm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/metrics"
	"github.com/knx-iot/gateway/internal/ri"
	"github.com/knx-iot/gateway/internal/storage"
)

// LoadState reports whether the device is currently in the LOADING
// load state, the only state in which the routing tables accept
// mutation.
type LoadState interface {
	Loading() bool
	Loaded() bool
}

// ResourceResolver answers whether a URI names a resource registered
// on this device, and whether that resource is discoverable. A Group
// Object Table href must resolve locally and must not be discoverable
// (it is reached only via the group mapping, not /.well-known/core).
type ResourceResolver interface {
	ResourceRegistered(uri string) (discoverable bool, ok bool)
}

// maxEntries bounds every table to a fixed number of storage slots,
// addressed by slot index rather than by the caller-chosen id carried
// inside each entry.
const maxEntries = 20

// Manager owns the Group Object Table, Recipient Table, and Publisher
// Table for one device, their persistence, the shared fingerprint
// counter, and inbound/outbound s-mode dispatch.
type Manager struct {
	mu sync.RWMutex

	got map[int]*GroupObjectEntry // keyed by slot index, 0..maxEntries-1
	pub map[int]*RPEntry
	rec map[int]*RPEntry

	fingerprint uint64

	store     storage.Store
	lsm       LoadState
	resources ResourceResolver
	router    *ri.Router

	deviceIndex int
	iid         uint64
	ownIA       int
}

// SetOwnIA sets this device's own individual address, carried as the
// sender field (sia) on outbound s-mode envelopes.
func (m *Manager) SetOwnIA(ia int) { m.ownIA = ia }

// NewManager constructs an empty Manager. Call Load to restore
// persisted entries before serving traffic.
func NewManager(store storage.Store, lsm LoadState, resources ResourceResolver, deviceIndex int, iid uint64) *Manager {
	return &Manager{
		got:         make(map[int]*GroupObjectEntry),
		pub:         make(map[int]*RPEntry),
		rec:         make(map[int]*RPEntry),
		store:       store,
		lsm:         lsm,
		resources:   resources,
		deviceIndex: deviceIndex,
		iid:         iid,
	}
}

// Register installs the /fp/g, /fp/g/*, /fp/p, /fp/p/*, /fp/r, and
// /fp/r/* resources on router, and remembers router for inbound group
// dispatch (which invokes local resources directly rather than
// round-tripping through the CoAP access-control path).
func (m *Manager) Register(router *ri.Router) {
	m.router = router
	m.registerGroupObjectTable(router)
	m.registerRPTable(router, kindPublisher)
	m.registerRPTable(router, kindRecipient)
	m.registerSModeIngress(router)
}

const fingerprintKey = "gm/fingerprint"

// Load restores the Group Object Table, Recipient Table, Publisher
// Table, and fingerprint counter from storage.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if raw, found, err := m.store.Get(ctx, fingerprintKey); err != nil {
		return fmt.Errorf("gm: loading fingerprint: %w", err)
	} else if found {
		if err := cbor.Unmarshal(raw, &m.fingerprint); err != nil {
			return fmt.Errorf("gm: decoding fingerprint: %w", err)
		}
	}

	for slot := 0; slot < maxEntries; slot++ {
		entry, found, err := loadGOTEntry(ctx, m.store, slot)
		if err != nil {
			return err
		}
		if found {
			m.got[slot] = entry
		}
	}
	for _, kind := range []rpKind{kindPublisher, kindRecipient} {
		table := m.tableFor(kind)
		for slot := 0; slot < maxEntries; slot++ {
			entry, found, err := loadRPEntry(ctx, m.store, kind, slot)
			if err != nil {
				return err
			}
			if found {
				table[slot] = entry
			}
		}
	}
	return nil
}

// Reset clears the Group Object Table, Recipient Table, and Publisher
// Table, in memory and in storage, and bumps the fingerprint. Called by
// internal/knx/lsm on factory reset codes 2 and 7 (oc_delete_group_object_table
// / oc_delete_group_rp_table in the original).
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot := range m.got {
		if err := deleteGOTEntry(ctx, m.store, slot); err != nil {
			return err
		}
	}
	m.got = make(map[int]*GroupObjectEntry)

	for _, kind := range []rpKind{kindPublisher, kindRecipient} {
		table := m.tableFor(kind)
		for slot := range table {
			if err := deleteRPEntry(ctx, m.store, kind, slot); err != nil {
				return err
			}
		}
	}
	m.pub = make(map[int]*RPEntry)
	m.rec = make(map[int]*RPEntry)

	tableMutation("group_object", "reset")
	return m.increaseFingerprint(ctx)
}

// Fingerprint returns the current mutation counter.
func (m *Manager) Fingerprint() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fingerprint
}

func (m *Manager) increaseFingerprint(ctx context.Context) error {
	m.fingerprint++
	raw, err := cbor.Marshal(m.fingerprint)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, fingerprintKey, raw)
}

// LoadStateLoaded implements ri/discovery.GroupPointLister.
func (m *Manager) LoadStateLoaded() bool {
	return m.lsm == nil || m.lsm.Loaded()
}

// PointsAtGroupAddress implements ri/discovery.GroupPointLister: the
// hrefs of every Group Object Table entry reachable at ga, in
// ascending slot order.
func (m *Manager) PointsAtGroupAddress(ga int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hrefs []string
	for _, slot := range sortedGOTSlots(m.got) {
		entry := m.got[slot]
		for _, g := range entry.GA {
			if uint32(ga) == g {
				hrefs = append(hrefs, entry.Href)
				break
			}
		}
	}
	return hrefs
}

// SubscribedGroupAddresses returns every distinct group address named
// by a Group Object Table entry, the set this device must join the
// derived multicast address for at boot.
func (m *Manager) SubscribedGroupAddresses() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[uint32]bool)
	var gas []uint32
	for _, slot := range sortedGOTSlots(m.got) {
		for _, g := range m.got[slot].GA {
			if !seen[g] {
				seen[g] = true
				gas = append(gas, g)
			}
		}
	}
	return gas
}

func sortedGOTSlots(m map[int]*GroupObjectEntry) []int {
	slots := make([]int, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

func sortedRPSlots(m map[int]*RPEntry) []int {
	slots := make([]int, 0, len(m))
	for s := range m {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

func tableMutation(table, op string) {
	metrics.TableMutationsTotal.WithLabelValues(table, op).Inc()
}

// findGOTSlotByID returns the slot holding id, or -1.
func findGOTSlotByID(table map[int]*GroupObjectEntry, id int) int {
	for slot, entry := range table {
		if entry.ID == id {
			return slot
		}
	}
	return -1
}

// findEmptyGOTSlot returns id's current slot if it already has one, or
// the first free slot, or -1 if the table is full.
func findEmptyGOTSlot(table map[int]*GroupObjectEntry, id int) int {
	if slot := findGOTSlotByID(table, id); slot != -1 {
		return slot
	}
	for slot := 0; slot < maxEntries; slot++ {
		if _, used := table[slot]; !used {
			return slot
		}
	}
	return -1
}

func findRPSlotByID(table map[int]*RPEntry, id int) int {
	for slot, entry := range table {
		if entry.ID == id {
			return slot
		}
	}
	return -1
}

func findEmptyRPSlot(table map[int]*RPEntry, id int) int {
	if slot := findRPSlotByID(table, id); slot != -1 {
		return slot
	}
	for slot := 0; slot < maxEntries; slot++ {
		if _, used := table[slot]; !used {
			return slot
		}
	}
	return -1
}
