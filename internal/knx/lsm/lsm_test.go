package lsm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/buffer"
	"github.com/knx-iot/gateway/internal/coap"
	"github.com/knx-iot/gateway/internal/ri"
	"github.com/knx-iot/gateway/internal/ri/devres"
	"github.com/knx-iot/gateway/internal/storage/memfile"
)

type fakeResetter struct{ calls int }

func (f *fakeResetter) Reset(_ context.Context) error {
	f.calls++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *devres.DeviceProperties) {
	t.Helper()
	store, err := memfile.Open(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	props := &devres.DeviceProperties{SerialNumber: "000001"}
	m := NewManager(store, 0, props)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, props
}

func cborReq(method coap.Code, path string, body interface{}) *coap.Message {
	var payload []byte
	if body != nil {
		payload, _ = cbor.Marshal(body)
	}
	req := &coap.Message{Type: coap.TypeConfirmable, Code: method, MessageID: 1, Token: []byte{1}, Payload: payload}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		req.AddOption(coap.OptionURIPath, []byte(seg))
	}
	return req
}

func TestNewManager_StartsUnloaded(t *testing.T) {
	m, _ := newTestManager(t)
	if m.State() != StateUnloaded {
		t.Fatalf("expected initial state unloaded, got %v", m.State())
	}
	if m.Loading() || m.Loaded() {
		t.Fatalf("expected neither Loading nor Loaded initially")
	}
}

func TestSetState_FollowsValidTransitionsOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.SetState(ctx, StateLoaded); err == nil {
		t.Fatalf("expected UNLOADED -> LOADED to be rejected")
	}
	if err := m.SetState(ctx, StateLoading); err != nil {
		t.Fatalf("expected UNLOADED -> LOADING to succeed: %v", err)
	}
	if !m.Loading() {
		t.Fatalf("expected Loading() true after transition")
	}
	if err := m.SetState(ctx, StateLoaded); err != nil {
		t.Fatalf("expected LOADING -> LOADED to succeed: %v", err)
	}
	if !m.Loaded() {
		t.Fatalf("expected Loaded() true after transition")
	}
	if err := m.SetState(ctx, StateLoading); err != nil {
		t.Fatalf("expected LOADED -> LOADING to succeed (recommission): %v", err)
	}
}

func TestSetState_PersistsAcrossReload(t *testing.T) {
	store, err := memfile.Open(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	ctx := context.Background()
	m := NewManager(store, 0, &devres.DeviceProperties{})
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.SetState(ctx, StateLoading); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	reloaded := NewManager(store, 0, &devres.DeviceProperties{})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	if reloaded.State() != StateLoading {
		t.Fatalf("expected state to survive restart as LOADING, got %v", reloaded.State())
	}
}

func TestFactoryReset_FullResetsAddressingAndTables(t *testing.T) {
	m, props := newTestManager(t)
	resetter := &fakeResetter{}
	m.SetTableResetter(resetter)
	ctx := context.Background()

	if err := m.SetState(ctx, StateLoading); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := m.SetProgrammingMode(ctx, true); err != nil {
		t.Fatalf("SetProgrammingMode: %v", err)
	}

	if err := m.FactoryReset(ctx, ResetFull); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	if m.State() != StateUnloaded {
		t.Fatalf("expected state UNLOADED after full reset, got %v", m.State())
	}
	if resetter.calls != 1 {
		t.Fatalf("expected routing tables reset exactly once, got %d calls", resetter.calls)
	}
	if props.IA != defaultIA || props.ProgrammingMode {
		t.Fatalf("expected device properties reset to defaults, got %+v", props)
	}
}

func TestFactoryReset_IAOnlyLeavesStateAlone(t *testing.T) {
	m, props := newTestManager(t)
	ctx := context.Background()
	if err := m.SetState(ctx, StateLoading); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := m.SetState(ctx, StateLoaded); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	if err := m.FactoryReset(ctx, ResetIA); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}

	if m.State() != StateLoaded {
		t.Fatalf("expected state unaffected by IA-only reset, got %v", m.State())
	}
	if props.IA != defaultIA {
		t.Fatalf("expected IA reset to default, got %#x", props.IA)
	}
}

func TestResource_GetAndPostState(t *testing.T) {
	m, _ := newTestManager(t)
	router := ri.NewRouter(nil)
	m.Register(router)

	postResp := router.Handle(cborReq(coap.CodePOST, "/a/ls", stateWire{State: uint8(StateLoading)}), buffer.Endpoint{})
	if postResp.Code != coap.CodeChanged {
		t.Fatalf("expected 2.04 Changed, got %v", postResp.Code)
	}

	getResp := router.Handle(cborReq(coap.CodeGET, "/a/ls", nil), buffer.Endpoint{})
	if getResp.Code != coap.CodeContent {
		t.Fatalf("expected 2.05 Content, got %v", getResp.Code)
	}
	var w stateWire
	if err := cbor.Unmarshal(getResp.Payload, &w); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if State(w.State) != StateLoading {
		t.Fatalf("expected reported state LOADING, got %v", State(w.State))
	}
}

func TestResource_RestartRejectsUnknownCode(t *testing.T) {
	m, _ := newTestManager(t)
	router := ri.NewRouter(nil)
	m.Register(router)

	resp := router.Handle(cborReq(coap.CodePOST, "/a/restart", resetWire{Code: 99}), buffer.Endpoint{})
	if resp.Code != coap.CodeBadRequest {
		t.Fatalf("expected 4.00 Bad Request for unknown reset code, got %v", resp.Code)
	}
}
