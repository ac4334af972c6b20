package gm

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/knx-iot/gateway/internal/storage"
)

// CBOR field keys, stable small integers shared across the resource
// surface: 0=id, 7=ga, 8=cflags, 10=url, 11=href, 12=ia, 13=grpid,
// 14=at, 25=fid, 26=iid, 112=path.
const (
	keyID     = 0
	keyGA     = 7
	keyCFlags = 8
	keyURL    = 10
	keyHref   = 11
	keyIA     = 12
	keyGrpID  = 13
	keyAt     = 14
	keyFID    = 25
	keyIID    = 26
	keyPath   = 112
)

func mapInt(obj map[int]interface{}, key int) (int64, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

func mapString(obj map[int]interface{}, key int) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mapIntArray(obj map[int]interface{}, key int) ([]uint32, bool) {
	v, ok := obj[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]uint32, 0, len(arr))
	for _, e := range arr {
		switch n := e.(type) {
		case int64:
			out = append(out, uint32(n))
		case uint64:
			out = append(out, uint32(n))
		}
	}
	return out, true
}

// decodeCFlags accepts either a raw integer bitmask or an array of the
// wire's 1..5 flag codes (read, write, transmission, update, init),
// matching how the original accepts both encodings on POST.
func decodeCFlags(v interface{}) CFlag {
	switch val := v.(type) {
	case int64:
		return CFlag(val)
	case uint64:
		return CFlag(val)
	case []interface{}:
		var out CFlag
		for _, e := range val {
			var code int64
			switch n := e.(type) {
			case int64:
				code = n
			case uint64:
				code = int64(n)
			default:
				continue
			}
			switch code {
			case 1:
				out |= CFlagRead
			case 2:
				out |= CFlagWrite
			case 3:
				out |= CFlagTransmission
			case 4:
				out |= CFlagUpdate
			case 5:
				out |= CFlagInit
			}
		}
		return out
	}
	return CFlagNone
}

func gotStorageKey(slot int) string { return fmt.Sprintf("GOT_STORE_%d", slot) }

func rpStorageKey(kind rpKind, slot int) string {
	return fmt.Sprintf("%s_STORE_%d", kind.storePrefix, slot)
}

type gotWire struct {
	ID     int      `cbor:"0,keyasint"`
	Href   string   `cbor:"11,keyasint"`
	GA     []uint32 `cbor:"7,keyasint"`
	CFlags CFlag    `cbor:"8,keyasint"`
}

func storeGOTEntry(ctx context.Context, store storage.Store, slot int, entry *GroupObjectEntry) error {
	raw, err := cbor.Marshal(gotWire{ID: entry.ID, Href: entry.Href, GA: entry.GA, CFlags: entry.CFlags})
	if err != nil {
		return err
	}
	return store.Put(ctx, gotStorageKey(slot), raw)
}

func deleteGOTEntry(ctx context.Context, store storage.Store, slot int) error {
	return store.Delete(ctx, gotStorageKey(slot))
}

func loadGOTEntry(ctx context.Context, store storage.Store, slot int) (*GroupObjectEntry, bool, error) {
	raw, found, err := store.Get(ctx, gotStorageKey(slot))
	if err != nil || !found {
		return nil, false, err
	}
	var w gotWire
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("gm: decoding group object entry at slot %d: %w", slot, err)
	}
	return &GroupObjectEntry{ID: w.ID, Href: w.Href, GA: w.GA, CFlags: w.CFlags}, true, nil
}

type rpWire struct {
	ID      int      `cbor:"0,keyasint"`
	GA      []uint32 `cbor:"7,keyasint"`
	IA      int      `cbor:"12,keyasint"`
	GroupID uint32   `cbor:"13,keyasint"`
	IID     uint64   `cbor:"26,keyasint"`
	FID     int      `cbor:"25,keyasint"`
	Path    string   `cbor:"112,keyasint"`
	URL     string   `cbor:"10,keyasint"`
	At      string   `cbor:"14,keyasint"`
}

func storeRPEntry(ctx context.Context, store storage.Store, kind rpKind, slot int, e *RPEntry) error {
	raw, err := cbor.Marshal(rpWire{
		ID: e.ID, GA: e.GA, IA: e.IA, GroupID: e.GroupID, IID: e.IID,
		FID: e.FunctionID, Path: e.Path, URL: e.URL, At: e.At,
	})
	if err != nil {
		return err
	}
	return store.Put(ctx, rpStorageKey(kind, slot), raw)
}

func deleteRPEntry(ctx context.Context, store storage.Store, kind rpKind, slot int) error {
	return store.Delete(ctx, rpStorageKey(kind, slot))
}

func loadRPEntry(ctx context.Context, store storage.Store, kind rpKind, slot int) (*RPEntry, bool, error) {
	raw, found, err := store.Get(ctx, rpStorageKey(kind, slot))
	if err != nil || !found {
		return nil, false, err
	}
	var w rpWire
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, false, fmt.Errorf("gm: decoding %s entry at slot %d: %w", kind.name, slot, err)
	}
	return &RPEntry{
		ID: w.ID, GA: w.GA, IA: w.IA, GroupID: w.GroupID, IID: w.IID,
		FunctionID: w.FID, Path: w.Path, URL: w.URL, At: w.At,
	}, true, nil
}
