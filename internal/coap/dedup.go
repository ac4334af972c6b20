package coap

import "github.com/knx-iot/gateway/internal/metrics"

// historySize mirrors OC_REQUEST_HISTORY_SIZE: the message id and
// device index are compared against the last this-many accepted
// non-reset requests; a match is dropped as a duplicate.
const historySize = 25

// DuplicateSuppressor is a ring buffer of (message id, device) tuples
// for inbound request de-duplication, updated only on accepted
// non-reset requests.
type DuplicateSuppressor struct {
	mid    [historySize]uint16
	device [historySize]uint8
	seen   [historySize]bool
	next   int
}

// NewDuplicateSuppressor returns an empty suppressor.
func NewDuplicateSuppressor() *DuplicateSuppressor {
	return &DuplicateSuppressor{}
}

// IsDuplicate reports whether (mid, device) matches any entry
// currently in the history.
func (d *DuplicateSuppressor) IsDuplicate(mid uint16, device uint8) bool {
	for i := 0; i < historySize; i++ {
		if d.seen[i] && d.mid[i] == mid && d.device[i] == device {
			metrics.CoapDuplicatesTotal.WithLabelValues(deviceLabel(device)).Inc()
			return true
		}
	}
	return false
}

// Record adds (mid, device) to the ring, overwriting the oldest entry.
// Callers must only record accepted non-reset requests.
func (d *DuplicateSuppressor) Record(mid uint16, device uint8) {
	d.mid[d.next] = mid
	d.device[d.next] = device
	d.seen[d.next] = true
	d.next = (d.next + 1) % historySize
}

func deviceLabel(device uint8) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[device>>4], hexDigits[device&0x0F]})
}
