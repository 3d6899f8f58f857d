package entitytime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qfeature"
)

// encMode keeps sub-second precision on the wire.
var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Time is the payload of a time response: the sender's clock in UTC and its UTC offset.
type Time struct {
	UTC time.Time `cbor:"1,keyasint"`
	TZO string    `cbor:"2,keyasint"`
}

// NewTime captures now and the offset of its location.
func NewTime(now time.Time) Time {
	_, offset := now.Zone()
	return Time{
		UTC: now.UTC(),
		TZO: FormatTZO(offset),
	}
}

// Local returns the time in a fixed zone with the sender's offset.
func (t Time) Local() (time.Time, error) {
	offset, err := ParseTZO(t.TZO)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC.In(time.FixedZone(t.TZO, offset)), nil
}

func (t Time) String() string {
	local, err := t.Local()
	if err != nil {
		return t.UTC.Format(time.RFC3339)
	}
	return local.Format(time.RFC3339)
}

// FormatTZO formats an offset in seconds east of UTC as "+hh:mm" or "-hh:mm".
func FormatTZO(offset int) string {
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, offset%3600/60)
}

// ParseTZO parses "+hh:mm", "-hh:mm" or "Z" into seconds east of UTC.
func ParseTZO(s string) (int, error) {
	if s == "Z" {
		return 0, nil
	}
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return 0, fmt.Errorf("entitytime: invalid offset %q", s)
	}
	h, err := strconv.Atoi(s[1:3])
	if err != nil || h < 0 || h > 14 {
		return 0, fmt.Errorf("entitytime: invalid offset hours %q", s)
	}
	m, err := strconv.Atoi(s[4:6])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("entitytime: invalid offset minutes %q", s)
	}
	offset := h*3600 + m*60
	if s[0] == '-' {
		offset = -offset
	}
	return offset, nil
}

// NewRequest builds a time query addressed to peer.
func NewRequest(peer qfeature.Addr) *qfeature.Message {
	return &qfeature.Message{
		To:        peer,
		Element:   Element,
		Namespace: Namespace,
		Type:      qfeature.TypeGet,
	}
}

// NewResponse answers req with the time now. Addressing is copied from req.
func NewResponse(req *qfeature.Message, now time.Time) (*qfeature.Message, error) {
	raw, err := encMode.Marshal(NewTime(now))
	if err != nil {
		return nil, err
	}
	resp := qfeature.ResultFor(req)
	resp.Payload = raw
	return resp, nil
}

// Response is a decoded time response.
type Response struct {
	ID   qfeature.MessageID
	From qfeature.Addr
	To   qfeature.Addr
	Time Time
}

// DecodeResponse decodes a time result.
func DecodeResponse(msg *qfeature.Message) (*Response, error) {
	if msg.Element != Element || msg.Namespace != Namespace {
		return nil, fmt.Errorf("entitytime: unexpected response %s/%s", msg.Element, msg.Namespace)
	}
	var t Time
	if err := cbor.Unmarshal(msg.Payload, &t); err != nil {
		return nil, fmt.Errorf("entitytime: decode time: %w", err)
	}
	if _, err := ParseTZO(t.TZO); err != nil {
		return nil, err
	}
	return &Response{
		ID:   msg.ID,
		From: msg.From,
		To:   msg.To,
		Time: t,
	}, nil
}
