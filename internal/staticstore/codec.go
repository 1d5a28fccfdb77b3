package staticstore

import (
	"encoding/binary"
	"fmt"

	"shmipc/internal/ipcerr"
)

// layoutVersion is checked by Open against every blob's version field, per
// spec.md 4.B ("the opener checks a version field and fails if the layout
// version mismatches"). Deliberately not encoding/gob or JSON: wire-format
// across processes must be byte-stable regardless of the Go version or
// struct tag ordering on either side, the same reasoning
// src/message.go's hand-built Serialize gives for avoiding json.Marshal on
// its hot path, applied here to the cross-process compatibility
// requirement instead of a throughput one.
const layoutVersion uint64 = 1

// Encode serializes cfg into a byte-stable, fixed-field-order layout.
func Encode(cfg StaticConfig) []byte {
	buf := make([]byte, 0, 256)
	buf = appendUint64(buf, layoutVersion)
	buf = appendString(buf, cfg.ServiceId)
	buf = appendString(buf, cfg.ServiceName)
	buf = append(buf, byte(cfg.Pattern))

	buf = appendPubSub(buf, cfg.PubSub)
	buf = appendEvent(buf, cfg.Event)
	buf = appendReqResp(buf, cfg.ReqResp)

	entries := cfg.Attributes.Entries()
	buf = appendUint64(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = appendString(buf, e.Key)
		buf = appendString(buf, e.Value)
	}
	return buf
}

// Decode parses a blob previously produced by Encode, checking the layout
// version first.
func Decode(data []byte) (StaticConfig, error) {
	r := &reader{buf: data}

	version := r.uint64()
	if r.err != nil {
		return StaticConfig{}, r.err
	}
	if version != layoutVersion {
		return StaticConfig{}, fmt.Errorf("%w: static config layout version %d, want %d", ipcerr.ErrInternal, version, layoutVersion)
	}

	var cfg StaticConfig
	cfg.ServiceId = r.string()
	cfg.ServiceName = r.string()
	cfg.Pattern = Pattern(r.byte())

	cfg.PubSub = r.pubSub()
	cfg.Event = r.event()
	cfg.ReqResp = r.reqResp()

	n := r.uint64()
	for i := uint64(0); i < n && r.err == nil; i++ {
		key := r.string()
		val := r.string()
		cfg.Attributes.Add(key, val)
	}

	if r.err != nil {
		return StaticConfig{}, fmt.Errorf("%w: decode static config: %v", ipcerr.ErrInternal, r.err)
	}
	return cfg, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendTypeDetail(buf []byte, t TypeDetail) []byte {
	buf = append(buf, byte(t.Kind))
	buf = appendString(buf, t.TypeName)
	buf = appendUint64(buf, t.Size)
	buf = appendUint64(buf, t.Alignment)
	return buf
}

func appendOptionalUint64(buf []byte, v *uint64) []byte {
	if v == nil {
		buf = append(buf, 0)
		return appendUint64(buf, 0)
	}
	buf = append(buf, 1)
	return appendUint64(buf, *v)
}

func appendPubSub(buf []byte, p PubSubParams) []byte {
	buf = appendInt32(buf, p.MaxPublishers)
	buf = appendInt32(buf, p.MaxSubscribers)
	buf = appendInt32(buf, p.MaxNodes)
	buf = appendInt32(buf, p.HistorySize)
	buf = appendInt32(buf, p.SubscriberMaxBufferSize)
	buf = appendInt32(buf, p.SubscriberMaxBorrowedSamples)
	buf = appendBool(buf, p.EnableSafeOverflow)
	buf = appendTypeDetail(buf, p.PayloadType)
	buf = appendTypeDetail(buf, p.UserHeaderType)
	return buf
}

func appendEvent(buf []byte, e EventParams) []byte {
	buf = appendInt32(buf, e.MaxNotifiers)
	buf = appendInt32(buf, e.MaxListeners)
	buf = appendInt32(buf, e.MaxNodes)
	buf = appendUint64(buf, e.EventIdMaxValue)
	buf = appendOptionalUint64(buf, e.NotifierCreatedId)
	buf = appendOptionalUint64(buf, e.NotifierDroppedId)
	buf = appendOptionalUint64(buf, e.NotifierDeadId)
	buf = appendUint64(buf, uint64(e.DeadlineNanos))
	return buf
}

func appendReqResp(buf []byte, p RequestResponseParams) []byte {
	buf = appendInt32(buf, p.MaxClients)
	buf = appendInt32(buf, p.MaxServers)
	buf = appendInt32(buf, p.MaxActiveRequestsPerClient)
	buf = appendInt32(buf, p.MaxLoanedRequests)
	buf = appendInt32(buf, p.MaxResponseBufferSize)
	buf = appendInt32(buf, p.MaxBorrowedResponsesPerPendingResponse)
	buf = appendBool(buf, p.EnableSafeOverflowForRequests)
	buf = appendBool(buf, p.EnableSafeOverflowForResponses)
	buf = appendBool(buf, p.FireAndForget)
	buf = appendTypeDetail(buf, p.RequestType)
	buf = appendTypeDetail(buf, p.ResponseType)
	return buf
}

// reader walks an encoded buffer field by field, latching the first error
// so callers can check it once at the end instead of after every field.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated static config at offset %d", ipcerr.ErrInternal, r.pos)
		return false
	}
	return true
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) int32() int32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v)
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) bool() bool { return r.byte() != 0 }

func (r *reader) string() string {
	n := r.uint64()
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

func (r *reader) typeDetail() TypeDetail {
	return TypeDetail{
		Kind:      TypeDetailKind(r.byte()),
		TypeName:  r.string(),
		Size:      r.uint64(),
		Alignment: r.uint64(),
	}
}

func (r *reader) optionalUint64() *uint64 {
	present := r.byte()
	v := r.uint64()
	if present == 0 {
		return nil
	}
	return &v
}

func (r *reader) pubSub() PubSubParams {
	return PubSubParams{
		MaxPublishers:                r.int32(),
		MaxSubscribers:               r.int32(),
		MaxNodes:                     r.int32(),
		HistorySize:                  r.int32(),
		SubscriberMaxBufferSize:      r.int32(),
		SubscriberMaxBorrowedSamples: r.int32(),
		EnableSafeOverflow:           r.bool(),
		PayloadType:                  r.typeDetail(),
		UserHeaderType:               r.typeDetail(),
	}
}

func (r *reader) event() EventParams {
	return EventParams{
		MaxNotifiers:      r.int32(),
		MaxListeners:      r.int32(),
		MaxNodes:          r.int32(),
		EventIdMaxValue:   r.uint64(),
		NotifierCreatedId: r.optionalUint64(),
		NotifierDroppedId: r.optionalUint64(),
		NotifierDeadId:    r.optionalUint64(),
		DeadlineNanos:     int64(r.uint64()),
	}
}

func (r *reader) reqResp() RequestResponseParams {
	return RequestResponseParams{
		MaxClients:                             r.int32(),
		MaxServers:                             r.int32(),
		MaxActiveRequestsPerClient:              r.int32(),
		MaxLoanedRequests:                       r.int32(),
		MaxResponseBufferSize:                   r.int32(),
		MaxBorrowedResponsesPerPendingResponse:   r.int32(),
		EnableSafeOverflowForRequests:           r.bool(),
		EnableSafeOverflowForResponses:          r.bool(),
		FireAndForget:                           r.bool(),
		RequestType:                             r.typeDetail(),
		ResponseType:                            r.typeDetail(),
	}
}
