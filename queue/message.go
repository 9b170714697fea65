package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderEventType = "event_type"
	HeaderPartition = "partition"
	HeaderOffset    = "offset"
	HeaderMessageID = "message_id"

	// NoOffset marks deliveries from transports without positional offsets.
	NoOffset int64 = -1
)

type Encoder interface {
	Encode(ctx context.Context, v any) ([]byte, error)
}

type Decoder interface {
	Decode(ctx context.Context, data []byte, into any) error
}

type jsonCodec struct{}

func (jsonCodec) Encode(_ context.Context, v any) ([]byte, error) {
	if raw, ok := v.([]byte); ok {
		return append([]byte(nil), raw...), nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Decode(_ context.Context, data []byte, into any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, into)
}

// Delivery is a message as handed over by a transport. Drivers own it; the
// engine never modifies it and exposes it to handlers only as an Envelope.
// Transports without positional offsets set Offset to NoOffset.
type Delivery struct {
	ID         string
	Topic      string
	Partition  int32
	Offset     int64
	Key        string
	Headers    map[string]string
	Data       []byte
	Token      any
	ReceivedAt time.Time
	Attempt    int
}

func (d *Delivery) Size() int { return len(d.Data) }

// ResolvedPartition returns the partition the delivery is tracked under.
// Partitioned transports always own the position; the partition header is
// only consulted for transports that have none.
func (d *Delivery) ResolvedPartition(partitioned bool) int32 {
	if partitioned || d.Partition != 0 {
		return d.Partition
	}
	if v, ok := d.Headers[HeaderPartition]; ok {
		if p, err := strconv.ParseInt(v, 10, 32); err == nil && p >= 0 {
			return int32(p)
		}
	}
	return 0
}

// ResolvedOffset is the offset counterpart of ResolvedPartition. It returns
// NoOffset when neither the transport nor the headers carry one.
func (d *Delivery) ResolvedOffset(partitioned bool) int64 {
	if partitioned || d.Offset >= 0 {
		return d.Offset
	}
	if v, ok := d.Headers[HeaderOffset]; ok {
		if o, err := strconv.ParseInt(v, 10, 64); err == nil && o >= 0 {
			return o
		}
	}
	return NoOffset
}

// Envelope is the read-only view of a Delivery given to handlers.
type Envelope struct {
	id         string
	topic      string
	key        string
	partition  int32
	offset     int64
	headers    map[string]string
	data       []byte
	attempt    int
	receivedAt time.Time
	decoder    Decoder
}

func newEnvelope(d *Delivery, topic string, decoder Decoder, partitioned bool) *Envelope {
	if d.Topic != "" {
		topic = d.Topic
	}
	id := d.ID
	if id == "" {
		id = d.Headers[HeaderMessageID]
	}
	return &Envelope{
		id:         id,
		topic:      topic,
		key:        d.Key,
		partition:  d.ResolvedPartition(partitioned),
		offset:     d.ResolvedOffset(partitioned),
		headers:    cloneMap(d.Headers),
		data:       append([]byte(nil), d.Data...),
		attempt:    d.Attempt,
		receivedAt: d.ReceivedAt,
		decoder:    decoder,
	}
}

func (m *Envelope) ID() string { return m.id }

func (m *Envelope) Topic() string { return m.topic }

func (m *Envelope) Key() string { return m.key }

func (m *Envelope) Partition() int32 { return m.partition }

func (m *Envelope) Offset() int64 { return m.offset }

func (m *Envelope) HasOffset() bool { return m.offset >= 0 }

func (m *Envelope) Attempt() int { return m.attempt }

func (m *Envelope) ReceivedAt() time.Time { return m.receivedAt }

func (m *Envelope) Headers() map[string]string { return cloneMap(m.headers) }

func (m *Envelope) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

func (m *Envelope) EventType() string { return m.headers[HeaderEventType] }

func (m *Envelope) Data() []byte { return append([]byte(nil), m.data...) }

func (m *Envelope) Size() int { return len(m.data) }

func (m *Envelope) Decode(ctx context.Context, into any) error {
	if m.decoder == nil {
		return jsonCodec{}.Decode(ctx, m.data, into)
	}
	return m.decoder.Decode(ctx, m.data, into)
}

// Outbound is a message prepared for Transport.Publish.
type Outbound struct {
	ID      string
	Topic   string
	Key     string
	Headers map[string]string
	Data    []byte
}

func (o *Outbound) Size() int { return len(o.Data) }

// NewOutbound encodes body as JSON (raw []byte is sent as is) and assigns a
// time ordered message id.
func NewOutbound(topic, key string, body any, headers map[string]string) (*Outbound, error) {
	return newOutbound(context.Background(), jsonCodec{}, topic, key, body, headers)
}

func newOutbound(ctx context.Context, encoder Encoder, topic, key string, body any, headers map[string]string) (*Outbound, error) {
	if topic == "" {
		return nil, errors.New("queue: topic required")
	}
	data, err := encoder.Encode(ctx, body)
	if err != nil {
		return nil, err
	}
	id := newMessageID()
	out := &Outbound{
		ID:      id,
		Topic:   topic,
		Key:     key,
		Headers: cloneMap(headers),
		Data:    data,
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	if _, ok := out.Headers[HeaderMessageID]; !ok {
		out.Headers[HeaderMessageID] = id
	}
	return out, nil
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}
