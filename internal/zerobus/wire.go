package zerobus

import (
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/otbridge/otbridge/pkg/models"
)

// Client message: batch_id=1 (varint), records=2 (repeated bytes),
// checksum=3 (fixed32, CRC-32/IEEE over the concatenated record payloads).
//
// Server message: ack_batch_id=1 (varint), status=2 (varint, 0 means
// accepted), message=3 (string).

// Ack statuses understood from the server.
const (
	AckOK            = 0
	AckRetryable     = 1
	AckUnauthorized  = 2
	AckSchemaInvalid = 3
)

// Batch is one client stream message before encoding.
type Batch struct {
	BatchID uint64
	Records [][]byte
}

// Checksum computes the CRC over the record payloads in order.
func (b Batch) Checksum() uint32 {
	crc := crc32.NewIEEE()
	for _, rec := range b.Records {
		crc.Write(rec)
	}
	return crc.Sum32()
}

// Marshal encodes the batch message.
func (b Batch) Marshal() []byte {
	size := 0
	for _, rec := range b.Records {
		size += len(rec) + 8
	}
	out := make([]byte, 0, size+24)
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, b.BatchID)
	for _, rec := range b.Records {
		out = protowire.AppendTag(out, 2, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}
	out = protowire.AppendTag(out, 3, protowire.Fixed32Type)
	out = protowire.AppendFixed32(out, b.Checksum())
	return out
}

// Ack is one decoded server message.
type Ack struct {
	BatchID uint64
	Status  int
	Message string
}

// OK reports whether the batch was accepted.
func (a Ack) OK() bool { return a.Status == AckOK }

// UnmarshalAck decodes a server message, skipping unknown fields.
func UnmarshalAck(data []byte) (Ack, error) {
	var a Ack
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, models.NewError(models.KindProtocolError, "malformed ack tag")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, models.NewError(models.KindProtocolError, "malformed ack batch id")
			}
			a.BatchID = v
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, models.NewError(models.KindProtocolError, "malformed ack status")
			}
			a.Status = int(v)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return a, models.NewError(models.KindProtocolError, "malformed ack message")
			}
			a.Message = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, models.NewError(models.KindProtocolError, "malformed ack field")
			}
			data = data[n:]
		}
	}
	return a, nil
}
