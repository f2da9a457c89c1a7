package lanudp

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
)

const wireVersion = 1

// Datagram kinds.
const (
	kindProbe uint8 = iota + 1 // discovery probe, broadcast
	kindReply                  // discovery reply, unicast to the prober
	kindData                   // application-level delivery
)

// Payload flags.
const (
	flagCompressed uint8 = 1 << iota
	flagEncrypted
)

// datagram is the CBOR envelope of every packet on the wire. Probes and
// replies carry the sender's descriptor (node id, unicast port,
// capabilities); data packets carry a sealed payload.
type datagram struct {
	Version      uint8    `cbor:"1,keyasint,omitempty"`
	Kind         uint8    `cbor:"2,keyasint,omitempty"`
	NodeID       string   `cbor:"3,keyasint,omitempty"`
	Port         int      `cbor:"4,keyasint,omitempty"`
	Capabilities []string `cbor:"5,keyasint,omitempty"`
	Nonce        []byte   `cbor:"6,keyasint,omitempty"`
	Flags        uint8    `cbor:"7,keyasint,omitempty"`
	Payload      []byte   `cbor:"8,keyasint,omitempty"`
	Mac          []byte   `cbor:"9,keyasint,omitempty"`
}

func (d *datagram) encode() ([]byte, error) {
	return cbor.Marshal(d)
}

func decodeDatagram(data []byte) (*datagram, error) {
	var d datagram
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// macInput serializes every authenticated field. The Mac field itself is
// excluded; variable-length fields are length-prefixed so field boundaries
// cannot be shifted.
func (d *datagram) macInput() []byte {
	buf := make([]byte, 0, 64+len(d.NodeID)+len(d.Nonce)+len(d.Payload))
	buf = append(buf, d.Version, d.Kind, d.Flags)
	buf = appendLenPrefixed(buf, []byte(d.NodeID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(d.Port))
	for _, c := range d.Capabilities {
		buf = appendLenPrefixed(buf, []byte(c))
	}
	buf = appendLenPrefixed(buf, d.Nonce)
	buf = appendLenPrefixed(buf, d.Payload)
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}
