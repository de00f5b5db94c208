package noise

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// handshakePayload 握手 payload
//
//	message NoiseHandshakePayload {
//	  bytes identity_key = 1;
//	  bytes identity_sig = 2;
//	  bytes data         = 3;
//	}
type handshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
}

func (p *handshakePayload) marshal() []byte {
	b := make([]byte, 0, len(p.IdentityKey)+len(p.IdentitySig)+4)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.IdentityKey)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, p.IdentitySig)
	return b
}

func (p *handshakePayload) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrInvalidPayload
		}
		b = b[n:]
		if wt == protowire.BytesType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrInvalidPayload
			}
			if num == 1 {
				p.IdentityKey = append([]byte(nil), v...)
			} else {
				p.IdentitySig = append([]byte(nil), v...)
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, wt, b)
		if n < 0 {
			return ErrInvalidPayload
		}
		b = b[n:]
	}
	if len(p.IdentityKey) == 0 || len(p.IdentitySig) == 0 {
		return ErrInvalidPayload
	}
	return nil
}
