package noise

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"

	"github.com/dep2p/go-webnode/internal/core/identity"
	"github.com/dep2p/go-webnode/pkg/types"
)

// payloadSigPrefix 签名 payload 的前缀
const payloadSigPrefix = "noise-libp2p-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ============================================================================
//                              Noise XX 握手
// ============================================================================

// performHandshake 执行 Noise XX 握手
//
// expected 非空时校验远端 PeerID。
func performHandshake(conn net.Conn, id *identity.Identity, expected types.PeerID, initiator bool) (*secureConn, error) {
	static, err := staticKeypair(id)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	localPayload, err := makePayload(id, static.Public)
	if err != nil {
		return nil, err
	}

	var (
		sendCS, recvCS *noise.CipherState
		remotePayload  []byte
	)
	if initiator {
		sendCS, recvCS, remotePayload, err = initiatorHandshake(conn, hs, localPayload)
	} else {
		sendCS, recvCS, remotePayload, err = responderHandshake(conn, hs, localPayload)
	}
	if err != nil {
		return nil, err
	}

	remoteKey, remotePeer, err := verifyPayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if expected != "" && remotePeer != expected {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, expected.ShortString(), remotePeer.ShortString())
	}

	return &secureConn{
		Conn:       conn,
		sendCS:     sendCS,
		recvCS:     recvCS,
		localPeer:  id.PeerID(),
		remotePeer: remotePeer,
		remoteKey:  remoteKey,
	}, nil
}

// staticKeypair 从 Ed25519 身份派生 Curve25519 静态密钥
func staticKeypair(id *identity.Identity) (noise.DHKey, error) {
	priv := ed25519ToCurve25519Private(id.PrivateKey().Seed())
	pub, err := ed25519ToCurve25519Public(id.PublicKey().Raw())
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: priv, Public: pub}, nil
}

// makePayload 生成本地握手 payload
func makePayload(id *identity.Identity, staticPub []byte) ([]byte, error) {
	sig, err := id.Sign(append([]byte(payloadSigPrefix), staticPub...))
	if err != nil {
		return nil, fmt.Errorf("sign static key: %w", err)
	}
	p := handshakePayload{
		IdentityKey: identity.MarshalPublicKey(id.PublicKey()),
		IdentitySig: sig,
	}
	return p.marshal(), nil
}

// verifyPayload 验证远端 payload 并派生远端 PeerID
func verifyPayload(raw, remoteStatic []byte) ([]byte, types.PeerID, error) {
	if len(remoteStatic) != 32 {
		return nil, "", fmt.Errorf("%w: remote static key length %d", ErrInvalidPayload, len(remoteStatic))
	}

	var p handshakePayload
	if err := p.unmarshal(raw); err != nil {
		return nil, "", err
	}
	pub, err := identity.UnmarshalPublicKey(p.IdentityKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if !pub.Verify(append([]byte(payloadSigPrefix), remoteStatic...), p.IdentitySig) {
		return nil, "", ErrInvalidSignature
	}
	peer, err := identity.PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, "", err
	}
	return p.IdentityKey, peer, nil
}

// initiatorHandshake 发起者握手
//
// 返回的 CipherState 顺序为（发送，接收）。
func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	// <- e, ee, s, es, payload
	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	// -> s, se, payload
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, remotePayload, nil
}

// responderHandshake 响应者握手
func responderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	// <- e
	msg, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	// -> e, ee, s, es, payload
	msg, _, _, err = hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	// <- s, se, payload
	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	// 响应者方向与发起者相反
	return cs2, cs1, remotePayload, nil
}

// ============================================================================
//                              密钥转换
// ============================================================================

// ed25519ToCurve25519Private 将 Ed25519 种子转换为 Curve25519 私钥（RFC 7748 clamping）
func ed25519ToCurve25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519ToCurve25519Public 将 Ed25519 公钥转换为 Curve25519 公钥
//
// Edwards -> Montgomery：u = (1 + y) / (1 - y) (mod p)
func ed25519ToCurve25519Public(pub []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length: %d", len(pub))
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 point: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// ============================================================================
//                              帧读写
// ============================================================================

// writeFrame 写入帧（2 字节长度 + 数据），单次 Write 完成
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame 读取帧（2 字节长度 + 数据）
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
