package p2p

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	ethcrypto "github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/rlp"
)

const (
	nonceLen        = 32
	sigLen          = 65
	pubkey64Len     = 64
	authVersion     = 4
	maxEIP8MsgSize  = 8192 // generous upper bound on an auth/ack packet
	legacyAuthSize  = nonceLen + sigLen + pubkey64Len // pre-EIP-8 fixed-size auth body
	legacyAckSize   = nonceLen + pubkey64Len          // pre-EIP-8 fixed-size ack body
)

var (
	ErrECIESAuthFailed = errors.New("p2p: ecies auth message verification failed")
	ErrECIESAckFailed  = errors.New("p2p: ecies ack message verification failed")
	ErrECIESVersion    = errors.New("p2p: ecies version mismatch")

	// errPreHelloMessage marks a subprotocol message that arrived before the
	// Hello handshake completed (devp2p protocol breach, reason 2).
	errPreHelloMessage = errors.New("p2p: message received before hello")
)

// authBodyV4 is the RLP shape of the auth message sent by the initiator.
// The initiator proves its identity by signing keccak(static-shared-secret
// XOR nonce) with its ephemeral key; the responder recovers the ephemeral
// public key from the signature rather than receiving it directly.
type authBodyV4 struct {
	Signature       [sigLen]byte
	InitiatorPubkey [pubkey64Len]byte // Raw 64-byte static public key (X||Y).
	Nonce           [nonceLen]byte
	Version         uint
}

// ackBodyV4 is the RLP shape of the ack message sent by the responder. The
// responder's identity is already known to the initiator (it dialed this
// node), so the ack simply states the responder's ephemeral public key.
type ackBodyV4 struct {
	EphemeralPubkey [pubkey64Len]byte
	Nonce           [nonceLen]byte
	Version         uint
}

// ECIESHandshake drives one side of the RLPx ECIES handshake: it builds and
// parses the auth/ack messages and derives the session secrets once both
// nonces and both ephemeral public keys are known.
type ECIESHandshake struct {
	staticKey       *ecdsa.PrivateKey
	ephemeralKey    *ecdsa.PrivateKey
	remoteStaticPub *ecdsa.PublicKey
	remoteEphPub    *ecdsa.PublicKey
	localNonce      [32]byte
	remoteNonce     [32]byte
	initiator       bool

	sentAuthBytes     []byte // Raw framed bytes of the message we sent (auth or ack).
	receivedAuthBytes []byte // Raw framed bytes of the message we received.

	aesSecret []byte
	macSecret []byte
}

// NewECIESHandshake creates a new ECIES handshake state. staticKey is the
// node's long-lived identity key. remoteStaticPub may be nil for the
// responder side (learned from the incoming auth message).
func NewECIESHandshake(staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool) (*ECIESHandshake, error) {
	if staticKey == nil {
		return nil, errors.New("p2p: nil static key")
	}
	ephKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("p2p: generate ephemeral key: %w", err)
	}
	h := &ECIESHandshake{
		staticKey:       staticKey,
		ephemeralKey:    ephKey,
		remoteStaticPub: remoteStaticPub,
		initiator:       initiator,
	}
	if _, err := rand.Read(h.localNonce[:]); err != nil {
		return nil, fmt.Errorf("p2p: generate nonce: %w", err)
	}
	return h, nil
}

// staticSharedXORNonce computes keccak-preimage material shared between the
// two static keys, XORed with a nonce: the signed/recovered quantity in the
// auth message.
func staticSharedXORNonce(staticKey *ecdsa.PrivateKey, remoteStatic *ecdsa.PublicKey, nonce []byte) ([]byte, error) {
	shared, err := ethcrypto.GenerateSharedSecret(staticKey, remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("p2p: static ecdh: %w", err)
	}
	mixed := make([]byte, len(shared))
	for i := range shared {
		mixed[i] = shared[i] ^ nonce[i]
	}
	return ethcrypto.Keccak256(mixed), nil
}

// MakeAuthMsg builds and ECIES-encrypts the initiator's auth message.
func (h *ECIESHandshake) MakeAuthMsg() ([]byte, error) {
	if h.remoteStaticPub == nil {
		return nil, errors.New("p2p: remote static key required for auth")
	}
	hash, err := staticSharedXORNonce(h.staticKey, h.remoteStaticPub, h.localNonce[:])
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(hash, h.ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: sign auth: %w", err)
	}

	body := authBodyV4{Version: authVersion}
	copy(body.Signature[:], sig)
	copy(body.InitiatorPubkey[:], ethcrypto.MarshalPubkey64(&h.staticKey.PublicKey))
	copy(body.Nonce[:], h.localNonce[:])

	plain, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode auth body: %w", err)
	}
	framed, err := eip8Encrypt(h.remoteStaticPub, plain)
	if err != nil {
		return nil, fmt.Errorf("p2p: ecies encrypt auth: %w", err)
	}
	h.sentAuthBytes = framed
	return framed, nil
}

// HandleAuthMsg decrypts and parses a received auth message, recovering the
// initiator's ephemeral and static public keys.
func (h *ECIESHandshake) HandleAuthMsg(framed []byte) error {
	h.receivedAuthBytes = framed
	plain, err := eip8Decrypt(h.staticKey, framed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrECIESAuthFailed, err)
	}

	var body authBodyV4
	var remoteStaticPub *ecdsa.PublicKey
	var nonce []byte
	var sig []byte

	if err := rlp.DecodeBytes(plain, &body); err == nil {
		remoteStaticPub, err = ethcrypto.UnmarshalPubkey64(body.InitiatorPubkey[:])
		if err != nil {
			return fmt.Errorf("%w: invalid static key: %v", ErrECIESAuthFailed, err)
		}
		nonce = body.Nonce[:]
		sig = body.Signature[:]
	} else {
		// Legacy pre-EIP-8 fixed-size body: [nonce(32)][sig(65)][static-pubkey(64)].
		if len(plain) < legacyAuthSize {
			return fmt.Errorf("%w: message too short: %d", ErrECIESAuthFailed, len(plain))
		}
		nonce = plain[:32]
		sig = plain[32:97]
		var perr error
		remoteStaticPub, perr = ethcrypto.UnmarshalPubkey64(plain[97:161])
		if perr != nil {
			return fmt.Errorf("%w: invalid legacy static key: %v", ErrECIESAuthFailed, perr)
		}
	}

	h.remoteStaticPub = remoteStaticPub
	copy(h.remoteNonce[:], nonce)

	hash, err := staticSharedXORNonce(h.staticKey, h.remoteStaticPub, h.remoteNonce[:])
	if err != nil {
		return err
	}
	remoteEphPub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: signature recovery: %v", ErrECIESAuthFailed, err)
	}
	h.remoteEphPub = remoteEphPub
	return nil
}

// MakeAckMsg builds and ECIES-encrypts the responder's ack message.
func (h *ECIESHandshake) MakeAckMsg() ([]byte, error) {
	if h.remoteStaticPub == nil {
		return nil, errors.New("p2p: remote static key required for ack")
	}
	body := ackBodyV4{Version: authVersion}
	copy(body.EphemeralPubkey[:], ethcrypto.MarshalPubkey64(&h.ephemeralKey.PublicKey))
	copy(body.Nonce[:], h.localNonce[:])

	plain, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode ack body: %w", err)
	}
	framed, err := eip8Encrypt(h.remoteStaticPub, plain)
	if err != nil {
		return nil, fmt.Errorf("p2p: ecies encrypt ack: %w", err)
	}
	h.sentAuthBytes = framed
	return framed, nil
}

// HandleAckMsg decrypts and parses a received ack message.
func (h *ECIESHandshake) HandleAckMsg(framed []byte) error {
	h.receivedAuthBytes = framed
	plain, err := eip8Decrypt(h.staticKey, framed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrECIESAckFailed, err)
	}

	var body ackBodyV4
	var ephBytes, nonce []byte

	if err := rlp.DecodeBytes(plain, &body); err == nil {
		ephBytes = body.EphemeralPubkey[:]
		nonce = body.Nonce[:]
	} else {
		// Legacy pre-EIP-8 fixed-size body: [nonce(32)][ephemeral-pubkey(64)].
		if len(plain) < legacyAckSize {
			return fmt.Errorf("%w: message too short: %d", ErrECIESAckFailed, len(plain))
		}
		nonce = plain[:32]
		ephBytes = plain[32:96]
	}

	remoteEphPub, err := ethcrypto.UnmarshalPubkey64(ephBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid ephemeral key: %v", ErrECIESAckFailed, err)
	}
	h.remoteEphPub = remoteEphPub
	copy(h.remoteNonce[:], nonce)
	return nil
}

// DeriveSecrets computes the RLPx session secrets per the Keccak-based
// derivation chain: shared-secret, aes-secret, mac-secret.
func (h *ECIESHandshake) DeriveSecrets() error {
	if h.remoteEphPub == nil {
		return errors.New("p2p: remote ephemeral key not set")
	}
	ephemeralShared, err := ethcrypto.GenerateSharedSecret(h.ephemeralKey, h.remoteEphPub)
	if err != nil {
		return fmt.Errorf("p2p: ephemeral ecdh: %w", err)
	}

	var initNonce, respNonce []byte
	if h.initiator {
		initNonce, respNonce = h.localNonce[:], h.remoteNonce[:]
	} else {
		initNonce, respNonce = h.remoteNonce[:], h.localNonce[:]
	}

	nonceHash := ethcrypto.Keccak256(respNonce, initNonce)
	sharedSecret := ethcrypto.Keccak256(ephemeralShared, nonceHash)
	h.aesSecret = ethcrypto.Keccak256(ephemeralShared, sharedSecret)
	h.macSecret = ethcrypto.Keccak256(ephemeralShared, h.aesSecret)
	return nil
}

func (h *ECIESHandshake) AESSecret() []byte                  { return h.aesSecret }
func (h *ECIESHandshake) MACSecret() []byte                  { return h.macSecret }
func (h *ECIESHandshake) RemoteStaticPub() *ecdsa.PublicKey  { return h.remoteStaticPub }
func (h *ECIESHandshake) LocalNonce() [32]byte               { return h.localNonce }
func (h *ECIESHandshake) RemoteNonce() [32]byte              { return h.remoteNonce }

// --- Full handshake over a connection ---

// DoECIESHandshake performs the ECIES transport handshake (auth/ack exchange
// plus secret derivation) over conn and returns the resulting frame codec
// along with the handshake state (needed by the caller to check identity).
func DoECIESHandshake(conn net.Conn, staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool) (*FrameCodec, *ECIESHandshake, error) {
	hs, err := NewECIESHandshake(staticKey, remoteStaticPub, initiator)
	if err != nil {
		return nil, nil, err
	}

	if initiator {
		authMsg, err := hs.MakeAuthMsg()
		if err != nil {
			return nil, nil, err
		}
		if _, err := conn.Write(authMsg); err != nil {
			return nil, nil, fmt.Errorf("p2p: write auth: %w", err)
		}
		ackData, err := readEIP8Frame(conn)
		if err != nil {
			return nil, nil, fmt.Errorf("p2p: read ack: %w", err)
		}
		if err := hs.HandleAckMsg(ackData); err != nil {
			return nil, nil, err
		}
	} else {
		authData, err := readEIP8Frame(conn)
		if err != nil {
			return nil, nil, fmt.Errorf("p2p: read auth: %w", err)
		}
		if err := hs.HandleAuthMsg(authData); err != nil {
			return nil, nil, err
		}
		ackMsg, err := hs.MakeAckMsg()
		if err != nil {
			return nil, nil, err
		}
		if _, err := conn.Write(ackMsg); err != nil {
			return nil, nil, fmt.Errorf("p2p: write ack: %w", err)
		}
	}

	if err := hs.DeriveSecrets(); err != nil {
		return nil, nil, err
	}

	var localNonce, remoteNonce []byte = hs.localNonce[:], hs.remoteNonce[:]
	codec, err := NewFrameCodec(conn, FrameCodecConfig{
		AESSecret:         hs.aesSecret,
		MACSecret:         hs.macSecret,
		LocalNonce:        localNonce,
		RemoteNonce:       remoteNonce,
		SentAuthBytes:     hs.sentAuthBytes,
		ReceivedAuthBytes: hs.receivedAuthBytes,
	})
	if err != nil {
		return nil, nil, err
	}
	return codec, hs, nil
}

// FullHandshake performs the ECIES transport handshake followed by the
// devp2p hello exchange, enforcing the wire FSM's identity and version
// checks (self-connect, null identity, unexpected identity, version).
func FullHandshake(conn net.Conn, staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool, localHello *HelloPacket) (*FrameCodec, *HelloPacket, error) {
	codec, hs, err := DoECIESHandshake(conn, staticKey, remoteStaticPub, initiator)
	if err != nil {
		return nil, nil, fmt.Errorf("p2p: ecies handshake: %w", err)
	}

	if publicKeysEqual(hs.RemoteStaticPub(), &staticKey.PublicKey) {
		codec.SendDisconnect(DiscConnectedToSelf)
		return nil, nil, errors.New("p2p: connected to self")
	}

	type result struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan result, 1)
	sendCh := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		payload := EncodeHello(localHello)
		sendCh <- codec.WriteMsg(Msg{Code: HelloMsg, Size: uint32(len(payload)), Payload: payload})
	}()
	go func() {
		defer wg.Done()
		msg, err := codec.ReadMsg()
		if err != nil {
			recvCh <- result{nil, err}
			return
		}
		if msg.Code != HelloMsg {
			recvCh <- result{nil, fmt.Errorf("%w: expected hello, got 0x%02x", errPreHelloMessage, msg.Code)}
			return
		}
		hello, err := DecodeHello(msg.Payload)
		recvCh <- result{hello, err}
	}()

	if err := <-sendCh; err != nil {
		codec.Close()
		return nil, nil, fmt.Errorf("p2p: send hello: %w", err)
	}
	res := <-recvCh
	wg.Wait()
	if res.err != nil {
		if errors.Is(res.err, errPreHelloMessage) {
			// A subprotocol message arrived before the Hello handshake completed:
			// a protocol breach, not a transport error. Tell the remote why.
			codec.SendDisconnect(DiscProtocolError)
		} else {
			codec.Close()
		}
		return nil, nil, fmt.Errorf("p2p: recv hello: %w", res.err)
	}

	if res.hello.ID == "" {
		codec.SendDisconnect(DiscNullNodeIdentity)
		return nil, nil, errors.New("p2p: null node identity")
	}

	expectedID := hex.EncodeToString(ethcrypto.MarshalPubkey64(hs.RemoteStaticPub()))
	if res.hello.ID != expectedID {
		codec.SendDisconnect(DiscUnexpectedIdentity)
		return nil, nil, fmt.Errorf("p2p: unexpected identity: hello id %q does not match transport-authenticated key %q", res.hello.ID, expectedID)
	}

	if res.hello.Version > baseProtocolVersion {
		codec.SendDisconnect(DiscIncompatibleVersion)
		return nil, nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	if !hasMatchingCap(localHello.Caps, res.hello.Caps) {
		codec.SendDisconnect(DiscUselessPeer)
		return nil, nil, ErrNoMatchingCaps
	}

	return codec, res.hello, nil
}

func publicKeysEqual(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil || a.X == nil || b.X == nil {
		return false
	}
	return a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}

// --- EIP-8 framing ---
//
// Wire format: [2-byte big-endian size][ECIES ciphertext]. size counts the
// ciphertext bytes only; the size prefix itself is not encrypted. This
// implementation's ECIES envelope (crypto.ECIESEncrypt/Decrypt) has no
// associated-data slot, so unlike upstream RLPx the size prefix is not bound
// into the ECIES MAC -- see the grounding notes for this tradeoff.

func eip8Encrypt(pub *ecdsa.PublicKey, plain []byte) ([]byte, error) {
	ciphertext, err := ethcrypto.ECIESEncrypt(pub, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(ciphertext))
	binary.BigEndian.PutUint16(out[:2], uint16(len(ciphertext)))
	copy(out[2:], ciphertext)
	return out, nil
}

func eip8Decrypt(priv *ecdsa.PrivateKey, framed []byte) ([]byte, error) {
	if len(framed) < 2 {
		return nil, errors.New("p2p: eip-8 frame too short")
	}
	size := binary.BigEndian.Uint16(framed[:2])
	if int(size) != len(framed)-2 {
		return nil, fmt.Errorf("p2p: eip-8 size mismatch: header=%d, got=%d", size, len(framed)-2)
	}
	return ethcrypto.ECIESDecrypt(priv, framed[2:])
}

// readEIP8Frame reads a 2-byte size prefix followed by that many ciphertext
// bytes and returns the whole framed packet (size prefix included), which is
// what the MAC chain seeds are computed over.
func readEIP8Frame(conn net.Conn) ([]byte, error) {
	var sizeBuf [2]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(sizeBuf[:])
	if size == 0 {
		return nil, errors.New("p2p: zero-length eip-8 message")
	}
	if size > maxEIP8MsgSize {
		return nil, fmt.Errorf("p2p: eip-8 message too large: %d", size)
	}
	rest := make([]byte, size)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}
	framed := make([]byte, 0, 2+len(rest))
	framed = append(framed, sizeBuf[:]...)
	framed = append(framed, rest...)
	return framed, nil
}

// VerifyRemoteIdentity checks that the remote static public key received
// during the ECIES handshake matches the expected key.
func VerifyRemoteIdentity(got, expected *ecdsa.PublicKey) error {
	if expected == nil {
		return nil
	}
	if got == nil {
		return errors.New("p2p: no remote static key received")
	}
	if !publicKeysEqual(got, expected) {
		return errors.New("p2p: remote identity mismatch")
	}
	return nil
}
