package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/eth2030/eth2030/rlp"
)

const (
	codecHeaderSize   = 16 // plaintext header size
	codecMACSize      = 16 // truncated Keccak-256 MAC tag size
	keepaliveInterval = 15 * time.Second
	keepaliveTimeout  = 20 * time.Second
	maxCodecFrameSize = 16 * 1024 * 1024 // 16 MiB max frame payload
)

var (
	ErrCodecClosed = errors.New("p2p: frame codec closed")
	ErrPongTimeout = errors.New("p2p: pong timeout")
	ErrShortFrame  = errors.New("p2p: short frame")
	ErrBadMAC      = errors.New("p2p: frame MAC mismatch")
	ErrEmptyFrame  = errors.New("p2p: empty codec frame")
)

// FrameCodec implements the RLPx frame codec: a continuous, zero-IV
// AES-256-CTR stream per direction, authenticated by a Keccak-256 MAC chain
// that is updated with every frame (see macChain). It knows nothing about
// subprotocol offsets; that is the wire FSM's job (handshake.go, multiplexer.go).
type FrameCodec struct {
	conn      net.Conn
	encStream cipher.Stream
	decStream cipher.Stream
	egressMAC *macChain
	ingressMAC *macChain

	lastPong      time.Time
	keepaliveDone chan struct{}
	keepaliveOnce sync.Once

	rmu, wmu, mu sync.Mutex
	closed       bool
}

// FrameCodecConfig holds the session secrets derived by the ECIES handshake
// (see handshake_ecies.go) needed to seed the frame cipher and MAC chain.
type FrameCodecConfig struct {
	AESSecret []byte // 32-byte AES-256-CTR key, shared by both directions.
	MACSecret []byte // 32-byte MAC chain key.

	// LocalNonce/RemoteNonce are the 32-byte nonces exchanged during the
	// handshake; SentAuthBytes/ReceivedAuthBytes are the raw ciphertexts of
	// the auth/ack messages this side sent and received (whichever applies
	// to its role). Together they seed the egress/ingress MAC chains so
	// both peers derive mirrored initial states.
	LocalNonce        []byte
	RemoteNonce       []byte
	SentAuthBytes     []byte
	ReceivedAuthBytes []byte
}

// NewFrameCodec creates a new RLPx frame codec from handshake-derived secrets.
func NewFrameCodec(conn net.Conn, cfg FrameCodecConfig) (*FrameCodec, error) {
	if len(cfg.AESSecret) != 32 {
		return nil, errors.New("p2p: AES secret must be 32 bytes")
	}
	if len(cfg.MACSecret) != 32 {
		return nil, errors.New("p2p: MAC secret must be 32 bytes")
	}

	block, err := aes.NewCipher(cfg.AESSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: frame cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)

	egressSeed := xorBytes(cfg.MACSecret, cfg.RemoteNonce)
	ingressSeed := xorBytes(cfg.MACSecret, cfg.LocalNonce)

	egressMAC, err := newMACChain(cfg.MACSecret, egressSeed, cfg.SentAuthBytes)
	if err != nil {
		return nil, err
	}
	ingressMAC, err := newMACChain(cfg.MACSecret, ingressSeed, cfg.ReceivedAuthBytes)
	if err != nil {
		return nil, err
	}

	fc := &FrameCodec{
		conn:          conn,
		encStream:     cipher.NewCTR(block, zeroIV),
		decStream:     cipher.NewCTR(block, zeroIV),
		egressMAC:     egressMAC,
		ingressMAC:    ingressMAC,
		lastPong:      time.Now(),
		keepaliveDone: make(chan struct{}),
	}
	return fc, nil
}

// WriteMsg encrypts and writes a framed message.
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	msgIDBytes := rlp.EncodeUint64(msg.Code)
	body := make([]byte, 0, len(msgIDBytes)+len(msg.Payload))
	body = append(body, msgIDBytes...)
	body = append(body, msg.Payload...)

	if len(body) > maxCodecFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}
	bodyLen := len(body)
	padded := padTo16(body)

	headerData, err := rlp.EncodeToBytes([]uint64{0})
	if err != nil {
		return fmt.Errorf("p2p: encode header-data: %w", err)
	}
	var header [codecHeaderSize]byte
	putUint24(header[:3], uint32(bodyLen))
	copy(header[3:], headerData)

	var headerCT [codecHeaderSize]byte
	fc.encStream.XORKeyStream(headerCT[:], header[:])
	headerMAC := fc.egressMAC.computeHeader(headerCT[:])

	bodyCT := make([]byte, len(padded))
	fc.encStream.XORKeyStream(bodyCT, padded)
	bodyMAC := fc.egressMAC.computeFrame(bodyCT)

	out := make([]byte, 0, codecHeaderSize+codecMACSize+len(bodyCT)+codecMACSize)
	out = append(out, headerCT[:]...)
	out = append(out, headerMAC...)
	out = append(out, bodyCT...)
	out = append(out, bodyMAC...)

	_, err = fc.conn.Write(out)
	return err
}

// ReadMsg reads and decrypts a framed message.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return Msg{}, ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var headerCT [codecHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, headerCT[:]); err != nil {
		return Msg{}, err
	}

	var headerMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedHeaderMAC := fc.ingressMAC.computeHeader(headerCT[:])
	if subtle.ConstantTimeCompare(headerMAC[:], expectedHeaderMAC) != 1 {
		return Msg{}, ErrBadMAC
	}

	var header [codecHeaderSize]byte
	fc.decStream.XORKeyStream(header[:], headerCT[:])
	bodyLen := getUint24(header[:3])

	if bodyLen > maxCodecFrameSize {
		return Msg{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, bodyLen)
	}
	paddedLen := (bodyLen + 15) / 16 * 16

	bodyCT := make([]byte, paddedLen)
	if _, err := io.ReadFull(fc.conn, bodyCT); err != nil {
		return Msg{}, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}

	var bodyMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedBodyMAC := fc.ingressMAC.computeFrame(bodyCT)
	if subtle.ConstantTimeCompare(bodyMAC[:], expectedBodyMAC) != 1 {
		return Msg{}, ErrBadMAC
	}

	padded := make([]byte, paddedLen)
	fc.decStream.XORKeyStream(padded, bodyCT)
	body := padded[:bodyLen]

	if len(body) == 0 {
		return Msg{}, ErrEmptyFrame
	}

	code, n, err := decodeMsgID(body)
	if err != nil {
		return Msg{}, fmt.Errorf("p2p: decode msg-id: %w", err)
	}
	payload := body[n:]

	return Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

// decodeMsgID decodes the RLP-encoded msg-id prefix of a frame body,
// returning the decoded id and the number of bytes it occupied. devp2p
// msg-ids fit the RLP single-integer encoding used by rlp.EncodeUint64:
// a single byte below 0x80, or 0x80+n followed by an n-byte big-endian
// value for larger ids (n up to 8, covering ids well beyond 2^24).
func decodeMsgID(body []byte) (id uint64, consumed int, err error) {
	if len(body) == 0 {
		return 0, 0, ErrEmptyFrame
	}
	b0 := body[0]
	if b0 < 0x80 {
		return uint64(b0), 1, nil
	}
	n := int(b0 - 0x80)
	if n > 8 {
		return 0, 0, fmt.Errorf("p2p: invalid msg-id length prefix 0x%x", b0)
	}
	if n == 0 {
		return 0, 1, nil
	}
	if len(body) < 1+n {
		return 0, 0, ErrShortFrame
	}
	for _, bb := range body[1 : 1+n] {
		id = id<<8 | uint64(bb)
	}
	return id, 1 + n, nil
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: PingMsg, Size: 0}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: PongMsg, Size: 0}) }

// SendDisconnect sends a disconnect message and closes the codec.
func (fc *FrameCodec) SendDisconnect(reason DisconnectReason) error {
	payload, _ := rlp.EncodeToBytes(uint64(reason))
	err := fc.WriteMsg(Msg{
		Code:    DisconnectMsg,
		Size:    uint32(len(payload)),
		Payload: payload,
	})
	fc.Close()
	return err
}

// StartKeepalive starts the background ping/pong keepalive loop.
func (fc *FrameCodec) StartKeepalive() { go fc.keepaliveLoop() }
func (fc *FrameCodec) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.mu.Lock()
			elapsed := time.Since(fc.lastPong)
			fc.mu.Unlock()

			if elapsed > keepaliveTimeout {
				fc.SendDisconnect(DiscPingTimeout)
				return
			}
			// Ignore error; if write fails, the read loop will catch it.
			_ = fc.SendPing()

		case <-fc.keepaliveDone:
			return
		}
	}
}

func (fc *FrameCodec) HandlePong() { fc.mu.Lock(); fc.lastPong = time.Now(); fc.mu.Unlock() }

func (fc *FrameCodec) LastPong() time.Time { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.lastPong }

// Close closes the frame codec.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.keepaliveOnce.Do(func() { close(fc.keepaliveDone) })
	return fc.conn.Close()
}

func (fc *FrameCodec) IsClosed() bool { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.closed }

// --- MAC chain (C2) ---

// macChain is a running Keccak-256 MAC state, updated once per frame. It
// implements the RLPx "hash-mac" construction: the AES-encrypted digest is
// XORed with a seed and fed back into the hash, so each frame's MAC depends
// on every prior frame in that direction.
type macChain struct {
	cipher cipher.Block
	hash   hash.Hash
}

// newMACChain creates a macChain keyed by macSecret (used both to encrypt
// digests and, via seedXORNonce||seedAuthBytes, to initialize the hash state).
func newMACChain(macSecret, seedXORNonce, seedAuthBytes []byte) (*macChain, error) {
	block, err := aes.NewCipher(macSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: mac cipher: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(seedXORNonce)
	h.Write(seedAuthBytes)
	return &macChain{cipher: block, hash: h}, nil
}

// digest returns the first 16 bytes of the current Keccak-256 state without
// mutating it (hash.Hash.Sum is non-destructive).
func (m *macChain) digest() []byte {
	sum := m.hash.Sum(nil)
	return sum[:16]
}

// compute derives a new 16-byte MAC: aes-enc(digest-seed) XOR seed, fed back
// into the running hash, returning the resulting digest.
func (m *macChain) compute(digestSeed, seed []byte) []byte {
	var enc [16]byte
	copy(enc[:], digestSeed)
	m.cipher.Encrypt(enc[:], enc[:])
	for i := range enc {
		enc[i] ^= seed[i]
	}
	m.hash.Write(enc[:])
	return m.digest()
}

// computeHeader returns the MAC for a frame header ciphertext.
func (m *macChain) computeHeader(headerCT []byte) []byte {
	sum1 := m.digest()
	return m.compute(sum1, headerCT)
}

// computeFrame returns the MAC for a frame body ciphertext.
func (m *macChain) computeFrame(bodyCT []byte) []byte {
	m.hash.Write(bodyCT)
	seed := m.digest()
	return m.compute(seed, seed)
}

// --- Helper functions ---

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(data []byte) []byte {
	padLen := (16 - len(data)%16) % 16
	if padLen == 0 {
		return data
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	return padded
}
