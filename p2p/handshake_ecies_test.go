package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/eth2030/eth2030/crypto"
)

func generateTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func nodeIDHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(ethcrypto.MarshalPubkey64(&key.PublicKey))
}

func TestECIESHandshake_NewHandshake(t *testing.T) {
	key := generateTestKey(t)
	hs, err := NewECIESHandshake(key, nil, true)
	if err != nil {
		t.Fatalf("NewECIESHandshake: %v", err)
	}
	if hs.staticKey == nil {
		t.Fatal("static key should not be nil")
	}
	if hs.ephemeralKey == nil {
		t.Fatal("ephemeral key should not be nil")
	}
	if !hs.initiator {
		t.Fatal("should be initiator")
	}
	allZero := true
	for _, b := range hs.localNonce {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("nonce is all zeros")
	}
}

func TestECIESHandshake_NilStaticKey(t *testing.T) {
	_, err := NewECIESHandshake(nil, nil, true)
	if err == nil {
		t.Fatal("expected error for nil static key")
	}
}

func TestECIESHandshake_AuthAckRoundtrip(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)

	hsA, err := NewECIESHandshake(keyA, &keyB.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}
	authMsg, err := hsA.MakeAuthMsg()
	if err != nil {
		t.Fatalf("MakeAuthMsg: %v", err)
	}
	if len(authMsg) == 0 {
		t.Fatal("auth message is empty")
	}

	hsB, err := NewECIESHandshake(keyB, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := hsB.HandleAuthMsg(authMsg); err != nil {
		t.Fatalf("HandleAuthMsg: %v", err)
	}

	if hsB.remoteEphPub == nil {
		t.Fatal("remote ephemeral key not set after HandleAuthMsg")
	}
	if hsB.remoteStaticPub == nil {
		t.Fatal("remote static key not set after HandleAuthMsg")
	}
	if hsB.remoteStaticPub.X.Cmp(keyA.PublicKey.X) != 0 {
		t.Fatal("recovered static key does not match initiator's static key")
	}
	if !bytes.Equal(hsB.remoteNonce[:], hsA.localNonce[:]) {
		t.Fatal("remote nonce does not match initiator's local nonce")
	}
	if hsB.remoteEphPub.X.Cmp(hsA.ephemeralKey.PublicKey.X) != 0 {
		t.Fatal("recovered ephemeral key does not match initiator's ephemeral key")
	}

	ackMsg, err := hsB.MakeAckMsg()
	if err != nil {
		t.Fatalf("MakeAckMsg: %v", err)
	}
	if err := hsA.HandleAckMsg(ackMsg); err != nil {
		t.Fatalf("HandleAckMsg: %v", err)
	}

	if hsA.remoteEphPub == nil {
		t.Fatal("remote ephemeral key not set after HandleAckMsg")
	}
	if !bytes.Equal(hsA.remoteNonce[:], hsB.localNonce[:]) {
		t.Fatal("remote nonce does not match responder's local nonce")
	}
}

func TestECIESHandshake_AuthMsg_WrongRecipientFails(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)
	wrongKey := generateTestKey(t)

	hsA, _ := NewECIESHandshake(keyA, &keyB.PublicKey, true)
	authMsg, err := hsA.MakeAuthMsg()
	if err != nil {
		t.Fatal(err)
	}

	hsWrong, _ := NewECIESHandshake(wrongKey, nil, false)
	if err := hsWrong.HandleAuthMsg(authMsg); err == nil {
		t.Fatal("expected HandleAuthMsg to fail when decrypted with the wrong key")
	}
}

func TestECIESHandshake_DeriveSecrets(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)

	hsA, _ := NewECIESHandshake(keyA, &keyB.PublicKey, true)
	authMsg, _ := hsA.MakeAuthMsg()

	hsB, _ := NewECIESHandshake(keyB, nil, false)
	hsB.HandleAuthMsg(authMsg)

	ackMsg, _ := hsB.MakeAckMsg()
	hsA.HandleAckMsg(ackMsg)

	if err := hsA.DeriveSecrets(); err != nil {
		t.Fatalf("initiator DeriveSecrets: %v", err)
	}
	if err := hsB.DeriveSecrets(); err != nil {
		t.Fatalf("responder DeriveSecrets: %v", err)
	}

	if !bytes.Equal(hsA.AESSecret(), hsB.AESSecret()) {
		t.Fatal("AES secrets differ")
	}
	if !bytes.Equal(hsA.MACSecret(), hsB.MACSecret()) {
		t.Fatal("MAC secrets differ")
	}
	if len(hsA.AESSecret()) != 32 {
		t.Fatalf("AES key length: %d", len(hsA.AESSecret()))
	}
	if len(hsA.MACSecret()) != 32 {
		t.Fatalf("MAC key length: %d", len(hsA.MACSecret()))
	}
}

func TestECIESHandshake_DeriveSecrets_NoRemoteKey(t *testing.T) {
	key := generateTestKey(t)
	hs, _ := NewECIESHandshake(key, nil, true)
	err := hs.DeriveSecrets()
	if err == nil {
		t.Fatal("expected error when remote ephemeral key not set")
	}
}

func TestECIESHandshake_UniqueSecrets(t *testing.T) {
	derive := func() []byte {
		keyA := generateTestKey(t)
		keyB := generateTestKey(t)

		hsA, _ := NewECIESHandshake(keyA, &keyB.PublicKey, true)
		auth, _ := hsA.MakeAuthMsg()

		hsB, _ := NewECIESHandshake(keyB, nil, false)
		hsB.HandleAuthMsg(auth)

		ack, _ := hsB.MakeAckMsg()
		hsA.HandleAckMsg(ack)

		hsA.DeriveSecrets()
		return hsA.AESSecret()
	}

	s1 := derive()
	s2 := derive()
	if bytes.Equal(s1, s2) {
		t.Fatal("two handshakes produced the same AES secret")
	}
}

func TestDoECIESHandshake(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var fc1, fc2 *FrameCodec
	var err1, err2 error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		fc1, _, err1 = DoECIESHandshake(c1, keyA, &keyB.PublicKey, true)
	}()
	go func() {
		defer wg.Done()
		fc2, _, err2 = DoECIESHandshake(c2, keyB, nil, false)
	}()
	wg.Wait()

	if err1 != nil {
		t.Fatalf("initiator handshake: %v", err1)
	}
	if err2 != nil {
		t.Fatalf("responder handshake: %v", err2)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fc1.WriteMsg(Msg{Code: 0x01, Payload: []byte("hello ecies")})
	}()

	msg, err := fc2.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	if string(msg.Payload) != "hello ecies" {
		t.Fatalf("payload: got %q, want %q", msg.Payload, "hello ecies")
	}

	fc1.Close()
	fc2.Close()
}

func TestVerifyRemoteIdentity(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)

	if err := VerifyRemoteIdentity(&key.PublicKey, &key.PublicKey); err != nil {
		t.Fatalf("matching keys should verify: %v", err)
	}
	if err := VerifyRemoteIdentity(&key.PublicKey, &otherKey.PublicKey); err == nil {
		t.Fatal("mismatching keys should not verify")
	}
	if err := VerifyRemoteIdentity(&key.PublicKey, nil); err != nil {
		t.Fatalf("nil expected should accept: %v", err)
	}
	if err := VerifyRemoteIdentity(nil, &key.PublicKey); err == nil {
		t.Fatal("nil got should fail")
	}
}

func TestEIP8FrameRoundtrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	key := generateTestKey(t)
	plain := []byte("eip-8 framed payload")

	errCh := make(chan error, 1)
	go func() {
		framed, err := eip8Encrypt(&key.PublicKey, plain)
		if err != nil {
			errCh <- err
			return
		}
		_, err = c1.Write(framed)
		errCh <- err
	}()

	got, err := readEIP8Frame(c2)
	if err != nil {
		t.Fatalf("readEIP8Frame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("eip8Encrypt/write: %v", err)
	}

	decrypted, err := eip8Decrypt(key, got)
	if err != nil {
		t.Fatalf("eip8Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", decrypted, plain)
	}
}

func TestFullHandshake_Success(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)

	helloA := &HelloPacket{
		Version: 5,
		Name:    "client-a",
		Caps:    []Cap{{Name: "eth", Version: 68}},
		ID:      nodeIDHex(keyA),
	}
	helloB := &HelloPacket{
		Version: 5,
		Name:    "client-b",
		Caps:    []Cap{{Name: "eth", Version: 68}, {Name: "snap", Version: 1}},
		ID:      nodeIDHex(keyB),
	}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	type result struct {
		codec *FrameCodec
		hello *HelloPacket
		err   error
	}

	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		fc, h, err := FullHandshake(c1, keyA, &keyB.PublicKey, true, helloA)
		resA <- result{fc, h, err}
	}()
	go func() {
		fc, h, err := FullHandshake(c2, keyB, nil, false, helloB)
		resB <- result{fc, h, err}
	}()

	select {
	case r := <-resA:
		if r.err != nil {
			t.Fatalf("initiator: %v", r.err)
		}
		if r.hello.Name != "client-b" {
			t.Fatalf("got name %q, want client-b", r.hello.Name)
		}
		if len(r.hello.Caps) != 2 {
			t.Fatalf("unexpected caps: %v", r.hello.Caps)
		}
		r.codec.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for initiator")
	}

	select {
	case r := <-resB:
		if r.err != nil {
			t.Fatalf("responder: %v", r.err)
		}
		if r.hello.Name != "client-a" {
			t.Fatalf("got name %q, want client-a", r.hello.Name)
		}
		r.codec.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for responder")
	}
}

// TestFullHandshake_PreHelloMessageDisconnects exercises the scenario where
// a subprotocol message arrives before the Hello exchange completes: the
// responder must send Disconnect(reason=ProtocolError) rather than silently
// closing the raw connection.
func TestFullHandshake_PreHelloMessageDisconnects(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)
	helloB := &HelloPacket{Version: 5, Name: "client-b", Caps: []Cap{{Name: "eth", Version: 68}}, ID: nodeIDHex(keyB)}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	// The responder's Hello-send goroutine can't complete its write until
	// something reads it; drive that read from A's own goroutine instead of
	// the test's main goroutine, so it runs concurrently with B's
	// FullHandshake call below rather than after it.
	type aResult struct {
		disc *Msg
		err  error
	}
	aDone := make(chan aResult, 1)
	go func() {
		codecA, _, err := DoECIESHandshake(c1, keyA, &keyB.PublicKey, true)
		if err != nil {
			aDone <- aResult{nil, fmt.Errorf("initiator ecies handshake: %w", err)}
			return
		}
		defer codecA.Close()
		// Send a bogus subprotocol message instead of Hello.
		if err := codecA.WriteMsg(Msg{Code: 42, Payload: []byte("too early")}); err != nil {
			aDone <- aResult{nil, fmt.Errorf("writing pre-hello message: %w", err)}
			return
		}
		// The responder unconditionally sends its own Hello before it
		// evaluates what it received, so the first frame back is that
		// Hello; the Disconnect follows once it rejects our bogus
		// pre-hello message.
		if _, err := codecA.ReadMsg(); err != nil {
			aDone <- aResult{nil, fmt.Errorf("reading responder's hello: %w", err)}
			return
		}
		disc, err := codecA.ReadMsg()
		if err != nil {
			aDone <- aResult{nil, fmt.Errorf("reading responder's disconnect: %w", err)}
			return
		}
		aDone <- aResult{&disc, nil}
	}()

	_, _, errB := FullHandshake(c2, keyB, nil, false, helloB)
	if errB == nil {
		t.Fatal("expected responder to reject a pre-hello message")
	}

	res := <-aDone
	if res.err != nil {
		t.Fatal(res.err)
	}
	disc := res.disc
	if disc.Code != DisconnectMsg {
		t.Fatalf("code = %d, want DisconnectMsg", disc.Code)
	}
	if len(disc.Payload) == 0 || DisconnectReason(disc.Payload[0]) != DiscProtocolError {
		t.Fatalf("disconnect reason = %v, want DiscProtocolError", disc.Payload)
	}
}

func TestFullHandshake_NullIdentityRejected(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)

	helloA := &HelloPacket{Version: 5, Name: "client-a", Caps: []Cap{{Name: "eth", Version: 68}}, ID: ""}
	helloB := &HelloPacket{Version: 5, Name: "client-b", Caps: []Cap{{Name: "eth", Version: 68}}, ID: nodeIDHex(keyB)}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, _, err := FullHandshake(c1, keyA, &keyB.PublicKey, true, helloA)
		errA <- err
	}()
	go func() {
		_, _, err := FullHandshake(c2, keyB, nil, false, helloB)
		errB <- err
	}()

	if err := <-errB; err == nil {
		t.Fatal("expected responder to reject a null node identity")
	}
	<-errA
}

func TestFullHandshake_UnexpectedIdentityRejected(t *testing.T) {
	keyA := generateTestKey(t)
	keyB := generateTestKey(t)
	impostorKey := generateTestKey(t)

	helloA := &HelloPacket{Version: 5, Name: "client-a", Caps: []Cap{{Name: "eth", Version: 68}}, ID: nodeIDHex(impostorKey)}
	helloB := &HelloPacket{Version: 5, Name: "client-b", Caps: []Cap{{Name: "eth", Version: 68}}, ID: nodeIDHex(keyB)}

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, _, err := FullHandshake(c1, keyA, &keyB.PublicKey, true, helloA)
		errA <- err
	}()
	go func() {
		_, _, err := FullHandshake(c2, keyB, nil, false, helloB)
		errB <- err
	}()

	if err := <-errB; err == nil {
		t.Fatal("expected responder to reject a hello ID that doesn't match the transport-authenticated key")
	}
	<-errA
}
