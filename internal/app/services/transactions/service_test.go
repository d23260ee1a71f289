package transactions

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/ton_gateway/internal/app/domain/transaction"
	"github.com/R3E-Network/ton_gateway/internal/app/services/messages"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	apperrors "github.com/R3E-Network/ton_gateway/internal/errors"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

// fakeNode answers the two RPC calls the send path needs.
type fakeNode struct {
	mu       sync.Mutex
	dataBOC  string
	deployed bool
	failSend bool
	sent     []string
}

func (n *fakeNode) setState(dataBOC string, deployed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dataBOC = dataBOC
	n.deployed = deployed
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				BOC string `json:"boc"`
			} `json:"params"`
			ID int `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}

		n.mu.Lock()
		switch req.Method {
		case "getContractState":
			status := "uninit"
			if n.deployed {
				status = "active"
			}
			resp["result"] = map[string]interface{}{
				"status":  status,
				"balance": "5000000000",
				"data":    n.dataBOC,
			}
		case "sendMessage":
			if n.failSend {
				resp["error"] = map[string]interface{}{"code": -32000, "message": "node rejected message"}
			} else {
				n.sent = append(n.sent, req.Params.BOC)
				resp["result"] = "ok"
			}
		default:
			t.Errorf("unexpected rpc method %q", req.Method)
		}
		n.mu.Unlock()

		_ = json.NewEncoder(w).Encode(resp)
	}
}

type countingNotifier struct {
	kicks int32
}

func (n *countingNotifier) Kick() { atomic.AddInt32(&n.kicks, 1) }

type fixture struct {
	svc      *Service
	store    *memory.Store
	node     *fakeNode
	notifier *countingNotifier
	sub      *chain.Subscriber
	wallets  *wallets.Service
}

func quietLogger() *logger.Logger {
	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	node := &fakeNode{deployed: true}
	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)

	client, err := chain.NewClient(chain.Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	store := memory.New()
	processKey, err := tvm.DeriveProcessKey([]byte("test-master-secret"))
	if err != nil {
		t.Fatalf("derive process key: %v", err)
	}
	walletSvc := wallets.New(store, client, processKey, quietLogger())

	sub := chain.NewSubscriber(client, chain.NewPendingQueue(), quietLogger())
	svc := New(store, walletSvc, client, sub, messages.NewStore(), quietLogger())
	svc.now = func() time.Time { return testNow }

	notifier := &countingNotifier{}
	svc.AttachNotifier(notifier)

	return &fixture{svc: svc, store: store, node: node, notifier: notifier, sub: sub, wallets: walletSvc}
}

func seedOf(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

// hostWallet imports a basic wallet with a known seed and points the fake
// node's contract state at its public key.
func (f *fixture) hostWallet(t *testing.T, serviceID string, seed []byte) (string, *tvm.KeyPair) {
	t.Helper()
	kp, err := tvm.KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	data, err := tvm.NewBuilder().
		StoreUint(3, 32). // seqno
		StoreUint(tvm.SubwalletID(0), 32).
		StoreBytes(kp.PublicKey).
		Build()
	if err != nil {
		t.Fatalf("build wallet data: %v", err)
	}
	boc, err := tvm.PackBOCBase64(data)
	if err != nil {
		t.Fatalf("pack wallet data: %v", err)
	}
	f.node.setState(boc, true)

	added, err := f.wallets.Add(context.Background(), serviceID, wallets.AddRequest{
		AccountType: "Wallet",
		PrivateKey:  hex.EncodeToString(kp.Seed()),
	})
	if err != nil {
		t.Fatalf("host wallet: %v", err)
	}
	return added.Base64URL, kp
}

func wantCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	se := apperrors.GetServiceError(err)
	if se == nil || se.Code != code {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func TestCreateSendLifecycle(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x51))

	created, err := f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		ID:      "tx-1",
		Address: sender,
		Outputs: []Output{{
			Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111",
			Value:     "1000000000",
		}},
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	if created.ID != "tx-1" {
		t.Fatalf("id = %q", created.ID)
	}
	if created.Status != transaction.StatusNew || created.Direction != transaction.DirectionSend {
		t.Fatalf("status/direction = %s/%s", created.Status, created.Direction)
	}
	if len(created.MessageHash) != 64 {
		t.Fatalf("message hash = %q", created.MessageHash)
	}
	if created.OriginalValue == nil || *created.OriginalValue != "1000000000" {
		t.Fatalf("original value = %v", created.OriginalValue)
	}
	if created.ExpireAt == nil || !created.ExpireAt.Equal(testNow.Add(60*time.Second)) {
		t.Fatalf("expire at = %v", created.ExpireAt)
	}

	if got := f.node.sentCount(); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}
	if got := f.sub.Queue().Len(); got != 1 {
		t.Fatalf("pending queue = %d, want 1", got)
	}
	if atomic.LoadInt32(&f.notifier.kicks) == 0 {
		t.Fatal("dispatcher was not nudged")
	}

	// The broadcast BOC is a well-formed external message.
	msgCell, err := tvm.ParseBOCBase64(f.node.sent[0])
	if err != nil {
		t.Fatalf("parse broadcast boc: %v", err)
	}
	hash := msgCell.Hash()
	if hex.EncodeToString(hash[:]) != created.MessageHash {
		t.Fatalf("broadcast hash does not match stored message hash")
	}

	// Retrying the same client id must not produce a second spend.
	_, err = f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		ID:      "tx-1",
		Address: sender,
		Outputs: []Output{{Recipient: "0:2222222222222222222222222222222222222222222222222222222222222222", Value: "1"}},
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestCreateSendValidation(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x52))

	_, err := f.svc.CreateSend(context.Background(), "svc-1", SendRequest{Address: sender})
	wantCode(t, err, apperrors.ErrCodeChain)

	_, err = f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		Address: sender,
		Outputs: []Output{{Recipient: "not-an-address", Value: "1"}},
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)

	_, err = f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		Address: sender,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "-5"}},
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)

	_, err = f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		Address: "0:9999999999999999999999999999999999999999999999999999999999999999",
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "1"}},
	})
	wantCode(t, err, apperrors.ErrCodeNotFound)
}

func TestCreateSendBroadcastFailureMarksError(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x53))
	f.node.failSend = true

	_, err := f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		ID:      "tx-fail",
		Address: sender,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "7"}},
	})
	wantCode(t, err, apperrors.ErrCodeChain)

	row, err := f.store.GetTransaction(context.Background(), "svc-1", "tx-fail")
	if err != nil {
		t.Fatalf("row missing after failed broadcast: %v", err)
	}
	if row.Status != transaction.StatusError {
		t.Fatalf("status = %s, want Error", row.Status)
	}
	if row.Error == nil || *row.Error == "" {
		t.Fatalf("error reason not recorded")
	}
	if got := f.sub.Queue().Len(); got != 0 {
		t.Fatalf("pending queue = %d, want 0 after failed broadcast", got)
	}
}

func TestSendExpiryMarksRowExpired(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x54))

	created, err := f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		Address: sender,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "3"}},
	})
	if err != nil {
		t.Fatalf("create send: %v", err)
	}

	// Sweep past the message expiry; the waiter marks the row.
	f.sub.Queue().SweepWallclock(testNow.Add(2 * time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for {
		row, err := f.store.GetTransaction(context.Background(), "svc-1", created.ID)
		if err == nil && row.Status == transaction.StatusError {
			if row.Error == nil || *row.Error != "expired" {
				t.Fatalf("error = %v, want expired", row.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("row still %s after sweep", row.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfirmTransaction(t *testing.T) {
	f := newFixture(t)

	kp, err := tvm.KeyPairFromSeed(seedOf(0x55))
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	other, err := tvm.KeyPairFromSeed(seedOf(0x56))
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	two := int32(2)
	hosted, err := f.wallets.Add(context.Background(), "svc-1", wallets.AddRequest{
		AccountType:   "SafeMultisig",
		PrivateKey:    hex.EncodeToString(kp.Seed()),
		CustodianKeys: []string{hex.EncodeToString(other.PublicKey)},
		Confirmations: &two,
	})
	if err != nil {
		t.Fatalf("host multisig: %v", err)
	}

	created, err := f.svc.CreateConfirm(context.Background(), "svc-1", ConfirmRequest{
		Address:               hosted.Base64URL,
		MultisigTransactionID: "12345",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if created.MultisigTransactionID == nil || *created.MultisigTransactionID != 12345 {
		t.Fatalf("multisig id = %v", created.MultisigTransactionID)
	}
	if got := f.node.sentCount(); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}

	_, err = f.svc.CreateConfirm(context.Background(), "svc-1", ConfirmRequest{
		Address:               hosted.Base64URL,
		MultisigTransactionID: "not-a-number",
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestConfirmRequiresMultisig(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x57))

	_, err := f.svc.CreateConfirm(context.Background(), "svc-1", ConfirmRequest{
		Address:               sender,
		MultisigTransactionID: "1",
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestMultisigSendRequiresDeployedAccount(t *testing.T) {
	f := newFixture(t)

	kp, err := tvm.KeyPairFromSeed(seedOf(0x58))
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	one := int32(1)
	hosted, err := f.wallets.Add(context.Background(), "svc-1", wallets.AddRequest{
		AccountType:   "SafeMultisig",
		PrivateKey:    hex.EncodeToString(kp.Seed()),
		Confirmations: &one,
	})
	if err != nil {
		t.Fatalf("host multisig: %v", err)
	}
	f.node.setState("", false)

	_, err = f.svc.CreateSend(context.Background(), "svc-1", SendRequest{
		Address: hosted.Base64URL,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "1"}},
	})
	wantCode(t, err, apperrors.ErrCodeChain)
}

func TestPrepareAndSendSigned(t *testing.T) {
	f := newFixture(t)
	sender, kp := f.hostWallet(t, "svc-1", seedOf(0x59))

	prepared, err := f.svc.PrepareMessage(context.Background(), "svc-1", PrepareRequest{
		Address: sender,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "42"}},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(prepared.UnsignedMessageHash) != 64 {
		t.Fatalf("unsigned hash = %q", prepared.UnsignedMessageHash)
	}
	if prepared.ExpireAt != testNow.Add(60*time.Second).UnixMilli() {
		t.Fatalf("expire at = %d", prepared.ExpireAt)
	}

	digest, err := hex.DecodeString(prepared.UnsignedMessageHash)
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}
	sig := kp.Sign(digest)

	// A short signature is rejected before anything is consumed... almost:
	// the store entry is single-use, so the bad-signature probe uses a
	// bogus hash instead.
	_, err = f.svc.SendSigned(context.Background(), SignedRequest{
		UnsignedMessageHash: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		Signature:           hex.EncodeToString(sig[:]),
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)

	sent, err := f.svc.SendSigned(context.Background(), SignedRequest{
		UnsignedMessageHash: prepared.UnsignedMessageHash,
		Signature:           hex.EncodeToString(sig[:]),
	})
	if err != nil {
		t.Fatalf("send signed: %v", err)
	}
	if len(sent.SignedMessageHash) != 64 {
		t.Fatalf("signed hash = %q", sent.SignedMessageHash)
	}
	if got := f.node.sentCount(); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}

	// The entry was consumed; a second submission cannot replay it.
	_, err = f.svc.SendSigned(context.Background(), SignedRequest{
		UnsignedMessageHash: prepared.UnsignedMessageHash,
		Signature:           hex.EncodeToString(sig[:]),
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestSendSignedRejectsBadSignatureLength(t *testing.T) {
	f := newFixture(t)
	sender, _ := f.hostWallet(t, "svc-1", seedOf(0x5a))

	prepared, err := f.svc.PrepareMessage(context.Background(), "svc-1", PrepareRequest{
		Address: sender,
		Outputs: []Output{{Recipient: "0:1111111111111111111111111111111111111111111111111111111111111111", Value: "1"}},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = f.svc.SendSigned(context.Background(), SignedRequest{
		UnsignedMessageHash: prepared.UnsignedMessageHash,
		Signature:           "abcd",
	})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestSendMessageBroadcastsRawBOC(t *testing.T) {
	f := newFixture(t)

	cell, err := tvm.NewBuilder().StoreUint(7, 32).Build()
	if err != nil {
		t.Fatalf("build cell: %v", err)
	}
	boc, err := tvm.PackBOCBase64(cell)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	resp, err := f.svc.SendMessage(context.Background(), SendMessageRequest{BOC: boc})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	hash := cell.Hash()
	if resp.MessageHash != hex.EncodeToString(hash[:]) {
		t.Fatalf("message hash = %q", resp.MessageHash)
	}

	_, err = f.svc.SendMessage(context.Background(), SendMessageRequest{BOC: "!!!"})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestEncodeIntoCellRoundTrip(t *testing.T) {
	resp, err := EncodeIntoCell(EncodeRequest{Fields: []CellField{
		{Type: "uint", Value: "777", Bits: 32},
		{Type: "address", Value: "0:1111111111111111111111111111111111111111111111111111111111111111"},
		{Type: "bool", Value: "true"},
	}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cell, err := tvm.ParseBOCBase64(resp.BOC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := cell.Slice()
	if v, err := s.LoadUint(32); err != nil || v != 777 {
		t.Fatalf("uint = %d, %v", v, err)
	}
	addr, err := s.LoadAddr()
	if err != nil || addr.Hex() != "1111111111111111111111111111111111111111111111111111111111111111" {
		t.Fatalf("addr = %v, %v", addr, err)
	}
	if bit, err := s.LoadBit(); err != nil || !bit {
		t.Fatalf("bit = %v, %v", bit, err)
	}
	hash := cell.Hash()
	if resp.Hash != hex.EncodeToString(hash[:]) {
		t.Fatalf("hash mismatch")
	}

	_, err = EncodeIntoCell(EncodeRequest{Fields: []CellField{{Type: "blob", Value: "x"}}})
	wantCode(t, err, apperrors.ErrCodeWrongInput)

	_, err = EncodeIntoCell(EncodeRequest{})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}

func TestSearchFilterValidation(t *testing.T) {
	f := newFixture(t)

	bad := "Sideways"
	_, err := f.svc.Search(context.Background(), "svc-1", SearchRequest{Direction: &bad})
	wantCode(t, err, apperrors.ErrCodeWrongInput)

	badAddr := "nope"
	_, err = f.svc.Search(context.Background(), "svc-1", SearchRequest{Address: &badAddr})
	wantCode(t, err, apperrors.ErrCodeWrongInput)
}
