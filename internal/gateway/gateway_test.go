package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/delivery"
	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/ephemeral"
	"github.com/parlor-chat/parlor/internal/gateway"
	"github.com/parlor-chat/parlor/internal/observability/metrics"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/store"
)

const (
	testSecret = "gateway-test-secret"
	testIssuer = "parlor-test"
)

type testEnv struct {
	srv      *httptest.Server
	store    *store.Store
	presence *presence.Service
	gw       *gateway.Gateway
}

func setupGateway(t *testing.T) *testEnv {
	t.Helper()
	metrics.MustRegister("gateway-test")

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	st := store.New(db)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mb := bus.NewMemory(64)
	t.Cleanup(mb.Close)
	eph := ephemeral.NewMemory(0)
	t.Cleanup(eph.Close)

	del := delivery.New(st, mb, logger, delivery.Options{})
	pres := presence.New(eph, mb, logger, time.Minute, time.Second)
	verifier := authz.NewHMACVerifier(testSecret, testIssuer)

	gw := gateway.New(gateway.NewRegistry(), del, pres, st, verifier, mb, logger, gateway.Config{})
	if err := gw.Start(); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	t.Cleanup(gw.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, presence: pres, gw: gw}
}

func (env *testEnv) seedDevice(t *testing.T, userID, deviceID uuid.UUID) {
	t.Helper()
	err := env.store.Devices().Upsert(context.Background(), &domain.Device{
		UserID:                userID,
		DeviceID:              deviceID,
		PublicKey:             "pk",
		SignedPreKeyID:        1,
		SignedPreKey:          "spk",
		SignedPreKeySignature: "sig",
		SignedPreKeyUpdatedAt: time.Now().UTC(),
		IsActive:              true,
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

func (env *testEnv) seedRoom(t *testing.T, roomID uuid.UUID, members ...uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if err := env.store.Rooms().Upsert(ctx, &domain.Room{ID: roomID, Name: "room"}); err != nil {
		t.Fatalf("upsert room: %v", err)
	}
	rows := make([]domain.RoomMember, 0, len(members))
	for _, m := range members {
		rows = append(rows, domain.RoomMember{RoomID: roomID, UserID: m, Role: "member"})
	}
	if err := env.store.Rooms().ReplaceMembers(ctx, roomID, rows); err != nil {
		t.Fatalf("replace members: %v", err)
	}
}

func (env *testEnv) dial(t *testing.T, userID, deviceID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitFrame reads frames until one of the wanted kind shows up,
// skipping interleaved traffic from other fan-out channels.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string) gateway.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q frame: %v", wantType, err)
		}
		var frame gateway.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		if frame.Type == wantType {
			return frame
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %q frame before deadline", wantType)
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(gateway.Frame{Type: kind, Data: raw}); err != nil {
		t.Fatalf("write %q frame: %v", kind, err)
	}
}

func TestHandshakeRequiresValidTokenAndKnownDevice(t *testing.T) {
	env := setupGateway(t)

	userID, deviceID := uuid.New(), uuid.New()
	env.seedDevice(t, userID, deviceID)

	conn := env.dial(t, userID, deviceID)
	frame := awaitFrame(t, conn, "connected")
	var payload struct {
		UserID   string `json:"userId"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode connected payload: %v", err)
	}
	if payload.UserID != userID.String() || payload.DeviceID != deviceID.String() {
		t.Fatalf("connected frame for wrong principal: %+v", payload)
	}

	// Garbage token never reaches the registry.
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=garbage"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("handshake with bad token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}

	// Valid token for a device that never registered keys.
	token, _ := authz.MintHS256(testSecret, testIssuer, uuid.New(), uuid.New(), time.Minute)
	wsURL = "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("handshake for unknown device succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake rejection, got %+v", resp)
	}
}

func TestRevokedDeviceCannotConnect(t *testing.T) {
	env := setupGateway(t)

	userID, deviceID := uuid.New(), uuid.New()
	env.seedDevice(t, userID, deviceID)
	if _, err := env.store.Devices().Revoke(context.Background(), userID, deviceID, time.Now().UTC()); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	token, _ := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("revoked device connected")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for revoked device, got %+v", resp)
	}
}

func TestMessageAndReceiptFlowBetweenSockets(t *testing.T) {
	env := setupGateway(t)

	alice, aliceDev := uuid.New(), uuid.New()
	bob, bobDev := uuid.New(), uuid.New()
	env.seedDevice(t, alice, aliceDev)
	env.seedDevice(t, bob, bobDev)

	aliceConn := env.dial(t, alice, aliceDev)
	awaitFrame(t, aliceConn, "connected")
	bobConn := env.dial(t, bob, bobDev)
	awaitFrame(t, bobConn, "connected")

	sendFrame(t, aliceConn, "message", dto.SendMessageRequest{
		Mode:             string(domain.ModeDirect),
		RecipientID:      bob.String(),
		EncryptedContent: []byte("ciphertext"),
		Metadata:         dto.EncryptionMetadata{Algorithm: "aes-256-gcm", Nonce: "bm9uY2U="},
	})

	frame := awaitFrame(t, bobConn, "new_message")
	var envlp bus.Envelope
	if err := json.Unmarshal(frame.Data, &envlp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envlp.SenderID != alice || string(envlp.EncryptedContent) != "ciphertext" {
		t.Fatalf("wrong envelope delivered: %+v", envlp)
	}

	sendFrame(t, bobConn, "delivery_receipt", map[string]interface{}{
		"messageIds": []string{envlp.MessageID.String()},
	})

	frame = awaitFrame(t, aliceConn, "delivered_receipt")
	var receipt bus.Receipt
	if err := json.Unmarshal(frame.Data, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.MessageID != envlp.MessageID || receipt.RecipientID != bob {
		t.Fatalf("wrong receipt: %+v", receipt)
	}

	sendFrame(t, bobConn, "read_receipt", map[string]interface{}{
		"messageIds": []string{envlp.MessageID.String()},
	})
	frame = awaitFrame(t, aliceConn, "read_receipt")
	if err := json.Unmarshal(frame.Data, &receipt); err != nil {
		t.Fatalf("decode read receipt: %v", err)
	}
	if receipt.Kind != bus.ReceiptRead {
		t.Fatalf("expected read receipt, got %+v", receipt)
	}
}

func TestSendErrorsComeBackAsErrorFrames(t *testing.T) {
	env := setupGateway(t)

	userID, deviceID := uuid.New(), uuid.New()
	env.seedDevice(t, userID, deviceID)
	conn := env.dial(t, userID, deviceID)
	awaitFrame(t, conn, "connected")

	sendFrame(t, conn, "message", dto.SendMessageRequest{
		Mode:             string(domain.ModeDirect),
		EncryptedContent: []byte("ciphertext"),
		Metadata:         dto.EncryptionMetadata{Algorithm: "aes-256-gcm", Nonce: "bm9uY2U="},
	})

	frame := awaitFrame(t, conn, "error")
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != "validation" {
		t.Fatalf("expected validation error, got %+v", payload)
	}
}

func TestSecondConnectionDisplacesFirst(t *testing.T) {
	env := setupGateway(t)

	userID, deviceID := uuid.New(), uuid.New()
	env.seedDevice(t, userID, deviceID)

	first := env.dial(t, userID, deviceID)
	awaitFrame(t, first, "connected")
	second := env.dial(t, userID, deviceID)
	awaitFrame(t, second, "connected")

	// The first socket is closed with the displacement code.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, 4409) {
			t.Fatalf("expected close 4409, got %v", err)
		}
		break
	}

	// Displacement is not a disconnect: the device's presence survives
	// because the successor owns it now.
	deadline := time.Now().Add(2 * time.Second)
	for {
		online, err := env.presence.Online(context.Background(), userID)
		if err != nil {
			t.Fatalf("online check: %v", err)
		}
		if online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("user went offline after displacement")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTypingAndPresenceFanout(t *testing.T) {
	env := setupGateway(t)

	alice, aliceDev := uuid.New(), uuid.New()
	bob, bobDev := uuid.New(), uuid.New()
	env.seedDevice(t, alice, aliceDev)
	env.seedDevice(t, bob, bobDev)
	roomID := uuid.New()
	env.seedRoom(t, roomID, alice, bob)

	bobConn := env.dial(t, bob, bobDev)
	awaitFrame(t, bobConn, "connected")

	// Alice connecting is an online edge; Bob shares a room with her.
	aliceConn := env.dial(t, alice, aliceDev)
	awaitFrame(t, aliceConn, "connected")

	frame := awaitFrame(t, bobConn, "presence")
	var pres bus.PresenceEvent
	if err := json.Unmarshal(frame.Data, &pres); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if pres.UserID != alice || !pres.Online {
		t.Fatalf("expected alice online event, got %+v", pres)
	}

	sendFrame(t, aliceConn, "typing", map[string]string{
		"conversationType": "group",
		"conversationId":   roomID.String(),
	})
	frame = awaitFrame(t, bobConn, "typing")
	var typing bus.TypingEvent
	if err := json.Unmarshal(frame.Data, &typing); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if typing.UserID != alice || !typing.Typing || typing.ConversationID != roomID {
		t.Fatalf("wrong typing event: %+v", typing)
	}

	sendFrame(t, aliceConn, "stop_typing", map[string]string{
		"conversationType": "group",
		"conversationId":   roomID.String(),
	})
	frame = awaitFrame(t, bobConn, "typing")
	if err := json.Unmarshal(frame.Data, &typing); err != nil {
		t.Fatalf("decode stop typing: %v", err)
	}
	if typing.Typing {
		t.Fatalf("expected stop typing event, got %+v", typing)
	}

	// A non-member cannot light up a room's typing indicator.
	mallory, malloryDev := uuid.New(), uuid.New()
	env.seedDevice(t, mallory, malloryDev)
	malloryConn := env.dial(t, mallory, malloryDev)
	awaitFrame(t, malloryConn, "connected")
	sendFrame(t, malloryConn, "typing", map[string]string{
		"conversationType": "group",
		"conversationId":   roomID.String(),
	})
	frame = awaitFrame(t, malloryConn, "error")
	var errPayload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &errPayload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errPayload.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", errPayload)
	}
}

func TestDrainNotifiesAndRejectsNewcomers(t *testing.T) {
	env := setupGateway(t)

	userID, deviceID := uuid.New(), uuid.New()
	env.seedDevice(t, userID, deviceID)
	conn := env.dial(t, userID, deviceID)
	awaitFrame(t, conn, "connected")

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		env.gw.Drain(drainCtx)
		close(done)
	}()

	awaitFrame(t, conn, "going_away")
	conn.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("drain did not finish after sockets left")
	}

	token, _ := authz.MintHS256(testSecret, testIssuer, userID, deviceID, time.Minute)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?token=" + token
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("draining gateway accepted a new socket")
	} else if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %+v", resp)
	}
}
