package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/homeconnect/internal/broadcast"
	"github.com/joshp123/homeconnect/internal/devices"
	"github.com/joshp123/homeconnect/internal/session"
)

type fakeSession struct {
	mu       sync.Mutex
	sinks    map[string]broadcast.Sink
	inits    chan string
	updates  int
	retries  chan struct{}
	fetchErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		sinks:   make(map[string]broadcast.Sink),
		inits:   make(chan string, 4),
		retries: make(chan struct{}, 4),
	}
}

func (f *fakeSession) State() session.State {
	return session.State{Authenticated: true, AccessToken: "secret", Clients: []string{"a"}}
}

func (f *fakeSession) RegisterClient(id string, sink broadcast.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
}

func (f *fakeSession) UnregisterClient(id string, sink broadcast.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sinks[id] == sink {
		delete(f.sinks, id)
	}
}

func (f *fakeSession) RequestInitialization(_ context.Context, id string) error {
	f.mu.Lock()
	sink := f.sinks[id]
	f.mu.Unlock()
	if sink != nil {
		sink.Deliver(broadcast.Envelope{
			Notification: broadcast.KindInitStatus,
			Payload:      broadcast.Status{Status: broadcast.StatusAuthInProgress, InstanceID: id},
		})
	}
	f.inits <- id
	return nil
}

func (f *fakeSession) RequestUpdate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeSession) RetryAuthentication(context.Context) error {
	f.retries <- struct{}{}
	return nil
}

func (f *fakeSession) FetchDevices(context.Context) error {
	return f.fetchErr
}

func (f *fakeSession) registered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sinks[id]
	return ok
}

func newTestRegistry() *devices.Registry {
	reg := devices.NewRegistry()
	reg.UpsertFromSnapshot(devices.Device{ID: "HA2", Name: "Washer"})
	reg.UpsertFromSnapshot(devices.Device{ID: "HA1", Name: "Oven", DoorState: devices.DoorOpen})
	return reg
}

func newTestRouter(sess *fakeSession) http.Handler {
	return NewRouter(RouterOptions{Session: sess, Devices: newTestRegistry(), Log: zerolog.Nop()})
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
		return ""
	}
}

func TestDeviceRoutes(t *testing.T) {
	router := newTestRouter(newFakeSession())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0]["name"] != "Oven" || list[0]["DoorOpen"] != true {
		t.Fatalf("unexpected device list: %v", list)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/HA2", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"haId":"HA2"`) {
		t.Fatalf("unexpected device response %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	sess := newFakeSession()
	router := newTestRouter(sess)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("session response leaked or failed %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"authenticated":true`) {
		t.Fatalf("unexpected session body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session/retry", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-sess.retries:
	case <-time.After(2 * time.Second):
		t.Fatalf("retry not started")
	}

	sess.fetchErr = session.ErrNotReady
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/devices/refresh", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestWebSocketConfigReachesSession(t *testing.T) {
	sess := newFakeSession()
	srv := httptest.NewServer(newTestRouter(sess))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?instance=mirror-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"notification": NotificationConfig}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if id := waitFor(t, sess.inits); id != "mirror-1" {
		t.Fatalf("unexpected instance %q", id)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Notification string           `json:"notification"`
		Payload      broadcast.Status `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Notification != "INIT_STATUS" || env.Payload.Status != "auth_in_progress" || env.Payload.InstanceID != "mirror-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for sess.registered("mirror-1") {
		if time.Now().After(deadline) {
			t.Fatalf("client not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGRPCWatchAndHealth(t *testing.T) {
	sess := newFakeSession()
	ln := bufconn.Listen(1 << 20)
	gs := newGRPCServer(ln, sess, zerolog.Nop())
	go gs.Serve()
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v %v", resp, err)
	}
	gs.SetAuthenticated(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v %v", resp, err)
	}

	watchCtx := metadata.AppendToOutgoingContext(ctx, InstanceMetadataKey, "grpc-1")
	stream, err := conn.NewStream(watchCtx, &notificationsServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got := msg.Fields["notification"].GetStringValue(); got != "INIT_STATUS" {
		t.Fatalf("unexpected notification %q", got)
	}
	payload := msg.Fields["payload"].GetStructValue()
	if payload.Fields["instanceId"].GetStringValue() != "grpc-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if id := waitFor(t, sess.inits); id != "grpc-1" {
		t.Fatalf("unexpected instance %q", id)
	}
}

func TestGRPCReflectionDescribesNotifications(t *testing.T) {
	ln := bufconn.Listen(1 << 20)
	gs := newGRPCServer(ln, newFakeSession(), zerolog.Nop())
	go gs.Serve()
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := rpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatalf("reflection stream: %v", err)
	}

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{},
	}); err != nil {
		t.Fatalf("send list: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv list: %v", err)
	}
	listed := false
	for _, svc := range resp.GetListServicesResponse().GetService() {
		if svc.GetName() == NotificationsService {
			listed = true
		}
	}
	if !listed {
		t.Fatalf("%s not listed: %v", NotificationsService, resp)
	}

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: NotificationsService},
	}); err != nil {
		t.Fatalf("send describe: %v", err)
	}
	resp, err = stream.Recv()
	if err != nil {
		t.Fatalf("recv describe: %v", err)
	}
	if e := resp.GetErrorResponse(); e != nil {
		t.Fatalf("describe failed: %s", e.GetErrorMessage())
	}

	var method *descriptorpb.MethodDescriptorProto
	for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
		fd := new(descriptorpb.FileDescriptorProto)
		if err := proto.Unmarshal(raw, fd); err != nil {
			t.Fatalf("unmarshal descriptor: %v", err)
		}
		if fd.GetName() != notificationsProtoFile {
			continue
		}
		for _, svc := range fd.GetService() {
			if svc.GetName() == "Notifications" && len(svc.GetMethod()) == 1 {
				method = svc.GetMethod()[0]
			}
		}
	}
	if method == nil {
		t.Fatalf("Notifications descriptor missing from response")
	}
	if method.GetName() != "Watch" || !method.GetServerStreaming() || method.GetOutputType() != ".google.protobuf.Struct" {
		t.Fatalf("unexpected Watch descriptor: %v", method)
	}
}
