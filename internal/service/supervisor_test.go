package service

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	apperrors "wamux/internal/errors"
	"wamux/internal/models"
	"wamux/pkg/waengine/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type supervisorFixture struct {
	supervisor *Supervisor
	gateway    *fakeGateway
	connector  *fakeConnector
	creds      *CredentialSynchronizer
	ledger     *Ledger
	workspace  *DiskWorkspace
}

func setupSupervisor(t *testing.T) *supervisorFixture {
	t.Helper()

	workspace, err := NewDiskWorkspace(t.TempDir())
	require.NoError(t, err)

	gateway := newFakeGateway()
	logger := testLogger()
	creds := NewCredentialSynchronizer(gateway, workspace, logger)
	ledger := NewLedger(gateway, &fakePublisher{}, models.WebhookClientConfig{TimeoutSec: 2}, logger)
	connector := &fakeConnector{}

	supervisor := NewSupervisor(gateway, creds, ledger, connector,
		models.EngineConfig{DeviceName: "test"}, models.ReconnectConfig{DelaySec: 1}, logger)
	supervisor.reconnectDelay = 50 * time.Millisecond

	adapter := NewEventAdapter(supervisor, ledger, logger)
	supervisor.SetHandlerSource(adapter.HandlersFor)

	return &supervisorFixture{
		supervisor: supervisor,
		gateway:    gateway,
		connector:  connector,
		creds:      creds,
		ledger:     ledger,
		workspace:  workspace,
	}
}

func (f *supervisorFixture) connectSession(t *testing.T, id string) *fakeHandle {
	t.Helper()
	result, err := f.supervisor.Create(context.Background(), id)
	require.NoError(t, err)
	require.Empty(t, result.Error)

	handle := f.connector.lastHandle()
	require.NotNil(t, handle)
	handle.fire(func(h types.EventHandlers) {
		h.OnConnectionState(types.ConnectionEvent{State: types.ConnStateOpen})
	})
	require.Equal(t, models.ConnectionConnected, f.supervisor.State(id))
	return handle
}

func TestCreateStartsConnection(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	result, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.ID)
	assert.False(t, result.Initialized)
	assert.Empty(t, result.Error)

	exists, err := f.gateway.SessionExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, 1, f.connector.connectCount())
	assert.Equal(t, models.ConnectionConnecting, f.supervisor.State("alice"))

	// Working-state directory handed to the engine
	require.Len(t, f.connector.workDirs, 1)
	assert.Equal(t, f.workspace.Path("alice"), f.connector.workDirs[0])
}

func TestCreateRejectsActiveDuplicate(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	_, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = f.supervisor.Create(ctx, "alice")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestCreateRejectsInvalidID(t *testing.T) {
	f := setupSupervisor(t)

	_, err := f.supervisor.Create(context.Background(), "bad/id")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestCreateSurvivesConnectFailure(t *testing.T) {
	f := setupSupervisor(t)
	f.connector.connectErr = assert.AnError
	ctx := context.Background()

	result, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, models.ConnectionDisconnected, f.supervisor.State("alice"))

	// The session row is still created
	exists, err := f.gateway.SessionExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPairRequest(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	_, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)

	code, err := f.supervisor.PairRequest(ctx, "alice", "+1 (555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)
}

func TestPairRequestValidatesPhone(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	_, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = f.supervisor.PairRequest(ctx, "alice", "12345")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.supervisor.PairRequest(ctx, "alice", "1234567890123456")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestPairRequestUnknownSession(t *testing.T) {
	f := setupSupervisor(t)

	_, err := f.supervisor.PairRequest(context.Background(), "ghost", "15551234567")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestSendTextRequiresConnected(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	_, err := f.supervisor.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = f.supervisor.SendText(ctx, "alice", "15559876543", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConnected))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSendTextNormalizesRecipient(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")

	receipt, err := f.supervisor.SendText(context.Background(), "alice", "+1 555-987-6543", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)

	require.Len(t, handle.sent, 1)
	assert.Equal(t, "15559876543@s.whatsapp.net:hello", handle.sent[0])
}

func TestSendTextUnregisteredRecipient(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")
	handle.sendErr = types.ErrRecipientNotFound

	_, err := f.supervisor.SendText(context.Background(), "alice", "15559876543", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRecipientUnregistered))
}

func TestSendTextValidation(t *testing.T) {
	f := setupSupervisor(t)
	f.connectSession(t, "alice")
	ctx := context.Background()

	_, err := f.supervisor.SendText(ctx, "alice", "15559876543", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.supervisor.SendText(ctx, "alice", "", "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.supervisor.SendText(ctx, "alice", "123", "hello")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestSendStatusRecordsSnapshot(t *testing.T) {
	f := setupSupervisor(t)
	f.connectSession(t, "alice")
	ctx := context.Background()

	receipt, err := f.supervisor.SendStatus(ctx, "alice", "out and about")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)

	snap, err := f.gateway.LoadLastStatus(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestDeleteTearsDownEverything(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.supervisor.Delete(ctx, "alice"))

	assert.True(t, handle.isClosed())
	assert.Equal(t, models.ConnectionDisconnected, f.supervisor.State("alice"))

	exists, err := f.gateway.SessionExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = os.Stat(f.workspace.Path("alice"))
	assert.True(t, os.IsNotExist(err))

	// Idempotent
	require.NoError(t, f.supervisor.Delete(ctx, "alice"))
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")

	handle.fire(func(h types.EventHandlers) {
		h.OnConnectionState(types.ConnectionEvent{State: types.ConnStateClosed, Reason: "stream error"})
	})
	assert.Equal(t, models.ConnectionDisconnected, f.supervisor.State("alice"))

	assert.Eventually(t, func() bool {
		return f.connector.connectCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteSuppressesScheduledReconnect(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")

	handle.fire(func(h types.EventHandlers) {
		h.OnConnectionState(types.ConnectionEvent{State: types.ConnStateClosed, Reason: "stream error"})
	})
	require.NoError(t, f.supervisor.Delete(context.Background(), "alice"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.connector.connectCount())
}

func TestTerminalLogoutDeletesSession(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")
	ctx := context.Background()

	handle.fire(func(h types.EventHandlers) {
		h.OnConnectionState(types.ConnectionEvent{State: types.ConnStateClosed, Reason: "logged out", Terminal: true})
	})

	assert.Eventually(t, func() bool {
		exists, err := f.gateway.SessionExists(ctx, "alice")
		return err == nil && !exists
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(f.workspace.Path("alice"))
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestCredentialUpdateCapturesBlob(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.workspace.WriteFile("alice", "engine.db", []byte("paired state")))
	handle.fire(func(h types.EventHandlers) {
		h.OnCredentialUpdate("15551234567@s.whatsapp.net")
	})

	blob, err := f.gateway.LoadCredentials(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.True(t, blob.Usable())
	assert.Equal(t, "15551234567@s.whatsapp.net", blob.Identity)
}

func TestInboundMessageIngestedAndDelivered(t *testing.T) {
	f := setupSupervisor(t)
	handle := f.connectSession(t, "alice")
	ctx := context.Background()

	rec, server := newWebhookRecorder(http.StatusOK)
	defer server.Close()
	require.NoError(t, f.ledger.OnWebhookConfigChange(ctx, "alice", models.WebhookConfig{Incoming: server.URL}))

	handle.fire(func(h types.EventHandlers) {
		h.OnInboundMessage(types.InboundMessage{
			ID:          "in-1",
			FromJID:     "15559876543@s.whatsapp.net",
			TimestampMs: time.Now().UnixMilli(),
			Text:        "hello there",
		})
	})

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)

	msg, err := f.gateway.GetMessage(ctx, "alice", "in-1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Delivered)
}

func TestRestoreAll(t *testing.T) {
	f := setupSupervisor(t)
	ctx := context.Background()

	// Session with usable credentials
	require.NoError(t, f.gateway.CreateSession(ctx, "paired"))
	require.NoError(t, f.gateway.SaveCredentials(ctx, "paired", &models.CredentialBlob{
		Identity: "15551234567@s.whatsapp.net",
		Files:    map[string]string{},
	}))

	// Session without usable credentials
	require.NoError(t, f.gateway.CreateSession(ctx, "unpaired"))
	require.NoError(t, f.gateway.SaveCredentials(ctx, "unpaired", &models.CredentialBlob{}))

	// Orphan working-state directory carrying an identity marker
	require.NoError(t, f.workspace.WriteFile("orphan", identityMarker, []byte("15550001111@s.whatsapp.net")))
	require.NoError(t, f.workspace.WriteFile("orphan", "engine.db", []byte("orphan state")))

	require.NoError(t, f.supervisor.RestoreAll(ctx))

	// paired and the adopted orphan connect; unpaired does not
	assert.Equal(t, 2, f.connector.connectCount())
	assert.Equal(t, models.ConnectionConnecting, f.supervisor.State("paired"))
	assert.Equal(t, models.ConnectionConnecting, f.supervisor.State("orphan"))
	assert.Equal(t, models.ConnectionDisconnected, f.supervisor.State("unpaired"))

	exists, err := f.gateway.SessionExists(ctx, "orphan")
	require.NoError(t, err)
	assert.True(t, exists)

	blob, err := f.gateway.LoadCredentials(ctx, "orphan")
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, "15550001111@s.whatsapp.net", blob.Identity)
}

func TestListJoinsRuntimeState(t *testing.T) {
	f := setupSupervisor(t)
	f.connectSession(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.gateway.CreateSession(ctx, "bob"))

	infos, err := f.supervisor.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]models.SessionInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, models.ConnectionConnected, byID["alice"].State)
	assert.Equal(t, models.ConnectionDisconnected, byID["bob"].State)
}

func TestInfoUnknownSession(t *testing.T) {
	f := setupSupervisor(t)

	_, err := f.supervisor.Info(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}
