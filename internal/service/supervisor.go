package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"wamux/internal/constants"
	apperrors "wamux/internal/errors"
	"wamux/internal/metrics"
	"wamux/internal/models"
	"wamux/internal/security"
	"wamux/pkg/waengine/types"

	"github.com/sirupsen/logrus"
)

// managedSession is the runtime half of a session: the live engine handle
// and the in-memory connection state. Never persisted; every process run
// starts from disconnected.
type managedSession struct {
	handle         types.Handle
	state          models.ConnectionState
	reconnectTimer *time.Timer
}

// Supervisor owns the runtime lifecycle of every session: creation, pairing,
// sends, reconnection, restore at startup and teardown. All map access goes
// through the mutex; engine IO happens outside it.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*managedSession

	gateway   Gateway
	creds     *CredentialSynchronizer
	ledger    *Ledger
	connector types.Connector
	handlers  func(id string) types.EventHandlers

	engineCfg          types.Config
	reconnectDelay     time.Duration
	restoreConcurrency int
	logger             *logrus.Logger
}

func NewSupervisor(
	gateway Gateway,
	creds *CredentialSynchronizer,
	ledger *Ledger,
	connector types.Connector,
	engineCfg models.EngineConfig,
	reconnectCfg models.ReconnectConfig,
	logger *logrus.Logger,
) *Supervisor {
	deviceName := engineCfg.DeviceName
	if deviceName == "" {
		deviceName = constants.DefaultEngineDeviceName
	}
	delaySec := reconnectCfg.DelaySec
	if delaySec <= 0 {
		delaySec = constants.DefaultReconnectDelaySec
	}

	return &Supervisor{
		sessions:           make(map[string]*managedSession),
		gateway:            gateway,
		creds:              creds,
		ledger:             ledger,
		connector:          connector,
		engineCfg:          types.Config{DeviceName: deviceName},
		reconnectDelay:     time.Duration(delaySec) * time.Second,
		restoreConcurrency: constants.DefaultRestoreConcurrency,
		logger:             logger,
	}
}

// SetHandlerSource wires the event adapter in after construction; the
// adapter needs the supervisor and the supervisor needs the adapter's
// handlers, so one side binds late.
func (s *Supervisor) SetHandlerSource(handlers func(id string) types.EventHandlers) {
	s.handlers = handlers
}

// CreateResult reports the outcome of session creation. A connect failure
// still leaves the session created; Error carries the reason.
type CreateResult struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}

// Create registers a session and starts its first connection attempt.
// Creating an id that is already active is an error; re-creating a known but
// inactive session re-activates it.
func (s *Supervisor) Create(ctx context.Context, id string) (*CreateResult, error) {
	if err := security.ValidateSessionID(id); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid session id")
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "session already active")
	}
	s.sessions[id] = &managedSession{state: models.ConnectionConnecting}
	s.mu.Unlock()

	if err := s.gateway.CreateSession(ctx, id); err != nil {
		s.dropEntry(id)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create session")
	}

	blob, err := s.gateway.LoadCredentials(ctx, id)
	if err != nil {
		s.dropEntry(id)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to load credentials")
	}

	result := &CreateResult{ID: id, Initialized: blob.Usable()}
	if err := s.connect(ctx, id); err != nil {
		s.logger.WithError(err).WithField("session", id).Warn("Initial connect failed")
		result.Error = err.Error()
	}
	return result, nil
}

// connect materializes working state and opens an engine connection. Holds
// no lock during IO; the handle is installed only if the session still
// exists afterwards.
func (s *Supervisor) connect(ctx context.Context, id string) error {
	dir, err := s.creds.Materialize(ctx, id)
	if err != nil {
		s.setState(id, models.ConnectionDisconnected)
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to materialize working state")
	}

	handle, err := s.connector.Connect(ctx, dir, s.engineCfg, s.handlers(id))
	if err != nil {
		s.setState(id, models.ConnectionDisconnected)
		return apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to connect")
	}

	s.mu.Lock()
	entry, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		// Deleted while connecting.
		return handle.Close()
	}
	if entry.handle != nil {
		_ = entry.handle.Close()
	}
	entry.handle = handle
	entry.state = models.ConnectionConnecting
	s.mu.Unlock()

	s.logger.WithField("session", id).Info("Engine connection started")
	return nil
}

// PairRequest asks the engine for a phone-link code. The phone number is
// normalized to digits; anything outside 10 to 15 digits is rejected.
func (s *Supervisor) PairRequest(ctx context.Context, id, phone string) (string, error) {
	digits := stripNonDigits(phone)
	if len(digits) < constants.PairingPhoneMinDigits || len(digits) > constants.PairingPhoneMaxDigits {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "phone number must be 10 to 15 digits")
	}

	handle, err := s.liveHandle(ctx, id)
	if err != nil {
		return "", err
	}

	code, err := handle.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to request pairing code")
	}
	return code, nil
}

// SendText delivers a text message through a connected session. The
// recipient may be a bare phone number or a full JID.
func (s *Supervisor) SendText(ctx context.Context, id, to, text string) (*types.SendReceipt, error) {
	if text == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "message text cannot be empty")
	}
	jid, err := normalizeRecipient(to)
	if err != nil {
		return nil, err
	}

	handle, err := s.connectedHandle(ctx, id)
	if err != nil {
		return nil, err
	}

	receipt, err := handle.Send(ctx, jid, text)
	if err != nil {
		if errors.Is(err, types.ErrRecipientNotFound) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeRecipientUnregistered, "recipient is not a registered account")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to send message")
	}

	metrics.IncrCounter("messages_sent", 1, map[string]string{"session": id}, "Outbound messages accepted")
	return receipt, nil
}

// SendStatus publishes a text status and records the snapshot for later
// inspection.
func (s *Supervisor) SendStatus(ctx context.Context, id, text string) (*types.SendReceipt, error) {
	if text == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "status text cannot be empty")
	}

	handle, err := s.connectedHandle(ctx, id)
	if err != nil {
		return nil, err
	}

	receipt, err := handle.SendStatus(ctx, text)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to send status")
	}

	snap := models.StatusSnapshot{
		MessageID: receipt.MessageID,
		Timestamp: receipt.TimestampMs,
		SentAt:    time.Now().UTC(),
	}
	if err := s.ledger.NotifyStatus(ctx, id, snap); err != nil {
		s.logger.WithError(err).WithField("session", id).Warn("Failed to record status snapshot")
	}
	return receipt, nil
}

// Delete tears a session down completely: live connection, any scheduled
// reconnect, the working-state directory and the database row with its
// messages. Deleting an unknown session is a success.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	if err := security.ValidateSessionID(id); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid session id")
	}

	s.mu.Lock()
	entry := s.sessions[id]
	var handle types.Handle
	if entry != nil {
		if entry.reconnectTimer != nil {
			entry.reconnectTimer.Stop()
		}
		handle = entry.handle
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.logger.WithError(err).WithField("session", id).Warn("Failed to close engine connection")
		}
	}

	if err := s.creds.Purge(id); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to purge working state")
	}
	if err := s.gateway.DeleteSession(ctx, id); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to delete session")
	}

	s.logger.WithField("session", id).Info("Session deleted")
	return nil
}

// Info returns a single session joined with its runtime state.
func (s *Supervisor) Info(ctx context.Context, id string) (*models.SessionInfo, error) {
	sessions, err := s.gateway.ListSessions(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to list sessions")
	}
	for _, sess := range sessions {
		if sess.ID == id {
			info := s.buildInfo(ctx, sess)
			return &info, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeNotFound, "session not found")
}

// List returns every known session with its runtime state.
func (s *Supervisor) List(ctx context.Context) ([]models.SessionInfo, error) {
	sessions, err := s.gateway.ListSessions(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to list sessions")
	}

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, s.buildInfo(ctx, sess))
	}
	return infos, nil
}

func (s *Supervisor) buildInfo(ctx context.Context, sess models.Session) models.SessionInfo {
	info := models.SessionInfo{
		ID:        sess.ID,
		State:     models.ConnectionDisconnected,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}

	s.mu.Lock()
	if entry, ok := s.sessions[sess.ID]; ok {
		info.State = entry.state
	}
	s.mu.Unlock()

	if blob, err := s.gateway.LoadCredentials(ctx, sess.ID); err == nil {
		info.HasCredentials = blob.Usable()
	}
	return info
}

// State returns the runtime connection state, disconnected for sessions
// without a live entry.
func (s *Supervisor) State(id string) models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok {
		return entry.state
	}
	return models.ConnectionDisconnected
}

// RestoreAll reconnects every session with usable credentials at startup,
// bounded by a concurrency limit. Working-state directories on disk without
// a database row are imported first when they carry a pairing identity.
func (s *Supervisor) RestoreAll(ctx context.Context) error {
	if err := s.importOrphans(ctx); err != nil {
		s.logger.WithError(err).Warn("Orphan working-state import failed")
	}

	sessions, err := s.gateway.ListSessions(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to list sessions")
	}

	sem := make(chan struct{}, s.restoreConcurrency)
	var wg sync.WaitGroup

	restored := 0
	for _, sess := range sessions {
		blob, err := s.gateway.LoadCredentials(ctx, sess.ID)
		if err != nil {
			s.logger.WithError(err).WithField("session", sess.ID).Error("Failed to load credentials during restore")
			continue
		}
		if !blob.Usable() {
			s.logger.WithField("session", sess.ID).Debug("Skipping restore: no usable credentials")
			continue
		}

		s.mu.Lock()
		if _, ok := s.sessions[sess.ID]; ok {
			s.mu.Unlock()
			continue
		}
		s.sessions[sess.ID] = &managedSession{state: models.ConnectionConnecting}
		s.mu.Unlock()

		restored++
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.connect(ctx, id); err != nil {
				s.logger.WithError(err).WithField("session", id).Error("Failed to restore session")
				s.scheduleReconnect(id)
			}
		}(sess.ID)
	}
	wg.Wait()

	s.logger.WithFields(logrus.Fields{
		"total":    len(sessions),
		"restored": restored,
	}).Info("Session restore complete")
	return nil
}

// importOrphans adopts working-state directories that exist on disk without
// a session row, as long as they carry a pairing identity marker.
func (s *Supervisor) importOrphans(ctx context.Context) error {
	orphans, err := s.creds.Orphans(ctx)
	if err != nil {
		return err
	}

	for _, id := range orphans {
		if !s.creds.HasIdentity(id) {
			s.logger.WithField("session", id).Debug("Ignoring orphan directory without identity marker")
			continue
		}
		if err := s.gateway.CreateSession(ctx, id); err != nil {
			s.logger.WithError(err).WithField("session", id).Error("Failed to adopt orphan session")
			continue
		}
		if err := s.creds.CaptureAndPersist(ctx, id, ""); err != nil {
			s.logger.WithError(err).WithField("session", id).Error("Failed to capture orphan working state")
			continue
		}
		s.logger.WithField("session", id).Info("Adopted orphan working-state directory")
	}
	return nil
}

// CloseAll closes every live connection without deleting anything. Used on
// shutdown.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	handles := make(map[string]types.Handle)
	for id, entry := range s.sessions {
		if entry.reconnectTimer != nil {
			entry.reconnectTimer.Stop()
		}
		if entry.handle != nil {
			handles[id] = entry.handle
		}
		entry.handle = nil
		entry.state = models.ConnectionDisconnected
	}
	s.mu.Unlock()

	for id, handle := range handles {
		if err := handle.Close(); err != nil {
			s.logger.WithError(err).WithField("session", id).Warn("Failed to close engine connection")
		}
	}
}

// handleConnectionEvent applies an engine state transition. Called from
// engine goroutines via the event adapter.
func (s *Supervisor) handleConnectionEvent(id string, ev types.ConnectionEvent) {
	if ev.Terminal {
		s.logger.WithFields(logrus.Fields{
			"session": id,
			"reason":  ev.Reason,
		}).Warn("Session logged out; tearing down")
		// Teardown closes the handle; do it off the engine's goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Delete(ctx, id); err != nil {
				s.logger.WithError(err).WithField("session", id).Error("Failed to tear down logged-out session")
			}
		}()
		return
	}

	switch ev.State {
	case types.ConnStateOpen:
		s.setState(id, models.ConnectionConnected)
		metrics.SetGauge("session_connected", 1, map[string]string{"session": id}, "Session connection state")
		s.logger.WithField("session", id).Info("Session connected")
	case types.ConnStateConnecting:
		s.setState(id, models.ConnectionConnecting)
	case types.ConnStateClosed:
		s.setState(id, models.ConnectionDisconnected)
		metrics.SetGauge("session_connected", 0, map[string]string{"session": id}, "Session connection state")
		s.logger.WithFields(logrus.Fields{
			"session": id,
			"reason":  ev.Reason,
		}).Warn("Session disconnected")
		s.scheduleReconnect(id)
	}
}

// handleCredentialUpdate re-captures working state into the durable blob.
func (s *Supervisor) handleCredentialUpdate(id, identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.creds.CaptureAndPersist(ctx, id, identity); err != nil {
		s.logger.WithError(err).WithField("session", id).Error("Failed to capture credentials")
	}
}

// scheduleReconnect arms a fixed-delay reconnect for a session that is still
// managed. A session deleted before the timer fires is left alone.
func (s *Supervisor) scheduleReconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || entry.reconnectTimer != nil {
		return
	}
	entry.reconnectTimer = time.AfterFunc(s.reconnectDelay, func() {
		s.reconnect(id)
	})
}

func (s *Supervisor) reconnect(id string) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.reconnectTimer = nil
	if entry.state == models.ConnectionConnected {
		s.mu.Unlock()
		return
	}
	oldHandle := entry.handle
	entry.handle = nil
	entry.state = models.ConnectionConnecting
	s.mu.Unlock()

	if oldHandle != nil {
		_ = oldHandle.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.WithField("session", id).Info("Reconnecting session")
	if err := s.connect(ctx, id); err != nil {
		s.logger.WithError(err).WithField("session", id).Warn("Reconnect attempt failed")
		s.scheduleReconnect(id)
	}
}

func (s *Supervisor) setState(id string, state models.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok {
		entry.state = state
	}
}

func (s *Supervisor) dropEntry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// liveHandle returns the engine handle for a session regardless of
// connection state. Used for pairing, which happens before connected.
func (s *Supervisor) liveHandle(ctx context.Context, id string) (types.Handle, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	var handle types.Handle
	if ok {
		handle = entry.handle
	}
	s.mu.Unlock()

	if !ok {
		return nil, s.missingSessionError(ctx, id)
	}
	if handle == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotInitialized, "session engine is not initialized")
	}
	return handle, nil
}

// connectedHandle returns the engine handle only when the session is
// connected.
func (s *Supervisor) connectedHandle(ctx context.Context, id string) (types.Handle, error) {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	var handle types.Handle
	var state models.ConnectionState
	if ok {
		handle = entry.handle
		state = entry.state
	}
	s.mu.Unlock()

	if !ok {
		return nil, s.missingSessionError(ctx, id)
	}
	if handle == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotInitialized, "session engine is not initialized")
	}
	if state != models.ConnectionConnected {
		return nil, apperrors.New(apperrors.ErrCodeNotConnected, "session is not connected")
	}
	return handle, nil
}

// missingSessionError distinguishes an unknown session from one that exists
// in the database but has no live runtime entry.
func (s *Supervisor) missingSessionError(ctx context.Context, id string) error {
	exists, err := s.gateway.SessionExists(ctx, id)
	if err == nil && exists {
		return apperrors.New(apperrors.ErrCodeNotInitialized, "session is not active")
	}
	return apperrors.New(apperrors.ErrCodeNotFound, "session not found")
}

func stripNonDigits(in string) string {
	var b strings.Builder
	for _, r := range in {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeRecipient accepts a bare phone number or a full JID and returns
// the JID to send to.
func normalizeRecipient(to string) (string, error) {
	if to == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		return to, nil
	}
	digits := stripNonDigits(to)
	if len(digits) < constants.PhoneRunMinDigits || len(digits) > constants.PairingPhoneMaxDigits {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "recipient phone number is not valid")
	}
	return digits + "@s.whatsapp.net", nil
}
