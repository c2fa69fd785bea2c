// Package delivery persists ciphertext envelopes, tracks per-recipient
// delivery state, and announces accepted traffic on the fan-out bus.
// Bus publishes are advisory: a failed publish degrades live delivery
// while offline sync still serves from the store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
	"github.com/parlor-chat/parlor/internal/store"
)

type Options struct {
	// DefaultTTL is applied to envelopes whose request carries no
	// explicit expiry. Zero keeps them until deleted.
	DefaultTTL time.Duration
	// OfflinePageSize caps one offline-sync page.
	OfflinePageSize int
	// ScrubOnDelete nulls ciphertext and key wraps on sender deletes
	// instead of only tombstoning the row.
	ScrubOnDelete bool
}

type Service struct {
	store *store.Store
	bus   bus.Bus
	log   *slog.Logger
	opts  Options
	now   func() time.Time
}

func New(st *store.Store, b bus.Bus, logger *slog.Logger, opts Options) *Service {
	if opts.OfflinePageSize <= 0 {
		opts.OfflinePageSize = 100
	}
	return &Service{
		store: st,
		bus:   b,
		log:   logger,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SendMessage persists an envelope exactly once per message ID. A
// retried ID returns the first-persisted record unchanged, whatever the
// retry's payload says. Group sends snapshot the room roster minus the
// sender at send time; later membership changes do not reshape the
// audience. The accepted event goes out on the bus only when this call
// actually inserted the row.
func (s *Service) SendMessage(ctx context.Context, senderID, senderDeviceID uuid.UUID, req dto.SendMessageRequest) (dto.MessageResponse, error) {
	messageID, err := parseOrGenerate(req.MessageID)
	if err != nil {
		return dto.MessageResponse{}, fmt.Errorf("%w: invalid messageId", domain.ErrValidation)
	}
	if len(req.EncryptedContent) == 0 {
		return dto.MessageResponse{}, fmt.Errorf("%w: encryptedContent is required", domain.ErrValidation)
	}
	if req.Metadata.Algorithm == "" || req.Metadata.Nonce == "" {
		return dto.MessageResponse{}, fmt.Errorf("%w: encryptionMetadata needs algorithm and nonce", domain.ErrValidation)
	}
	if req.ExpiresInSeconds < 0 {
		return dto.MessageResponse{}, fmt.Errorf("%w: expiresInSeconds must not be negative", domain.ErrValidation)
	}

	wraps, err := keyWrapsFromRequest(req.Metadata.EncryptedKeys)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	encryptedKeys, err := marshalKeyWraps(wraps)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	now := s.now()
	env := &domain.MessageEnvelope{
		MessageID:        messageID,
		SenderID:         senderID,
		SenderDeviceID:   senderDeviceID,
		Mode:             domain.AddressMode(req.Mode),
		EncryptedContent: req.EncryptedContent,
		Algorithm:        req.Metadata.Algorithm,
		Nonce:            req.Metadata.Nonce,
		KeyVersion:       req.Metadata.KeyVersion,
		EncryptedKeys:    encryptedKeys,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if env.KeyVersion <= 0 {
		env.KeyVersion = 1
	}
	if req.ExpiresInSeconds > 0 {
		t := now.Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		env.ExpiresAt = &t
	} else if s.opts.DefaultTTL > 0 {
		t := now.Add(s.opts.DefaultTTL)
		env.ExpiresAt = &t
	}

	var recipients []uuid.UUID
	switch env.Mode {
	case domain.ModeDirect:
		if req.RecipientID == "" {
			return dto.MessageResponse{}, fmt.Errorf("%w: direct messages need recipientId", domain.ErrValidation)
		}
		recipientID, err := uuid.Parse(req.RecipientID)
		if err != nil {
			return dto.MessageResponse{}, fmt.Errorf("%w: invalid recipientId", domain.ErrValidation)
		}
		env.RecipientID = &recipientID
		recipients = []uuid.UUID{recipientID}
	case domain.ModeGroup:
		if req.RoomID == "" {
			return dto.MessageResponse{}, fmt.Errorf("%w: group messages need roomId", domain.ErrValidation)
		}
		roomID, err := uuid.Parse(req.RoomID)
		if err != nil {
			return dto.MessageResponse{}, fmt.Errorf("%w: invalid roomId", domain.ErrValidation)
		}
		env.RoomID = &roomID
	default:
		return dto.MessageResponse{}, fmt.Errorf("%w: mode must be direct or group", domain.ErrValidation)
	}

	var (
		inserted bool
		statuses []domain.RecipientStatus
	)
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.Envelopes().Get(ctx, messageID)
		if err == nil {
			return s.adoptExisting(ctx, tx, existing, senderID, env, &statuses)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if env.Mode == domain.ModeGroup {
			recipients, err = s.groupRecipients(ctx, tx, *env.RoomID, senderID)
			if err != nil {
				return err
			}
		}

		inserted, err = tx.Envelopes().Create(ctx, env)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost the insert race against a concurrent retry; the
			// winner's record is the one everybody gets back.
			existing, err := tx.Envelopes().Get(ctx, messageID)
			if err != nil {
				return err
			}
			return s.adoptExisting(ctx, tx, existing, senderID, env, &statuses)
		}

		statuses = make([]domain.RecipientStatus, 0, len(recipients))
		for _, recipientID := range recipients {
			statuses = append(statuses, domain.RecipientStatus{
				MessageID:   messageID,
				RecipientID: recipientID,
				Status:      domain.StatusSent,
				UpdatedAt:   now,
			})
		}
		return tx.Statuses().AddBatch(ctx, statuses)
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	if inserted {
		s.publish(ctx, bus.ChannelMessages, bus.MessageAccepted{
			Envelope:   busEnvelope(env),
			Recipients: recipients,
		})
	}
	return messageResponse(env, statuses, !inserted), nil
}

func (s *Service) adoptExisting(ctx context.Context, tx *store.Store, existing *domain.MessageEnvelope, senderID uuid.UUID, env *domain.MessageEnvelope, statuses *[]domain.RecipientStatus) error {
	if existing.SenderID != senderID {
		return fmt.Errorf("%w: messageId already used by another sender", domain.ErrConflict)
	}
	*env = *existing
	var err error
	*statuses, err = tx.Statuses().ListByMessage(ctx, existing.MessageID)
	return err
}

func (s *Service) groupRecipients(ctx context.Context, tx *store.Store, roomID, senderID uuid.UUID) ([]uuid.UUID, error) {
	exists, err := tx.Rooms().Exists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: unknown room", domain.ErrNotFound)
	}
	member, err := tx.Rooms().IsMember(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: sender is not a room member", domain.ErrForbidden)
	}
	members, err := tx.Rooms().MemberIDs(ctx, roomID)
	if err != nil {
		return nil, err
	}
	recipients := make([]uuid.UUID, 0, len(members))
	for _, id := range members {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}
	return recipients, nil
}

// MarkDelivered records a delivery receipt. Repeat or late receipts
// apply nothing and publish nothing.
func (s *Service) MarkDelivered(ctx context.Context, messageID, recipientID, deviceID uuid.UUID) (bool, error) {
	return s.mark(ctx, messageID, recipientID, deviceID, bus.ReceiptDelivered)
}

// MarkRead records a read receipt. Read wins over delivered and never
// regresses; a read from any one device marks the whole recipient.
func (s *Service) MarkRead(ctx context.Context, messageID, recipientID, deviceID uuid.UUID) (bool, error) {
	return s.mark(ctx, messageID, recipientID, deviceID, bus.ReceiptRead)
}

func (s *Service) mark(ctx context.Context, messageID, recipientID, deviceID uuid.UUID, kind string) (bool, error) {
	env, err := s.store.Envelopes().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: unknown message", domain.ErrNotFound)
		}
		return false, err
	}

	at := s.now()
	var applied bool
	switch kind {
	case bus.ReceiptDelivered:
		applied, err = s.store.Statuses().MarkDelivered(ctx, messageID, recipientID, at)
	case bus.ReceiptRead:
		applied, err = s.store.Statuses().MarkRead(ctx, messageID, recipientID, at)
	}
	if err != nil || !applied {
		return applied, err
	}

	s.publish(ctx, bus.ChannelReceipts, bus.Receipt{
		MessageID:   messageID,
		SenderID:    env.SenderID,
		RecipientID: recipientID,
		DeviceID:    deviceID,
		Kind:        kind,
		At:          at,
	})
	return true, nil
}

// MarkDeliveredBulk applies the sent -> delivered transition to every
// eligible ID in one transaction and reports which ones moved.
func (s *Service) MarkDeliveredBulk(ctx context.Context, messageIDs []uuid.UUID, recipientID, deviceID uuid.UUID) ([]uuid.UUID, error) {
	return s.markBulk(ctx, messageIDs, recipientID, deviceID, bus.ReceiptDelivered)
}

func (s *Service) MarkReadBulk(ctx context.Context, messageIDs []uuid.UUID, recipientID, deviceID uuid.UUID) ([]uuid.UUID, error) {
	return s.markBulk(ctx, messageIDs, recipientID, deviceID, bus.ReceiptRead)
}

func (s *Service) markBulk(ctx context.Context, messageIDs []uuid.UUID, recipientID, deviceID uuid.UUID, kind string) ([]uuid.UUID, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	at := s.now()
	var applied []uuid.UUID
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		from := []domain.DeliveryStatus{domain.StatusSent}
		if kind == bus.ReceiptRead {
			from = append(from, domain.StatusDelivered)
		}
		var err error
		applied, err = tx.Statuses().EligibleFor(ctx, messageIDs, recipientID, from)
		if err != nil || len(applied) == 0 {
			return err
		}
		if kind == bus.ReceiptRead {
			_, err = tx.Statuses().MarkReadBatch(ctx, applied, recipientID, at)
		} else {
			_, err = tx.Statuses().MarkDeliveredBatch(ctx, applied, recipientID, at)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(applied) > 0 {
		senders, err := s.store.Envelopes().SendersOf(ctx, applied)
		if err != nil {
			s.log.Warn("receipt sender lookup failed", "error", err)
			return applied, nil
		}
		for _, id := range applied {
			s.publish(ctx, bus.ChannelReceipts, bus.Receipt{
				MessageID:   id,
				SenderID:    senders[id],
				RecipientID: recipientID,
				DeviceID:    deviceID,
				Kind:        kind,
				At:          at,
			})
		}
	}
	return applied, nil
}

// GetOfflineMessages pages through envelopes addressed to the user that
// were created after the client-supplied watermark. The server keeps no
// cursor; the returned watermark is simply the last row's creation time
// for the client to store.
func (s *Service) GetOfflineMessages(ctx context.Context, userID uuid.UUID, since time.Time, limit int) (dto.OfflineMessagesResponse, error) {
	if limit <= 0 || limit > s.opts.OfflinePageSize {
		limit = s.opts.OfflinePageSize
	}

	envs, err := s.store.Envelopes().ListForRecipient(ctx, userID, since, s.now(), limit+1)
	if err != nil {
		return dto.OfflineMessagesResponse{}, err
	}
	hasMore := len(envs) > limit
	if hasMore {
		envs = envs[:limit]
	}

	ids := make([]uuid.UUID, 0, len(envs))
	for i := range envs {
		ids = append(ids, envs[i].MessageID)
	}
	statuses, err := s.store.Statuses().ListByMessages(ctx, ids, userID)
	if err != nil {
		return dto.OfflineMessagesResponse{}, err
	}
	statusByID := make(map[uuid.UUID]domain.RecipientStatus, len(statuses))
	for _, st := range statuses {
		statusByID[st.MessageID] = st
	}

	resp := dto.OfflineMessagesResponse{
		Messages:  make([]dto.OfflineMessage, 0, len(envs)),
		Watermark: since,
		HasMore:   hasMore,
	}
	for i := range envs {
		env := &envs[i]
		msg := dto.OfflineMessage{
			MessageID:        env.MessageID.String(),
			SenderID:         env.SenderID.String(),
			SenderDeviceID:   env.SenderDeviceID.String(),
			Mode:             string(env.Mode),
			EncryptedContent: env.EncryptedContent,
			Metadata:         metadataView(env),
			Status:           string(domain.StatusSent),
			CreatedAt:        env.CreatedAt,
		}
		if env.RecipientID != nil {
			msg.RecipientID = env.RecipientID.String()
		}
		if env.RoomID != nil {
			msg.RoomID = env.RoomID.String()
		}
		if st, ok := statusByID[env.MessageID]; ok {
			msg.Status = string(st.Status)
		}
		resp.Messages = append(resp.Messages, msg)
		resp.Watermark = env.CreatedAt
	}
	return resp, nil
}

// DeleteMessage tombstones an envelope. Only the original sender may
// delete; repeat deletes report false. Ciphertext stays in place unless
// scrub-on-delete is configured, since it is opaque either way.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) (bool, error) {
	env, err := s.store.Envelopes().Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: unknown message", domain.ErrNotFound)
		}
		return false, err
	}
	if env.SenderID != requesterID {
		return false, fmt.Errorf("%w: only the sender may delete a message", domain.ErrForbidden)
	}
	return s.store.Envelopes().SoftDelete(ctx, messageID, s.opts.ScrubOnDelete, s.now())
}

// UpsertRoom mirrors a room roster from the owning room service. The
// member list replaces whatever was mirrored before, so removals
// propagate on the next push.
func (s *Service) UpsertRoom(ctx context.Context, req dto.UpsertRoomRequest) (dto.UpsertRoomResponse, error) {
	roomID, err := uuid.Parse(req.RoomID)
	if err != nil {
		return dto.UpsertRoomResponse{}, fmt.Errorf("%w: invalid roomId", domain.ErrValidation)
	}
	if len(req.Members) == 0 {
		return dto.UpsertRoomResponse{}, fmt.Errorf("%w: members must not be empty", domain.ErrValidation)
	}

	members := make([]domain.RoomMember, 0, len(req.Members))
	for i, m := range req.Members {
		userID, err := uuid.Parse(m.UserID)
		if err != nil {
			return dto.UpsertRoomResponse{}, fmt.Errorf("%w: members[%d].userId is not a uuid", domain.ErrValidation, i)
		}
		role := m.Role
		if role == "" {
			role = "member"
		}
		members = append(members, domain.RoomMember{RoomID: roomID, UserID: userID, Role: role})
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Rooms().Upsert(ctx, &domain.Room{ID: roomID, Name: req.Name}); err != nil {
			return err
		}
		return tx.Rooms().ReplaceMembers(ctx, roomID, members)
	})
	if err != nil {
		return dto.UpsertRoomResponse{}, err
	}
	return dto.UpsertRoomResponse{RoomID: roomID.String(), Members: len(members)}, nil
}

func (s *Service) publish(ctx context.Context, channel string, event interface{}) {
	payload, err := marshalEvent(event)
	if err != nil {
		s.log.Warn("event marshal failed", "channel", channel, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.log.Warn("bus publish failed", "channel", channel, "error", err)
	}
}

func parseOrGenerate(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(id)
}
