package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/parlor-chat/parlor/internal/bus"
	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
)

func marshalEvent(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

func keyWrapsFromRequest(wraps []dto.KeyWrap) ([]domain.KeyWrap, error) {
	if len(wraps) == 0 {
		return nil, nil
	}
	out := make([]domain.KeyWrap, 0, len(wraps))
	for i, w := range wraps {
		recipientID, err := uuid.Parse(w.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("%w: encryptedKeys[%d].recipientId is not a uuid", domain.ErrValidation, i)
		}
		deviceID, err := uuid.Parse(w.RecipientDeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: encryptedKeys[%d].recipientDeviceId is not a uuid", domain.ErrValidation, i)
		}
		if w.EncryptedKey == "" {
			return nil, fmt.Errorf("%w: encryptedKeys[%d].encryptedKey is required", domain.ErrValidation, i)
		}
		out = append(out, domain.KeyWrap{
			RecipientID:        recipientID,
			RecipientDeviceID:  deviceID,
			EncryptedKey:       w.EncryptedKey,
			EphemeralPublicKey: w.EphemeralPublicKey,
		})
	}
	return out, nil
}

func marshalKeyWraps(wraps []domain.KeyWrap) (datatypes.JSON, error) {
	if len(wraps) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(wraps)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalKeyWraps(raw datatypes.JSON) []domain.KeyWrap {
	if len(raw) == 0 {
		return nil
	}
	var wraps []domain.KeyWrap
	if err := json.Unmarshal(raw, &wraps); err != nil {
		return nil
	}
	return wraps
}

func keyWrapViews(wraps []domain.KeyWrap) []dto.KeyWrap {
	if len(wraps) == 0 {
		return nil
	}
	out := make([]dto.KeyWrap, 0, len(wraps))
	for _, w := range wraps {
		out = append(out, dto.KeyWrap{
			RecipientID:        w.RecipientID.String(),
			RecipientDeviceID:  w.RecipientDeviceID.String(),
			EncryptedKey:       w.EncryptedKey,
			EphemeralPublicKey: w.EphemeralPublicKey,
		})
	}
	return out
}

func metadataView(env *domain.MessageEnvelope) dto.EncryptionMetadata {
	return dto.EncryptionMetadata{
		Algorithm:     env.Algorithm,
		Nonce:         env.Nonce,
		KeyVersion:    env.KeyVersion,
		EncryptedKeys: keyWrapViews(unmarshalKeyWraps(env.EncryptedKeys)),
	}
}

func busEnvelope(env *domain.MessageEnvelope) bus.Envelope {
	return bus.Envelope{
		MessageID:        env.MessageID,
		SenderID:         env.SenderID,
		SenderDeviceID:   env.SenderDeviceID,
		Mode:             env.Mode,
		RecipientID:      env.RecipientID,
		RoomID:           env.RoomID,
		EncryptedContent: env.EncryptedContent,
		Algorithm:        env.Algorithm,
		Nonce:            env.Nonce,
		KeyVersion:       env.KeyVersion,
		EncryptedKeys:    unmarshalKeyWraps(env.EncryptedKeys),
		CreatedAt:        env.CreatedAt,
		ExpiresAt:        env.ExpiresAt,
	}
}

func messageResponse(env *domain.MessageEnvelope, statuses []domain.RecipientStatus, duplicate bool) dto.MessageResponse {
	resp := dto.MessageResponse{
		MessageID:      env.MessageID.String(),
		SenderID:       env.SenderID.String(),
		SenderDeviceID: env.SenderDeviceID.String(),
		Mode:           string(env.Mode),
		Duplicate:      duplicate,
		CreatedAt:      env.CreatedAt,
		ExpiresAt:      env.ExpiresAt,
	}
	if env.RecipientID != nil {
		resp.RecipientID = env.RecipientID.String()
	}
	if env.RoomID != nil {
		resp.RoomID = env.RoomID.String()
	}
	switch env.Mode {
	case domain.ModeDirect:
		if len(statuses) > 0 {
			resp.DeliveryStatus = string(statuses[0].Status)
		}
	case domain.ModeGroup:
		resp.PerRecipient = make(map[string]dto.RecipientStatusView, len(statuses))
		for _, st := range statuses {
			resp.PerRecipient[st.RecipientID.String()] = dto.RecipientStatusView{
				Status:      string(st.Status),
				DeliveredAt: st.DeliveredAt,
				ReadAt:      st.ReadAt,
			}
		}
	}
	return resp
}
