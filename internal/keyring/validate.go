package keyring

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/parlor-chat/parlor/internal/domain"
	"github.com/parlor-chat/parlor/internal/dto"
)

const (
	publicKeyLen = 32
	signatureLen = 64
)

func decodeBase64Field(value, field string, wantLen int) error {
	val := strings.TrimSpace(value)
	if val == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	decoded, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return fmt.Errorf("%w: %s is not valid base64", domain.ErrValidation, field)
	}
	if len(decoded) != wantLen {
		return fmt.Errorf("%w: %s must decode to %d bytes", domain.ErrValidation, field, wantLen)
	}
	return nil
}

func validatePublicKey(field, value string) error {
	return decodeBase64Field(value, field, publicKeyLen)
}

func validateSignedPreKey(spk dto.SignedPreKey) error {
	if err := decodeBase64Field(spk.PublicKey, "signedPreKey.publicKey", publicKeyLen); err != nil {
		return err
	}
	return decodeBase64Field(spk.Signature, "signedPreKey.signature", signatureLen)
}
