package dto

import "time"

type SignedPreKey struct {
	KeyID     uint32    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type OneTimePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type RegisterDeviceKeysRequest struct {
	UserID         string          `json:"userId"`
	DeviceID       string          `json:"deviceId"`
	PublicKey      string          `json:"publicKey"`
	IdentityKey    string          `json:"identityKey"`
	SignedPreKey   SignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

type RegisterDeviceKeysResponse struct {
	UserID             string `json:"userId"`
	DeviceID           string `json:"deviceId"`
	AcceptedPreKeys    int64  `json:"acceptedOneTimePreKeys"`
	IdentityKeyPinned  bool   `json:"identityKeyPinned"`
	IdentityKeyMatched bool   `json:"identityKeyMatched"`
}

type DeviceBundle struct {
	DeviceID      string         `json:"deviceId"`
	PublicKey     string         `json:"publicKey"`
	SignedPreKey  SignedPreKey   `json:"signedPreKey"`
	OneTimePreKey *OneTimePreKey `json:"oneTimePreKey,omitempty"`
}

type PreKeyBundleResponse struct {
	UserID      string         `json:"userId"`
	IdentityKey string         `json:"identityKey,omitempty"`
	Devices     []DeviceBundle `json:"devices"`
}

type RotateKeysRequest struct {
	UserID         string          `json:"userId"`
	DeviceID       string          `json:"deviceId"`
	PublicKey      string          `json:"publicKey,omitempty"`
	SignedPreKey   *SignedPreKey   `json:"signedPreKey,omitempty"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys,omitempty"`
}

type RotateKeysResponse struct {
	DeviceID        string        `json:"deviceId"`
	PublicKey       string        `json:"publicKey,omitempty"`
	SignedPreKey    *SignedPreKey `json:"signedPreKey,omitempty"`
	RemovedPreKeys  int64         `json:"removedOneTimePreKeys"`
	AcceptedPreKeys int64         `json:"addedOneTimePreKeys"`
}

type RevokeDeviceRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type RevokeDeviceResponse struct {
	DeviceID string `json:"deviceId"`
	Revoked  bool   `json:"revoked"`
}

type DevicePreKeyStat struct {
	DeviceID  string `json:"deviceId"`
	Available int64  `json:"available"`
}

type PreKeyStatsResponse struct {
	UserID  string             `json:"userId"`
	Devices []DevicePreKeyStat `json:"devices"`
}

type PreKeyCleanupResponse struct {
	RemovedPreKeys int64 `json:"removedPreKeys"`
}
