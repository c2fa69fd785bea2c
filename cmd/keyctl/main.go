// keyctl is the ops sidekick for the parlor services: it mints device
// tokens, registers throwaway devices, fetches bundles, revokes devices,
// pushes room rosters, and triggers prekey cleanup against a running
// deployment.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlor-chat/parlor/internal/authz"
	"github.com/parlor-chat/parlor/internal/dto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "mint":
		err = runMint(args)
	case "register":
		err = runRegister(args)
	case "bundle":
		err = runBundle(args)
	case "revoke":
		err = runRevoke(args)
	case "rooms":
		err = runRooms(args)
	case "cleanup":
		err = runCleanup(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  mint       Mint an HS256 device token")
	fmt.Fprintln(os.Stderr, "  register   Register a device with generated key material")
	fmt.Fprintln(os.Stderr, "  bundle     Fetch a user's prekey bundle")
	fmt.Fprintln(os.Stderr, "  revoke     Revoke one of the authenticated user's devices")
	fmt.Fprintln(os.Stderr, "  rooms      Push a room roster to the gateway")
	fmt.Fprintln(os.Stderr, "  cleanup    Trigger a prekey sweep on the key service")
	os.Exit(2)
}

type authOpts struct {
	token  string
	secret string
	issuer string
	user   string
	device string
}

func bindAuthFlags(fs *flag.FlagSet, o *authOpts) {
	fs.StringVar(&o.token, "token", os.Getenv("KEYCTL_TOKEN"), "bearer token (minted from -secret when empty)")
	fs.StringVar(&o.secret, "secret", os.Getenv("KEYCTL_HS256_SECRET"), "shared HS256 secret for minting")
	fs.StringVar(&o.issuer, "issuer", getenv("KEYCTL_ISSUER", "parlor-auth"), "token issuer")
	fs.StringVar(&o.user, "user", "", "user UUID (generated if empty)")
	fs.StringVar(&o.device, "device", "", "device UUID (generated if empty)")
}

// resolve returns the bearer token plus the user and device it stands
// for, minting a fresh token when only the secret is configured.
func (o *authOpts) resolve() (token string, userID, deviceID uuid.UUID, err error) {
	userID, err = parseOrNew(o.user)
	if err != nil {
		return "", uuid.Nil, uuid.Nil, fmt.Errorf("invalid -user: %w", err)
	}
	deviceID, err = parseOrNew(o.device)
	if err != nil {
		return "", uuid.Nil, uuid.Nil, fmt.Errorf("invalid -device: %w", err)
	}
	if o.token != "" {
		return o.token, userID, deviceID, nil
	}
	if o.secret == "" {
		return "", uuid.Nil, uuid.Nil, fmt.Errorf("need -token, or -secret to mint one")
	}
	token, err = authz.MintHS256(o.secret, o.issuer, userID, deviceID, time.Hour)
	return token, userID, deviceID, err
}

func runMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.secret == "" {
		return fmt.Errorf("secret is required (flag -secret or KEYCTL_HS256_SECRET)")
	}
	userID, err := parseOrNew(o.user)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	deviceID, err := parseOrNew(o.device)
	if err != nil {
		return fmt.Errorf("invalid -device: %w", err)
	}

	token, err := authz.MintHS256(o.secret, o.issuer, userID, deviceID, *ttl)
	if err != nil {
		return err
	}

	return printJSON(struct {
		Token    string `json:"token"`
		UserID   string `json:"userId"`
		DeviceID string `json:"deviceId"`
	}{token, userID.String(), deviceID.String()})
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	baseURL := fs.String("base-url", getenv("KEYCTL_KEYS_URL", "http://localhost:8082"), "key service base URL")
	count := fs.Int("count", 5, "number of one-time prekeys to generate")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 0 {
		return fmt.Errorf("count must be non-negative")
	}

	token, _, _, err := o.resolve()
	if err != nil {
		return err
	}

	payload, err := buildRegisterPayload(*count)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/keys/device/register"
	resp, err := doRequest(http.MethodPost, endpoint, token, body)
	if err != nil {
		return err
	}

	var registered dto.RegisterDeviceKeysResponse
	if err := decodeOrError(resp, &registered); err != nil {
		return err
	}

	// The server claims identity from the token; echo it back so the
	// printed request matches the effective state.
	payload.UserID = registered.UserID
	payload.DeviceID = registered.DeviceID

	out := struct {
		Request  dto.RegisterDeviceKeysRequest  `json:"request"`
		Response dto.RegisterDeviceKeysResponse `json:"response"`
	}{payload, registered}

	return printJSON(out)
}

func buildRegisterPayload(count int) (dto.RegisterDeviceKeysRequest, error) {
	p := dto.RegisterDeviceKeysRequest{
		SignedPreKey: dto.SignedPreKey{
			KeyID:     1,
			CreatedAt: time.Now().UTC(),
		},
	}

	var err error
	if p.PublicKey, err = randomKey(32); err != nil {
		return dto.RegisterDeviceKeysRequest{}, err
	}
	if p.IdentityKey, err = randomKey(32); err != nil {
		return dto.RegisterDeviceKeysRequest{}, err
	}
	if p.SignedPreKey.PublicKey, err = randomKey(32); err != nil {
		return dto.RegisterDeviceKeysRequest{}, err
	}
	if p.SignedPreKey.Signature, err = randomKey(64); err != nil {
		return dto.RegisterDeviceKeysRequest{}, err
	}

	p.OneTimePreKeys = make([]dto.OneTimePreKey, count)
	for i := range p.OneTimePreKeys {
		key, kerr := randomKey(32)
		if kerr != nil {
			return dto.RegisterDeviceKeysRequest{}, kerr
		}
		p.OneTimePreKeys[i] = dto.OneTimePreKey{
			KeyID:     uint32(i + 1),
			PublicKey: key,
		}
	}
	return p, nil
}

func runBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	baseURL := fs.String("base-url", getenv("KEYCTL_KEYS_URL", "http://localhost:8082"), "key service base URL")
	target := fs.String("target", "", "user UUID whose bundle to fetch")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*target) == "" {
		return fmt.Errorf("target user id is required")
	}

	token, _, _, err := o.resolve()
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/keys/bundle?user_id=%s", strings.TrimRight(*baseURL, "/"), *target)
	resp, err := doRequest(http.MethodGet, endpoint, token, nil)
	if err != nil {
		return err
	}

	var bundle dto.PreKeyBundleResponse
	if err := decodeOrError(resp, &bundle); err != nil {
		return err
	}
	return printJSON(bundle)
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	baseURL := fs.String("base-url", getenv("KEYCTL_KEYS_URL", "http://localhost:8082"), "key service base URL")
	victim := fs.String("revoke-device", "", "device UUID to revoke")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*victim) == "" {
		return fmt.Errorf("revoke-device is required")
	}

	token, _, _, err := o.resolve()
	if err != nil {
		return err
	}

	body, err := json.Marshal(dto.RevokeDeviceRequest{DeviceID: *victim})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/keys/device/revoke"
	resp, err := doRequest(http.MethodPost, endpoint, token, body)
	if err != nil {
		return err
	}

	var revoked dto.RevokeDeviceResponse
	if err := decodeOrError(resp, &revoked); err != nil {
		return err
	}
	return printJSON(revoked)
}

func runRooms(args []string) error {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	baseURL := fs.String("base-url", getenv("KEYCTL_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	roomID := fs.String("room", "", "room UUID (generated if empty)")
	name := fs.String("name", "room", "room display name")
	members := fs.String("members", "", "comma-separated member user UUIDs")

	if err := fs.Parse(args); err != nil {
		return err
	}

	id, err := parseOrNew(*roomID)
	if err != nil {
		return fmt.Errorf("invalid -room: %w", err)
	}

	req := dto.UpsertRoomRequest{RoomID: id.String(), Name: *name}
	for _, m := range strings.Split(*members, ",") {
		if s := strings.TrimSpace(m); s != "" {
			req.Members = append(req.Members, dto.RoomMemberInput{UserID: s})
		}
	}
	if len(req.Members) == 0 {
		return fmt.Errorf("members is required")
	}

	token, _, _, err := o.resolve()
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/admin/rooms"
	resp, err := doRequest(http.MethodPost, endpoint, token, body)
	if err != nil {
		return err
	}

	var up dto.UpsertRoomResponse
	if err := decodeOrError(resp, &up); err != nil {
		return err
	}
	return printJSON(up)
}

func runCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var o authOpts
	bindAuthFlags(fs, &o)
	baseURL := fs.String("base-url", getenv("KEYCTL_KEYS_URL", "http://localhost:8082"), "key service base URL")

	if err := fs.Parse(args); err != nil {
		return err
	}

	token, _, _, err := o.resolve()
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/keys/prekeys/cleanup"
	resp, err := doRequest(http.MethodPost, endpoint, token, nil)
	if err != nil {
		return err
	}

	var cleaned dto.PreKeyCleanupResponse
	if err := decodeOrError(resp, &cleaned); err != nil {
		return err
	}
	return printJSON(cleaned)
}

func doRequest(method, url, token string, body []byte) (*http.Response, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}

func decodeOrError(resp *http.Response, v any) error {
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("request failed: %s", strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func randomKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func parseOrNew(id string) (uuid.UUID, error) {
	if strings.TrimSpace(id) == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(id)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
