// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/narrensicher/rsmatrix/lib/clock"
	"github.com/narrensicher/rsmatrix/lib/ratelimit"
	"github.com/narrensicher/rsmatrix/lib/ref"
	"github.com/narrensicher/rsmatrix/lib/secret"
)

// deviceDisplayName identifies this library in the user's device list.
const deviceDisplayName = "rsmatrix"

// defaultMaxRequestsPerHour applies when the server does not advertise
// a rate limit. 600/hour is the conventional Matrix default.
const defaultMaxRequestsPerHour = 600

// requestBurst is the burst capacity of the main request limiter.
const requestBurst = 10

// ConnectConfig carries the credentials and collaborators for Connect.
type ConnectConfig struct {
	// UserID is the fully qualified user ID, e.g. "@bot:example.org".
	// Its domain selects the homeserver to discover.
	UserID string
	// Password authenticates the account. The buffer is read but not
	// closed — the caller retains ownership.
	Password *secret.Buffer
	// DeviceID identifies this client installation to the server.
	DeviceID string

	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
	// Logger receives structured logs. If nil, slog.Default().
	Logger *slog.Logger
	// Clock drives the rate limiters. If nil, clock.Real().
	Clock clock.Clock

	// HomeserverURL skips .well-known discovery when set. Intended for
	// tests and for servers without a discovery document.
	HomeserverURL string
}

// TextClient is a connected Matrix client focused on text messages.
// Construct one with Connect, then call Run to start the sync loop.
type TextClient struct {
	transport *transport
	logger    *slog.Logger
	clk       clock.Clock

	userID       ref.UserID
	deviceID     string
	versions     []SpecVersion
	capabilities Capabilities

	// filterID gates sync payload noise server-side; empty until Run
	// registers the filter.
	filterID string
	filter   *Filter

	rooms sync.Map // full room ID string -> *Room
	users sync.Map // full user ID string -> *User

	// receiptLimiter paces read receipts independently of the main
	// limiter: acknowledgements are best-effort and deliberately much
	// rarer than message arrival.
	receiptLimiter *ratelimit.Limiter

	cursor string
}

// Connect bootstraps a client: discovers the homeserver for the user's
// domain, negotiates spec versions, performs password login, and sizes
// the rate limiter from server capabilities. Every step is a hard
// precondition for the next; any failure means no client is returned.
//
// The returned client is not yet syncing — call Run.
func Connect(ctx context.Context, config ConnectConfig) (*TextClient, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(config.UserID) == "" {
		return nil, fmt.Errorf("messaging: UserID must not be blank")
	}
	if config.Password == nil || config.Password.Len() == 0 {
		return nil, fmt.Errorf("messaging: Password must not be blank")
	}
	if strings.TrimSpace(config.DeviceID) == "" {
		return nil, fmt.Errorf("messaging: DeviceID must not be blank")
	}
	userID, err := ref.ParseUserID(config.UserID)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid UserID: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	gateway := &transport{
		baseURL:    "https://" + userID.Domain(),
		httpClient: httpClient,
		logger:     logger,
		clk:        clk,
	}
	if config.HomeserverURL != "" {
		gateway.baseURL = strings.TrimRight(config.HomeserverURL, "/")
	}
	if _, err := url.ParseRequestURI(gateway.baseURL); err != nil {
		return nil, fmt.Errorf("messaging: derived server address %q is not a valid URL: %w", gateway.baseURL, err)
	}
	logger.Info("connecting", "server", gateway.baseURL, "user_id", userID)

	// Discovery: the .well-known document names the real homeserver,
	// which may differ from the user ID's domain.
	if config.HomeserverURL == "" {
		var wellKnown wellKnownResponse
		if err := gateway.callJSON(ctx, http.MethodGet, "/.well-known/matrix/client", nil, &wellKnown, callOptions{}); err != nil {
			return nil, fmt.Errorf("messaging: homeserver discovery failed: %w", err)
		}
		baseURL := strings.TrimRight(wellKnown.Homeserver.BaseURL, "/")
		if baseURL == "" {
			return nil, fmt.Errorf("messaging: discovery document has no homeserver base_url")
		}
		if _, err := url.ParseRequestURI(baseURL); err != nil {
			return nil, fmt.Errorf("messaging: discovered base URL %q is not a valid URL: %w", baseURL, err)
		}
		gateway.baseURL = baseURL
		logger.Info("resolved homeserver", "base_url", baseURL)
	}

	versions, err := negotiateVersions(ctx, gateway, logger)
	if err != nil {
		return nil, err
	}

	if err := requirePasswordLogin(ctx, gateway); err != nil {
		return nil, err
	}

	login, err := passwordLogin(ctx, gateway, userID, config.Password, config.DeviceID)
	if err != nil {
		return nil, err
	}
	logger.Info("logged in", "user_id", login.UserID, "device_id", login.DeviceID)

	var capabilities capabilitiesResponse
	if err := gateway.callJSON(ctx, http.MethodGet, "/_matrix/client/v3/capabilities", nil, &capabilities, callOptions{}); err != nil {
		return nil, fmt.Errorf("messaging: capabilities fetch failed: %w", err)
	}

	maxPerHour := defaultMaxRequestsPerHour
	if limit := capabilities.Capabilities.RateLimit; limit != nil && limit.MaxRequestsPerHour > 0 {
		maxPerHour = limit.MaxRequestsPerHour
	}
	limiter, err := ratelimit.New(requestBurst, maxPerHour, clk)
	if err != nil {
		return nil, fmt.Errorf("messaging: server advertised unusable rate limit %d/hour: %w", maxPerHour, err)
	}
	gateway.limiter = limiter

	// Receipts get a far more conservative budget; see the receipt
	// pass in Run.
	receiptLimiter, err := ratelimit.New(1, 30, clk)
	if err != nil {
		return nil, err
	}

	deviceID := login.DeviceID
	if deviceID == "" {
		deviceID = config.DeviceID
	}

	return &TextClient{
		transport:      gateway,
		logger:         logger,
		clk:            clk,
		userID:         userID,
		deviceID:       deviceID,
		versions:       versions,
		capabilities:   capabilities.Capabilities,
		receiptLimiter: receiptLimiter,
	}, nil
}

// negotiateVersions fetches and parses the server's supported spec
// versions. A malformed version string from the server is fatal; a
// server that does not list this library's target version only logs a
// warning.
func negotiateVersions(ctx context.Context, gateway *transport, logger *slog.Logger) ([]SpecVersion, error) {
	var response versionsResponse
	if err := gateway.callJSON(ctx, http.MethodGet, "/_matrix/client/versions", nil, &response, callOptions{}); err != nil {
		return nil, fmt.Errorf("messaging: versions fetch failed: %w", err)
	}
	if len(response.Versions) == 0 {
		return nil, fmt.Errorf("messaging: server lists no supported spec versions")
	}

	versions := make([]SpecVersion, 0, len(response.Versions))
	supported := false
	for _, raw := range response.Versions {
		version, err := ParseSpecVersion(raw)
		if err != nil {
			return nil, err
		}
		if version.Equal(currentSpecVersion) {
			supported = true
		}
		versions = append(versions, version)
	}
	sortSpecVersions(versions)

	if !supported {
		logger.Warn("server does not list the spec version this library targets",
			"target", currentSpecVersion.String(), "server_versions", response.Versions)
	}
	return versions, nil
}

// requirePasswordLogin verifies that the server supports the password
// login flow.
func requirePasswordLogin(ctx context.Context, gateway *transport) error {
	var flows loginFlowsResponse
	if err := gateway.callJSON(ctx, http.MethodGet, "/_matrix/client/v3/login", nil, &flows, callOptions{}); err != nil {
		return fmt.Errorf("messaging: login flows fetch failed: %w", err)
	}
	for _, flow := range flows.Flows {
		if flow.Type == "m.login.password" {
			return nil
		}
	}
	return fmt.Errorf("messaging: server does not support password based authentication")
}

// passwordLogin performs the m.login.password exchange and installs
// the bearer token on the transport.
func passwordLogin(ctx context.Context, gateway *transport, userID ref.UserID, password *secret.Buffer, deviceID string) (*loginResponse, error) {
	// The password crosses to a heap string only at the JSON
	// serialization boundary, for the lifetime of the HTTP call.
	request := loginRequest{
		Type:                     "m.login.password",
		Identifier:               loginIdentifier{Type: "m.id.user", User: userID.String()},
		Password:                 password.String(),
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: deviceDisplayName,
	}

	var response loginResponse
	if err := gateway.callJSON(ctx, http.MethodPost, "/_matrix/client/v3/login", request, &response, callOptions{}); err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("messaging: login response carries no access token")
	}

	token, err := secret.NewFromBytes([]byte(response.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	gateway.setToken(token)
	response.AccessToken = ""
	return &response, nil
}

// Close releases the protected access token memory. The client is
// unusable afterwards.
func (c *TextClient) Close() {
	c.transport.close()
}

// UserID returns the authenticated user.
func (c *TextClient) UserID() ref.UserID { return c.userID }

// DeviceID returns the device the server assigned to this session.
func (c *TextClient) DeviceID() string { return c.deviceID }

// SupportedVersions returns the server's spec versions, ascending.
func (c *TextClient) SupportedVersions() []SpecVersion {
	out := make([]SpecVersion, len(c.versions))
	copy(out, c.versions)
	return out
}

// Capabilities returns the server's advertised capabilities.
func (c *TextClient) Capabilities() Capabilities { return c.capabilities }

// Rooms returns a snapshot of all rooms seen so far.
func (c *TextClient) Rooms() []*Room {
	var rooms []*Room
	c.rooms.Range(func(_, value any) bool {
		rooms = append(rooms, value.(*Room))
		return true
	})
	return rooms
}

// Room returns the room with the given ID, or nil if unseen.
func (c *TextClient) Room(id ref.RoomID) *Room {
	if value, ok := c.rooms.Load(id.String()); ok {
		return value.(*Room)
	}
	return nil
}

// Users returns a snapshot of all users seen so far.
func (c *TextClient) Users() []*User {
	var users []*User
	c.users.Range(func(_, value any) bool {
		users = append(users, value.(*User))
		return true
	})
	return users
}

// User returns the user with the given ID, or nil if unseen.
func (c *TextClient) User(id ref.UserID) *User {
	if value, ok := c.users.Load(id.String()); ok {
		return value.(*User)
	}
	return nil
}

// getOrAddRoom returns the tracked room, creating it on first
// reference from any sync section.
func (c *TextClient) getOrAddRoom(id ref.RoomID) *Room {
	if value, ok := c.rooms.Load(id.String()); ok {
		return value.(*Room)
	}
	value, _ := c.rooms.LoadOrStore(id.String(), newRoom(id, c))
	return value.(*Room)
}

// getOrAddUser returns the tracked user, creating it on first
// reference.
func (c *TextClient) getOrAddUser(id ref.UserID) *User {
	if value, ok := c.users.Load(id.String()); ok {
		return value.(*User)
	}
	value, _ := c.users.LoadOrStore(id.String(), newUser(id))
	return value.(*User)
}

// SetPresence publishes the user's presence state.
func (c *TextClient) SetPresence(ctx context.Context, presence Presence, statusMsg string) error {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(c.userID.String()) + "/status"
	request := presenceRequest{Presence: presence, StatusMsg: statusMsg}
	if _, err := c.transport.call(ctx, http.MethodPut, path, request, callOptions{}); err != nil {
		return fmt.Errorf("messaging: presence update failed: %w", err)
	}
	return nil
}

// PresenceOf fetches another user's current presence.
func (c *TextClient) PresenceOf(ctx context.Context, userID ref.UserID) (Presence, error) {
	path := "/_matrix/client/v3/presence/" + url.PathEscape(userID.String()) + "/status"
	var content presenceContent
	if err := c.transport.callJSON(ctx, http.MethodGet, path, nil, &content, callOptions{}); err != nil {
		return PresenceUnknown, err
	}
	return content.Presence, nil
}

// QueryKeys fetches raw device key objects for the given users. The
// client does not verify or interpret them.
func (c *TextClient) QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error) {
	var response QueryKeysResponse
	if err := c.transport.callJSON(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", request, &response, callOptions{}); err != nil {
		return nil, err
	}
	return &response, nil
}

// UploadKeys publishes raw device key objects for this device.
func (c *TextClient) UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error) {
	var response UploadKeysResponse
	if err := c.transport.callJSON(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", request, &response, callOptions{}); err != nil {
		return nil, err
	}
	return &response, nil
}
