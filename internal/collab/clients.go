// Package collab holds the HTTP clients for the external services the core
// depends on: the platform ownership/asset oracle and the TON broadcast
// gateway. Both are thin JSON clients; retry and fallback policy belongs to
// the callers.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"channel-escrow-go/internal/models"

	"go.uber.org/zap"
)

const adminTokenHeader = "X-Admin-Token"

// OracleClient queries the messaging-platform gateway for channel facts. The
// same service answers both ownership and asset-inventory questions, so one
// client serves the escrow engine's OwnershipOracle and SnapshotSource roles.
type OracleClient struct {
	baseURL string
	client  *http.Client
}

func NewOracleClient(cfg models.CollabConfig) *OracleClient {
	return &OracleClient{
		baseURL: cfg.OracleBaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *OracleClient) IsCurrentOwner(ctx context.Context, channelId, candidateUserId string) (bool, error) {
	var out struct {
		IsOwner bool `json:"is_owner"`
	}
	path := fmt.Sprintf("/channels/%s/owner/%s", channelId, candidateUserId)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return false, err
	}
	return out.IsOwner, nil
}

func (c *OracleClient) CurrentAssetIds(ctx context.Context, channelId string) ([]string, error) {
	var out struct {
		AssetIds []string `json:"asset_ids"`
	}
	path := fmt.Sprintf("/channels/%s/assets", channelId)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.AssetIds, nil
}

func (c *OracleClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build oracle request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode oracle response: %w", err)
	}
	return nil
}

// BroadcastClient submits withdrawals to the TON broadcast gateway. The
// withdrawal id doubles as the idempotency key so a retried submission cannot
// double-spend on the gateway side.
type BroadcastClient struct {
	baseURL    string
	adminToken string
	client     *http.Client
}

func NewBroadcastClient(cfg models.CollabConfig) *BroadcastClient {
	return &BroadcastClient{
		baseURL:    cfg.BroadcastBaseURL,
		adminToken: cfg.AdminToken,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *BroadcastClient) Broadcast(ctx context.Context, w *models.Withdrawal) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"idempotency_key": w.Id,
		"destination":     w.DestinationAddress,
		"amount_nano":     w.AmountNano,
		"message":         w.Message,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode broadcast payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adminTokenHeader, c.adminToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("broadcast gateway returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode broadcast response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("broadcast gateway returned no tx hash")
	}
	return out.TxHash, nil
}

// LogNotifier satisfies the escrow notifier by logging instead of delivering.
// Used until a real messaging integration exists, and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userId, event string, payload map[string]string) {
	zap.L().Info("Notification",
		zap.String("user_id", userId),
		zap.String("event", event),
		zap.Any("payload", payload))
}
