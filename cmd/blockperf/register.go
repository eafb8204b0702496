package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"blockperf/pkg/calidus"
	"blockperf/pkg/config"
)

var (
	registerPoolID      string
	registerCalidusSkey string
	registerNetwork     string
	registerAPIURL      string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this pool with the collector and obtain an API key",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

func init() {
	registerCmd.Flags().StringVarP(&registerPoolID, "pool-id", "p", "", "pool id (bech32) to register with")
	registerCmd.Flags().StringVar(&registerCalidusSkey, "calidus-skey", "", "path to the Calidus secret key file")
	registerCmd.Flags().StringVarP(&registerNetwork, "network", "n", "", "cardano network (mainnet, preprod, preview)")
	registerCmd.Flags().StringVar(&registerAPIURL, "api-url", "", "override the API base URL")
	_ = registerCmd.MarkFlagRequired("pool-id")
	_ = registerCmd.MarkFlagRequired("calidus-skey")
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type submitResponse struct {
	APIKey string `json:"apikey"`
}

func runRegister(cmd *cobra.Command, args []string) error {
	network := registerNetwork
	if network == "" {
		network = "mainnet"
	}
	np, ok := config.Networks[network]
	if !ok {
		return fmt.Errorf("unknown network %q", network)
	}
	baseURL := np.APIBaseURL
	if registerAPIURL != "" {
		baseURL = registerAPIURL
	}

	if !looksLikeBech32PoolID(registerPoolID) {
		return fmt.Errorf("pool id %q does not look like a bech32 pool1 address", registerPoolID)
	}

	key, err := calidus.ParseKeyFile(registerCalidusSkey)
	if err != nil {
		return fmt.Errorf("parse calidus key: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	challenge, err := requestChallenge(ctx, client, baseURL, registerPoolID)
	if err != nil {
		return fmt.Errorf("request registration challenge: %w", err)
	}

	signature := key.Sign([]byte(challenge))

	apiKey, err := submitSignedChallenge(ctx, client, baseURL, registerPoolID, hex.EncodeToString(signature))
	if err != nil {
		return fmt.Errorf("submit signed challenge: %w", err)
	}

	fmt.Printf("Your new Api key is %s\n", apiKey)
	return nil
}

// looksLikeBech32PoolID performs the minimal sanity check the original
// command relies on (a human pastes a "pool1..." address); it does not
// decode the Bech32 checksum since the pool id is forwarded to the
// collector as an opaque string.
func looksLikeBech32PoolID(s string) bool {
	return len(s) > 5 && s[:5] == "pool1"
}

func requestChallenge(ctx context.Context, client *http.Client, baseURL, poolID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"pool_id": poolID})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/registration/challenge", baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var cr challengeResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", err
	}
	return cr.Challenge, nil
}

func submitSignedChallenge(ctx context.Context, client *http.Client, baseURL, poolID, signatureHex string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"pool_id":       poolID,
		"signature_hex": signatureHex,
	})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/registration/submit", baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", err
	}
	return sr.APIKey, nil
}
