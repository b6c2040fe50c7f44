// x402flow drives the payment-required flow against a running gateway:
// request a chat completion with no credentials, print the 402 challenge,
// and optionally resubmit with a settlement receipt. Useful for smoke
// testing a deployment with a static oracle, where any transaction hash
// reporting the challenge amount settles.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dekapay/gateway/pkg/x402"
)

type chatPayload struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "gateway base URL")
		model     = flag.String("model", "default", "model to request")
		prompt    = flag.String("prompt", "ping", "prompt to send")
		maxTokens = flag.Int("max-tokens", 256, "completion token cap")
		receipt   = flag.String("receipt", "", "settlement tx hash; when set, the challenge is answered")
	)
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	base := strings.TrimRight(*serverURL, "/")
	payload, err := json.Marshal(chatPayload{Model: *model, Prompt: *prompt, MaxTokens: *maxTokens})
	if err != nil {
		log.Fatalf("encode payload: %v", err)
	}

	challenge, err := fetchChallenge(client, base, payload)
	if err != nil {
		log.Fatalf("fetch challenge: %v", err)
	}
	log.Printf("challenge: nonce=%s amount=%s micro recipient=%s expires=%s",
		challenge.Nonce, challenge.Amount, challenge.Recipient, challenge.ExpiresAt.Format(time.RFC3339))

	if *receipt == "" {
		log.Print("no -receipt given, stopping after the challenge")
		return
	}

	req, err := http.NewRequest(http.MethodPost, base+"/agent/chat", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(x402.HeaderNonce, challenge.Nonce)
	req.Header.Set(x402.HeaderReceipt, *receipt)

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("paid request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		log.Fatalf("read response: %v", err)
	}

	log.Printf("status: %s", resp.Status)
	if encoded := resp.Header.Get("X-Payment-Response"); encoded != "" {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			log.Printf("payment response: %s", decoded)
		}
	}
	fmt.Println(string(body))
}

// fetchChallenge posts the chat request bare and expects a 402 envelope.
func fetchChallenge(client *http.Client, base string, payload []byte) (x402.Challenge, error) {
	resp, err := client.Post(base+"/agent/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		return x402.Challenge{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return x402.Challenge{}, fmt.Errorf("expected 402, got %s: %s", resp.Status, body)
	}
	var envelope x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return x402.Challenge{}, fmt.Errorf("decode envelope: %w", err)
	}
	return envelope.Challenge, nil
}
