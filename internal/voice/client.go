// Package voice talks to the hosted voice-assistant vendor. The service never
// handles audio; it only starts and ends web calls and interprets lifecycle
// events.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

var ErrNotConfigured = errors.New("voice assistant not configured")

// Descriptor identifies a started session.
type Descriptor struct {
	ID         string `json:"id"`
	WebCallURL string `json:"webCallUrl,omitempty"`
	ControlURL string `json:"-"`
}

// SessionClient starts and stops one voice session.
type SessionClient interface {
	Start(ctx context.Context, caller types.Caller) (Descriptor, error)
	Stop(ctx context.Context, d Descriptor) error
}

type VapiConfig struct {
	BaseURL     string
	PrivateKey  string
	AssistantID string
	Timeout     time.Duration
}

type VapiClient struct {
	cfg        VapiConfig
	httpClient *http.Client
	log        *logrus.Entry
}

func NewVapiClient(cfg VapiConfig) *VapiClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	return &VapiClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.New().Component("voice"),
	}
}

type webCallRequest struct {
	AssistantID        string             `json:"assistantId"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
}

type assistantOverrides struct {
	VariableValues map[string]string `json:"variableValues"`
}

type webCallResponse struct {
	ID         string `json:"id"`
	WebCallURL string `json:"webCallUrl"`
	Monitor    struct {
		ControlURL string `json:"controlUrl"`
	} `json:"monitor"`
}

// Start creates a web call for the configured assistant. The caller's form
// fields become assistant variables.
func (c *VapiClient) Start(ctx context.Context, caller types.Caller) (Descriptor, error) {
	if c.cfg.PrivateKey == "" || c.cfg.AssistantID == "" {
		return Descriptor{}, ErrNotConfigured
	}
	payload := webCallRequest{
		AssistantID: c.cfg.AssistantID,
		AssistantOverrides: assistantOverrides{VariableValues: map[string]string{
			"firstName":   caller.FirstName,
			"lastName":    caller.LastName,
			"email":       caller.Email,
			"phoneNumber": caller.PhoneNumber,
		}},
	}
	var out webCallResponse
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/call/web", payload, &out); err != nil {
		return Descriptor{}, fmt.Errorf("start web call: %w", err)
	}
	if out.ID == "" {
		return Descriptor{}, errors.New("start web call: response has no call id")
	}
	c.log.WithField("call_id", out.ID).Info("web call created")
	return Descriptor{ID: out.ID, WebCallURL: out.WebCallURL, ControlURL: out.Monitor.ControlURL}, nil
}

// Stop ends the call through its live control URL. Calls without one (the
// browser SDK hangs up on its own) are a no-op.
func (c *VapiClient) Stop(ctx context.Context, d Descriptor) error {
	if d.ControlURL == "" {
		c.log.WithField("call_id", d.ID).Debug("no control url, leaving hang-up to the client")
		return nil
	}
	if err := c.postJSON(ctx, d.ControlURL, map[string]string{"type": "end-call"}, nil); err != nil {
		return fmt.Errorf("end call %s: %w", d.ID, err)
	}
	c.log.WithField("call_id", d.ID).Info("end-call sent")
	return nil
}

func (c *VapiClient) postJSON(ctx context.Context, url string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.PrivateKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("json decode error: %v body=%s", err, string(body))
	}
	return nil
}
