// Package model defines the documents the control plane installs on the
// emulator: device credentials, the single-shot HTTP expectation and the
// notification table.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NotificationEvents is the closed set of notification event names the
// emulated service exposes WebSocket endpoints for.
var NotificationEvents = []string{
	"new-msg-received",
	"sent-msg-read",
	"asset-received",
	"asset-confirmed",
	"final-msg-progress",
	"asset-export-outcome",
	"asset-migration-outcome",
	"nf-token-received",
	"nf-token-confirmed",
	"nf-asset-issuance-outcome",
	"nf-token-retrieval-outcome",
	"nf-token-transfer-outcome",
}

// ValidNotificationEvent reports whether name belongs to the closed event set.
func ValidNotificationEvent(name string) bool {
	for _, event := range NotificationEvents {
		if event == name {
			return true
		}
	}
	return false
}

// DeviceCredentials pairs a virtual device with its API access secret.
type DeviceCredentials struct {
	DeviceID        string `json:"deviceId"`
	APIAccessSecret string `json:"apiAccessSecret"`
}

// Validate rejects credentials no request could authenticate against.
func (d DeviceCredentials) Validate() error {
	if strings.TrimSpace(d.DeviceID) == "" {
		return errors.New("device credentials: empty device ID")
	}
	return nil
}

// ExpectedRequest describes the one HTTP request the API server should see.
type ExpectedRequest struct {
	HTTPMethod    string  `json:"httpMethod"`
	APIMethodPath string  `json:"apiMethodPath"`
	Data          *string `json:"data,omitempty"`
	Authenticate  *bool   `json:"authenticate,omitempty"`
}

// ShouldAuthenticate reports whether the matcher must authenticate the
// request. Unset defaults to true.
func (r *ExpectedRequest) ShouldAuthenticate() bool {
	return r.Authenticate == nil || *r.Authenticate
}

// RequiredResponse describes what the API server replies with on a match.
// Exactly one of the success form (Data) or the error form (StatusCode +
// ErrorMessage) is set.
type RequiredResponse struct {
	Data         *string `json:"data,omitempty"`
	StatusCode   *int    `json:"statusCode,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

// IsError reports whether the response is the error variant.
func (r *RequiredResponse) IsError() bool {
	return r.StatusCode != nil
}

// HTTPContext is the single-shot expectation installed by the test harness:
// the request the client under test is expected to issue and, optionally, the
// response to play back.
type HTTPContext struct {
	ExpectedRequest  ExpectedRequest   `json:"expectedRequest"`
	RequiredResponse *RequiredResponse `json:"requiredResponse,omitempty"`
}

// Validate checks the context document shape: method from the allowed pair, a
// URL-parseable method path, and a well-formed response variant whose data
// parses as non-null JSON.
func (c *HTTPContext) Validate() error {
	switch c.ExpectedRequest.HTTPMethod {
	case "GET", "POST":
	default:
		return fmt.Errorf("http context: invalid HTTP method %q", c.ExpectedRequest.HTTPMethod)
	}

	if c.ExpectedRequest.APIMethodPath == "" {
		return errors.New("http context: empty API method path")
	}
	if _, err := url.Parse(c.ExpectedRequest.APIMethodPath); err != nil {
		return fmt.Errorf("http context: unparseable API method path: %w", err)
	}

	if resp := c.RequiredResponse; resp != nil {
		switch {
		case resp.Data != nil:
			if resp.StatusCode != nil || resp.ErrorMessage != nil {
				return errors.New("http context: response mixes success and error fields")
			}
			if err := validateJSONData(*resp.Data); err != nil {
				return fmt.Errorf("http context: %w", err)
			}
		case resp.StatusCode != nil:
			if resp.ErrorMessage == nil {
				return errors.New("http context: error response missing error message")
			}
		default:
			return errors.New("http context: response has neither data nor status code")
		}
	}

	return nil
}

// NotifyEntry is one pre-programmed notification message: the payload to
// deliver and an optional delay before delivery.
type NotifyEntry struct {
	Data    string `json:"data"`
	Timeout int64  `json:"timeout,omitempty"`
}

// NotifyContext maps deviceId -> eventName -> the message to play back once a
// notification channel for that pair authenticates.
type NotifyContext map[string]map[string]NotifyEntry

// Validate checks device IDs, event-name membership and that every payload
// parses as non-null JSON.
func (n NotifyContext) Validate() error {
	for deviceID, events := range n {
		if strings.TrimSpace(deviceID) == "" {
			return errors.New("notify context: empty device ID")
		}
		for eventName, entry := range events {
			if !ValidNotificationEvent(eventName) {
				return fmt.Errorf("notify context: unknown event name %q", eventName)
			}
			if entry.Timeout < 0 {
				return fmt.Errorf("notify context: negative timeout for %s/%s", deviceID, eventName)
			}
			if err := validateJSONData(entry.Data); err != nil {
				return fmt.Errorf("notify context: %s/%s: %w", deviceID, eventName, err)
			}
		}
	}
	return nil
}

// validateJSONData enforces the install-time invariant on payload strings:
// they must parse as JSON to a non-null value.
func validateJSONData(data string) error {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return fmt.Errorf("data is not valid JSON: %w", err)
	}
	if value == nil {
		return errors.New("data parses to JSON null")
	}
	return nil
}
