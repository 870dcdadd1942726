// Package signer implements the CTN1-HMAC-SHA256 request signature scheme:
// parsing and validating the authorization headers, and recomputing the
// expected signature from the canonical form of a request.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// SignMethodID is the only authorization method recognized.
	SignMethodID = "CTN1-HMAC-SHA256"

	// HeaderTimestamp carries the request timestamp in compact ISO-8601
	// basic format ("20060102T150405Z", always UTC).
	HeaderTimestamp = "X-BCoT-Timestamp"

	// HeaderAuthorization carries the structured authorization value.
	HeaderAuthorization = "Authorization"

	scopeSuffix       = "ctn1_request"
	signVersionPrefix = "CTN1"

	timestampLayout = "20060102T150405"
	signDateLayout  = "20060102"

	// allowedTimestampSkew bounds how far the request timestamp may drift
	// from the server clock in either direction.
	allowedTimestampSkew = 300 * time.Second

	// signDateValidDays is the length of the half-open window
	// [signDate, signDate+7d) the current UTC day must fall in.
	signDateValidDays = 7
)

// authRegex matches the authorization value. Only the Credential and
// Signature keywords are case-insensitive; the method literal is not.
var authRegex = regexp.MustCompile(
	`^` + SignMethodID + `\s+(?i:credential)=(\w{20})/(\d{8})/` + scopeSuffix + `\s*,\s*(?i:signature)=([0-9a-f]{64})$`)

// ErrorKind tags the reason Parse rejected a set of headers.
type ErrorKind int

const (
	ErrMissingHeaders ErrorKind = iota
	ErrMalformedTimestamp
	ErrTimestampOutOfBounds
	ErrMalformedAuthHeader
	ErrMalformedSignDate
	ErrSignDateOutOfBounds
)

var errorKindMessages = map[ErrorKind]string{
	ErrMissingHeaders:       "Authorization failed; missing required HTTP headers",
	ErrMalformedTimestamp:   "Authorization failed; timestamp not well formed",
	ErrTimestampOutOfBounds: "Authorization failed; timestamp not within acceptable time variation",
	ErrMalformedAuthHeader:  "Authorization failed; authorization value not well formed",
	ErrMalformedSignDate:    "Authorization failed; signature date not well formed",
	ErrSignDateOutOfBounds:  "Authorization failed; signature date out of bounds",
}

// ParseError reports why the authorization headers were rejected. Callers map
// the kind onto an HTTP status.
type ParseError struct {
	Kind ErrorKind
}

func (e *ParseError) Error() string {
	if msg, ok := errorKindMessages[e.Kind]; ok {
		return msg
	}
	return "Authorization failed"
}

// AuthData is the parsed and time-validated content of the authorization
// headers.
type AuthData struct {
	Timestamp string
	DeviceID  string
	SignDate  string
	Signature string
}

// Parse extracts and validates the authorization headers against the clock
// value now. On failure the returned error is a *ParseError.
func Parse(header http.Header, now time.Time) (*AuthData, error) {
	timestamp := header.Get(HeaderTimestamp)
	authorization := header.Get(HeaderAuthorization)
	if timestamp == "" || authorization == "" {
		return nil, &ParseError{Kind: ErrMissingHeaders}
	}

	reqTime, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, &ParseError{Kind: ErrMalformedTimestamp}
	}
	skew := now.Sub(reqTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > allowedTimestampSkew {
		return nil, &ParseError{Kind: ErrTimestampOutOfBounds}
	}

	matches := authRegex.FindStringSubmatch(authorization)
	if matches == nil {
		return nil, &ParseError{Kind: ErrMalformedAuthHeader}
	}
	deviceID, signDate, signature := matches[1], matches[2], matches[3]

	signDay, err := time.ParseInLocation(signDateLayout, signDate, time.UTC)
	if err != nil {
		return nil, &ParseError{Kind: ErrMalformedSignDate}
	}
	today := now.UTC().Truncate(24 * time.Hour)
	if today.Before(signDay) || !today.Before(signDay.AddDate(0, 0, signDateValidDays)) {
		return nil, &ParseError{Kind: ErrSignDateOutOfBounds}
	}

	return &AuthData{
		Timestamp: timestamp,
		DeviceID:  deviceID,
		SignDate:  signDate,
		Signature: signature,
	}, nil
}

// parseTimestamp parses the compact ISO-8601 basic format with a mandatory
// literal trailing Z. time.Parse cannot express the lone Z, so it is
// stripped first.
func parseTimestamp(value string) (time.Time, error) {
	if !strings.HasSuffix(value, "Z") {
		return time.Time{}, fmt.Errorf("timestamp missing Z suffix: %q", value)
	}
	t, err := time.ParseInLocation(timestampLayout, strings.TrimSuffix(value, "Z"), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return t, nil
}

// Sign recomputes the request signature: conformed request, string-to-sign,
// derived signing key, final HMAC, all per the CTN1 scheme.
func Sign(method, rawURL, host, timestamp, signDate, apiAccessSecret string, body []byte) string {
	conformed := method + "\n" +
		rawURL + "\n" +
		"host:" + host + "\n" +
		"x-bcot-timestamp:" + timestamp + "\n" +
		sha256Hex(body) + "\n"

	stringToSign := SignMethodID + "\n" +
		timestamp + "\n" +
		signDate + "/" + scopeSuffix + "\n" +
		sha256Hex([]byte(conformed)) + "\n"

	dateKey := hmacSHA256([]byte(signVersionPrefix+apiAccessSecret), []byte(signDate))
	signKey := hmacSHA256(dateKey, []byte(scopeSuffix))
	return hex.EncodeToString(hmacSHA256(signKey, []byte(stringToSign)))
}

// VerifySignature reports whether the header-provided signature matches the
// one recomputed from the request parts.
func (a *AuthData) VerifySignature(method, rawURL, host, apiAccessSecret string, body []byte) bool {
	expected := Sign(method, rawURL, host, a.Timestamp, a.SignDate, apiAccessSecret, body)
	return hmac.Equal([]byte(expected), []byte(a.Signature))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
