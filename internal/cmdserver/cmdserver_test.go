package cmdserver

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"catenis-api-emulator/internal/model"
)

// fakeAPI implements APIController with the same validate-then-swap contract
// as the real API server.
type fakeAPI struct {
	mu      sync.Mutex
	creds   []model.DeviceCredentials
	httpCtx *model.HTTPContext
}

func (f *fakeAPI) SetDeviceCredentials(creds []model.DeviceCredentials) error {
	for _, c := range creds {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) DeviceCredentials() []model.DeviceCredentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

func (f *fakeAPI) SetHTTPContext(httpCtx *model.HTTPContext) error {
	if err := httpCtx.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.httpCtx = httpCtx
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) HTTPContext() *model.HTTPContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.httpCtx
}

type fakeNotify struct {
	mu        sync.Mutex
	notifyCtx model.NotifyContext
	closed    int
	closeErr  error
}

func (f *fakeNotify) SetNotifyContext(notifyCtx model.NotifyContext) error {
	if err := notifyCtx.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.notifyCtx = notifyCtx
	f.mu.Unlock()
	return nil
}

func (f *fakeNotify) NotifyContext() model.NotifyContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifyCtx
}

func (f *fakeNotify) CloseAllClients() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func newTestServer(t *testing.T) (*fakeAPI, *fakeNotify, *httptest.Server, chan struct{}) {
	t.Helper()
	api := &fakeAPI{}
	notify := &fakeNotify{}
	shutdownCalled := make(chan struct{}, 1)
	s := New(zap.NewNop().Sugar(), api, notify, "0.2.0", func() {
		shutdownCalled <- struct{}{}
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return api, notify, ts, shutdownCalled
}

func postJSON(t *testing.T, url, payload string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(payload)))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestDeviceCredentialsRoundTrip(t *testing.T) {
	api, _, ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/device-credentials")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, body)

	resp, _ = postJSON(t, ts.URL+"/device-credentials",
		`{"deviceId":"drc3XdxNtzoucpw9xiRp","apiAccessSecret":"secret"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, api.DeviceCredentials(), 1)

	resp, body = get(t, ts.URL+"/device-credentials")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"deviceId":"drc3XdxNtzoucpw9xiRp","apiAccessSecret":"secret"}]`, body)
}

func TestDeviceCredentialsAcceptsArray(t *testing.T) {
	api, _, ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/device-credentials",
		`[{"deviceId":"d1","apiAccessSecret":"s1"},{"deviceId":"d2","apiAccessSecret":"s2"}]`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, api.DeviceCredentials(), 2)
}

func TestDeviceCredentialsValidationFailure(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	cases := []string{
		`{"deviceId":""}`,
		`{broken`,
		`[{"deviceId":""}]`,
	}
	for _, payload := range cases {
		resp, body := postJSON(t, ts.URL+"/device-credentials", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.Equal(t, "Invalid device credentials", body, payload)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/device-credentials", "text/plain",
		bytes.NewReader([]byte(`{"deviceId":"d"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPContextRoundTrip(t *testing.T) {
	api, _, ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/http-context")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "null", body)

	resp, _ = postJSON(t, ts.URL+"/http-context", `{
	  "expectedRequest": {
	    "httpMethod": "POST",
	    "apiMethodPath": "messages/log",
	    "data": "{\"message\":\"Test message #1\"}"
	  },
	  "requiredResponse": {
	    "data": "{\"messageId\":\"mdx8vuCGWdb2TFeWFZd6\"}"
	  }
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, api.HTTPContext())
	assert.Equal(t, "POST", api.HTTPContext().ExpectedRequest.HTTPMethod)

	resp, body = get(t, ts.URL+"/http-context")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"httpMethod": "POST"`)
}

func TestHTTPContextValidationFailure(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	cases := []string{
		`{broken`,
		`{"expectedRequest":{"httpMethod":"DELETE","apiMethodPath":"x"}}`,
		`{"expectedRequest":{"httpMethod":"POST","apiMethodPath":"x"},"requiredResponse":{"data":"null"}}`,
	}
	for _, payload := range cases {
		resp, body := postJSON(t, ts.URL+"/http-context", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.Equal(t, "Invalid HTTP context", body, payload)
	}
}

func TestNotifyContextRoundTrip(t *testing.T) {
	_, notify, ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/notify-context",
		`{"drc3XdxNtzoucpw9xiRp":{"new-msg-received":{"data":"{\"messageId\":\"m1\"}","timeout":5}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, notify.NotifyContext())

	resp, body := get(t, ts.URL+"/notify-context")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "new-msg-received")
}

func TestNotifyContextValidationFailure(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	cases := []string{
		`{broken`,
		`{"dev":{"not-an-event":{"data":"{}"}}}`,
		`{"dev":{"new-msg-received":{"data":"null"}}}`,
	}
	for _, payload := range cases {
		resp, body := postJSON(t, ts.URL+"/notify-context", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.Equal(t, "Invalid notification context", body, payload)
	}
}

func TestNotifyClose(t *testing.T) {
	_, notify, ts, _ := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/notify-close", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, notify.closed)
}

func TestNotifyCloseInternalError(t *testing.T) {
	_, notify, ts, _ := newTestServer(t)
	notify.closeErr = errors.New("boom")

	resp, body := postJSON(t, ts.URL+"/notify-close", `{}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal server error", body)
}

func TestInfo(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/info")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"Catenis API Emulator (ver. 0.2.0)"`, body)
}

func TestCloseRespondsBeforeShutdown(t *testing.T) {
	_, _, ts, shutdownCalled := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/close", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-shutdownCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
}

func TestUnknownRouteAndMethodMismatch(t *testing.T) {
	_, _, ts, _ := newTestServer(t)

	resp, body := get(t, ts.URL+"/no-such-endpoint")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)

	// GET on a POST-only endpoint.
	resp, body = get(t, ts.URL+"/notify-close")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)

	// POST on a GET-only endpoint.
	resp, body = postJSON(t, ts.URL+"/info", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)
}
