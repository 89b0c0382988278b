package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lordmau5/Node-Media-Server/internal/config"
	"github.com/Lordmau5/Node-Media-Server/internal/event"
	"github.com/Lordmau5/Node-Media-Server/internal/flv"
	"github.com/Lordmau5/Node-Media-Server/internal/metrics"
	"github.com/Lordmau5/Node-Media-Server/internal/session"
	"github.com/Lordmau5/Node-Media-Server/internal/stream"
)

var (
	aacSequenceHeader = []byte{0xAF, 0x00, 0x12, 0x10}
	aacFrame          = []byte{0xAF, 0x01, 0x21, 0x00}
	onMetaData        = []byte{0x02, 0x00, 0x0A, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a'}
)

type testEnv struct {
	cfg      *config.Config
	manager  *session.Manager
	registry *stream.Registry
	bus      *event.Bus
	flv      *FLVServer
	ingest   *IngestServer
	flvURL   string
	ingURL   string
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	registry := stream.NewRegistry(logger, 0)
	bus := event.NewBus()
	manager := session.NewManager(session.Options{
		Auth:        cfg.Auth,
		Relay:       cfg.Relay,
		AllowOrigin: cfg.Server.AllowOrigin,
	}, registry, bus, nil, m, logger)

	flvServer := NewFLVServer(cfg.Server, logger, manager)
	ingest := NewIngestServer(cfg.Ingest, cfg.Server, logger, manager)

	flvTS := httptest.NewServer(flvServer)
	ingTS := httptest.NewServer(ingest)
	t.Cleanup(func() {
		registry.Stop()
		flvTS.Close()
		ingTS.Close()
	})

	return &testEnv{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		bus:      bus,
		flv:      flvServer,
		ingest:   ingest,
		flvURL:   flvTS.URL,
		ingURL:   ingTS.URL,
		reg:      reg,
		metrics:  m,
	}
}

// startPublisher POSTs an FLV stream whose body stays open until the returned writer is closed
func (e *testEnv) startPublisher(t *testing.T, target string) (*io.PipeWriter, <-chan *http.Response) {
	t.Helper()

	pr, pw := io.Pipe()
	responses := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(e.ingURL+target, "video/x-flv", pr)
		if err != nil {
			close(responses)
			return
		}
		responses <- resp
	}()
	return pw, responses
}

func writeStream(t *testing.T, w io.Writer) {
	t.Helper()

	var data bytes.Buffer
	data.Write(flv.StreamHeader(true, false))
	data.Write(flv.CreateTag(flv.TagHeader{Type: flv.TagTypeScript}, onMetaData))
	data.Write(flv.CreateTag(flv.TagHeader{Type: flv.TagTypeAudio}, aacSequenceHeader))
	data.Write(flv.CreateTag(flv.TagHeader{Type: flv.TagTypeAudio, Timestamp: 23}, aacFrame))

	_, err := w.Write(data.Bytes())
	require.NoError(t, err)
}

func (e *testEnv) waitForTags(t *testing.T, streamPath string, tags uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		pub, ok := e.manager.Publisher(streamPath)
		return ok && pub.Info().TagsIn == tags
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPublishAndPlayOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	pw, responses := env.startPublisher(t, "/live/cam.flv")
	writeStream(t, pw)
	env.waitForTags(t, "/live/cam", 3)

	resp, err := http.Get(env.flvURL + "/live/cam.flv")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/x-flv", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	header := make([]byte, flv.StreamHeaderSize)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	assert.Equal(t, "FLV", string(header[:3]))

	// ending the body ends the publisher; the player waits for the next one
	require.NoError(t, pw.Close())
	pubResp := <-responses
	require.NotNil(t, pubResp)
	pubResp.Body.Close()
	assert.Equal(t, http.StatusOK, pubResp.StatusCode)

	require.Eventually(t, func() bool {
		stats := env.registry.Stats()
		return stats.Publishers == 0 && stats.IdlePlayers == 1
	}, 3*time.Second, 10*time.Millisecond)

	stats := env.ingest.GetStatistics()
	assert.Equal(t, uint64(1), stats.RequestsReceived)
	assert.NotZero(t, stats.BytesReceived)
	assert.Equal(t, uint64(1), env.flv.GetStatistics().HTTPSessions)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		url    string
		status int
	}{
		{"play wrong format", http.MethodGet, env.flvURL + "/live/cam.mp4", http.StatusForbidden},
		{"play with post", http.MethodPost, env.flvURL + "/live/cam.flv", http.StatusMethodNotAllowed},
		{"ingest with get", http.MethodGet, env.ingURL + "/live/cam.flv", http.StatusMethodNotAllowed},
		{"ingest wrong format", http.MethodPost, env.ingURL + "/live/cam", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	require.Eventually(t, func() bool { return env.registry.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), env.ingest.GetStatistics().Rejected)
}

func TestDuplicatePublishConflicts(t *testing.T) {
	env := newTestEnv(t, nil)

	pw, responses := env.startPublisher(t, "/live/dup.flv")
	defer func() {
		pw.Close()
		if resp := <-responses; resp != nil {
			resp.Body.Close()
		}
	}()
	writeStream(t, pw)
	env.waitForTags(t, "/live/dup", 3)

	resp, err := http.Post(env.ingURL+"/live/dup.flv", "video/x-flv", bytes.NewReader(flv.StreamHeader(true, false)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketPlayerUnauthorized(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Play = true
		cfg.Auth.Secret = "nodemedia2017privatekey"
	})

	wsURL := "ws" + strings.TrimPrefix(env.flvURL, "http") + "/live/cam.flv?sign=1-bad"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4000+http.StatusUnauthorized), "unexpected error: %v", err)
	assert.Equal(t, uint64(1), env.flv.GetStatistics().WSSessions)
}

func TestWebSocketPlayerReceivesStream(t *testing.T) {
	env := newTestEnv(t, nil)

	pw, responses := env.startPublisher(t, "/live/ws.flv")
	defer func() {
		pw.Close()
		if resp := <-responses; resp != nil {
			resp.Body.Close()
		}
	}()
	writeStream(t, pw)
	env.waitForTags(t, "/live/ws", 3)

	wsURL := "ws" + strings.TrimPrefix(env.flvURL, "http") + "/live/ws.flv"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, flv.StreamHeaderSize, len(data))
	assert.Equal(t, "FLV", string(data[:3]))
}

func TestWebSocketDisabledServesHTTP(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.WebSocket = false
	})

	wsURL := "ws" + strings.TrimPrefix(env.flvURL, "http") + "/live/cam.mp4"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTPAPI(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Secret = "hidden-secret"
	})

	api := NewHTTPServer(env.cfg.HTTP, slog.New(slog.NewTextHandler(io.Discard, nil)), env.cfg, Sources{
		Manager: env.manager,
		Bus:     env.bus,
		FLV:     env.flv,
		Ingest:  env.ingest,
	}, env.metrics, env.reg)
	apiTS := httptest.NewServer(api.Handler())
	defer apiTS.Close()

	pw, responses := env.startPublisher(t, "/live/api.flv")
	defer func() {
		pw.Close()
		if resp := <-responses; resp != nil {
			resp.Body.Close()
		}
	}()
	writeStream(t, pw)
	env.waitForTags(t, "/live/api", 3)

	getJSON := func(path string, status int) map[string]interface{} {
		resp, err := http.Get(apiTS.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, status, resp.StatusCode, path)
		if status != http.StatusOK {
			return nil
		}
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	health := getJSON("/health", http.StatusOK)
	assert.Equal(t, "healthy", health["status"])

	streams := getJSON("/streams", http.StatusOK)
	assert.Equal(t, float64(1), streams["total_streams"])

	detail := getJSON("/streams/live/api", http.StatusOK)
	assert.Equal(t, "/live/api", detail["stream_path"])
	assert.Equal(t, true, detail["has_audio"])
	getJSON("/streams/live/missing", http.StatusNotFound)

	sessions := getJSON("/sessions", http.StatusOK)
	require.Equal(t, float64(1), sessions["total_sessions"])
	list := sessions["sessions"].([]interface{})
	id := list[0].(map[string]interface{})["id"].(string)
	one := getJSON("/sessions/"+id, http.StatusOK)
	assert.Equal(t, "publisher", one["role"])
	getJSON("/sessions/unknown", http.StatusNotFound)

	cfg := getJSON("/config", http.StatusOK)
	auth := cfg["auth"].(map[string]interface{})
	_, hasSecret := auth["secret"]
	assert.False(t, hasSecret)

	stats := getJSON("/stats", http.StatusOK)
	assert.Contains(t, stats, "registry")
	assert.Contains(t, stats, "ingest")

	getJSON("/history", http.StatusNotFound)
	getJSON("/nope", http.StatusNotFound)

	resp, err := http.Post(apiTS.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(apiTS.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
}
