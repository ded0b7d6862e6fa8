package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/motionkit/internal/app"
	"github.com/ayusman/motionkit/internal/channel"
	"github.com/ayusman/motionkit/internal/config"
	"github.com/ayusman/motionkit/internal/detector"
)

func newApp(t *testing.T, engine *detector.MockEngine) (*app.App, *httptest.Server) {
	t.Helper()

	cfg := config.FromEnv()
	cfg.Engine = config.EngineMock
	cfg.DefaultFormat = "nv21"
	cfg.RequestTimeout = time.Second

	a, err := app.New(cfg, detector.MockFactory(engine))
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	ts := httptest.NewServer(a.Server())
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return a, ts
}

// nv21Body builds a detect call for a grey NV21 frame.
func nv21Body(t *testing.T, width, height, rotation int) *bytes.Reader {
	t.Helper()
	data := make([]byte, width*height*3/2)
	for i := range data {
		data[i] = 128
	}
	body, err := json.Marshal(map[string]any{
		"method": "detect",
		"arguments": map[string]any{
			"bytes":    base64.StdEncoding.EncodeToString(data),
			"width":    width,
			"height":   height,
			"rotation": rotation,
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

type detectResponse struct {
	Result []channel.Hand `json:"result"`
	Error  *channel.Error `json:"error"`
}

func post(t *testing.T, ts *httptest.Server, body *bytes.Reader) (int, detectResponse) {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/api/detect", "application/json", body)
	if err != nil {
		t.Fatalf("POST /api/detect error = %v", err)
	}
	defer resp.Body.Close()

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	engine := detector.NewMockEngine()
	a, ts := newApp(t, engine)

	t.Run("DetectNoHands", func(t *testing.T) {
		status, resp := post(t, ts, nv21Body(t, 32, 24, 90))
		if status != http.StatusOK || resp.Error != nil {
			t.Fatalf("status = %d, error = %+v", status, resp.Error)
		}
		if resp.Result == nil || len(resp.Result) != 0 {
			t.Errorf("expected empty hand list, got %#v", resp.Result)
		}
	})

	t.Run("DetectTwoHands", func(t *testing.T) {
		engine.SetHands([]detector.HandLandmarks{
			detector.OpenPalmLandmarks(),
			detector.ThumbsUpLandmarks(),
		})

		status, resp := post(t, ts, nv21Body(t, 32, 24, 270))
		if status != http.StatusOK {
			t.Fatalf("status = %d, error = %+v", status, resp.Error)
		}
		if len(resp.Result) != 2 {
			t.Fatalf("expected 2 hands, got %d", len(resp.Result))
		}
		for _, h := range resp.Result {
			if len(h.Landmarks) != detector.NumLandmarks {
				t.Errorf("hand has %d landmarks, want %d", len(h.Landmarks), detector.NumLandmarks)
			}
		}
	})

	t.Run("Disable", func(t *testing.T) {
		a.SetEnabled(false)
		defer a.SetEnabled(true)

		status, resp := post(t, ts, nv21Body(t, 32, 24, 0))
		if status != http.StatusServiceUnavailable || resp.Error == nil || resp.Error.Code != channel.CodeDisabled {
			t.Errorf("status = %d, error = %+v", status, resp.Error)
		}
	})

	t.Run("HealthReflectsCalls", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/api/health")
		if err != nil {
			t.Fatalf("GET /api/health error = %v", err)
		}
		defer resp.Body.Close()

		var health struct {
			Landmarker string        `json:"landmarker"`
			Stats      channel.Stats `json:"stats"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if health.Landmarker != detector.StateReady.String() {
			t.Errorf("landmarker = %q, want %q", health.Landmarker, detector.StateReady)
		}
		if health.Stats.Succeeded != 2 || health.Stats.Rejected != 1 {
			t.Errorf("unexpected stats %+v", health.Stats)
		}
	})

	t.Run("LastResult", func(t *testing.T) {
		_, at, err := a.LastResult()
		if at.IsZero() {
			t.Fatal("no result recorded")
		}
		if err == nil {
			t.Error("expected the disabled call to be the last result")
		}
	})
}

func TestE2E_WebSocketChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	engine := detector.NewMockEngine()
	engine.SetHands([]detector.HandLandmarks{detector.ThumbsUpLandmarks()})
	_, ts := newApp(t, engine)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/channel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for id := 1; id <= 3; id++ {
		err := conn.WriteJSON(map[string]any{
			"id":     id,
			"method": "detect",
			"arguments": map[string]any{
				"bytes":    base64.StdEncoding.EncodeToString(make([]byte, 16*16*3/2)),
				"width":    16,
				"height":   16,
				"rotation": 180,
			},
		})
		if err != nil {
			t.Fatalf("write: %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var reply struct {
			ID     int            `json:"id"`
			Result []channel.Hand `json:"result"`
			Error  *channel.Error `json:"error"`
		}
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read: %v", err)
		}
		if reply.ID != id || reply.Error != nil || len(reply.Result) != 1 {
			t.Errorf("call %d: unexpected reply %+v", id, reply)
		}
	}
}

func TestE2E_EngineUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	cfg := config.FromEnv()
	cfg.Engine = config.EngineMediaPipe
	cfg.ModelPath = t.TempDir() + "/missing.task"
	cfg.ScriptPath = t.TempDir() + "/missing.py"

	a, err := app.New(cfg, nil)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	defer a.Close()

	ts := httptest.NewServer(a.Server())
	defer ts.Close()

	status, resp := post(t, ts, nv21Body(t, 8, 8, 0))
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
	if resp.Error == nil || resp.Error.Code != channel.CodeLandmarkerNotInitialized {
		t.Fatalf("expected LANDMARKER_NOT_INITIALIZED, got %+v", resp.Error)
	}
}
