package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Test helpers ───────────────────────────────────────────────────────────────

// startGeminiServer starts a mock Gemini Live WebSocket server. The handler
// runs with the accepted connection; when it returns the connection is closed
// with a normal closure status.
func startGeminiServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "server done")
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return msg
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("server marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func sendSetupComplete(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, ctx, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup reads the client's setup message, acknowledges it, and returns
// the message for assertions.
func acceptSetup(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	msg := readJSON(t, ctx, conn)
	if _, ok := msg["setup"]; !ok {
		t.Fatalf("expected setup message, got %v", msg)
	}
	sendSetupComplete(t, ctx, conn)
	return msg
}

// connect creates a provider against the given mock server URL and opens a
// session, registering cleanup for it.
func connect(t *testing.T, url string, cfg s2s.SessionConfig, opts ...gemini.Option) s2s.SessionHandle {
	t.Helper()

	opts = append([]gemini.Option{gemini.WithBaseURL(url)}, opts...)
	p := gemini.New("test-key", opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// dig walks nested map[string]any values and fails the test if any key along
// the path is missing.
func dig(t *testing.T, m map[string]any, path ...string) any {
	t.Helper()

	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("path %v: value at %q is not an object", path, key)
		}
		cur, ok = obj[key]
		if !ok {
			t.Fatalf("path %v: missing key %q", path, key)
		}
	}
	return cur
}

func recvChunk(t *testing.T, sess s2s.SessionHandle) s2s.AudioChunk {
	t.Helper()

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("audio channel closed before a chunk arrived")
		}
		return chunk
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audio chunk")
	}
	return s2s.AudioChunk{}
}

func recvTranscript(t *testing.T, sess s2s.SessionHandle) string {
	t.Helper()

	select {
	case text, ok := <-sess.Transcripts():
		if !ok {
			t.Fatal("transcript channel closed before text arrived")
		}
		return text
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	return ""
}

func waitAudioClosed(t *testing.T, sess s2s.SessionHandle) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Audio():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for audio channel to close")
		}
	}
}

// wavWrap prepends a minimal 44-byte RIFF/WAVE header to pcm.
func wavWrap(pcm []byte) []byte {
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	return append(header, pcm...)
}

// ── Connect and setup ──────────────────────────────────────────────────────────

func TestConnect_SendsSetupWithDefaultModel(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		setupCh <- acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	connect(t, url, s2s.SessionConfig{})

	setup := <-setupCh
	if got := dig(t, setup, "setup", "model"); got != "models/gemini-2.0-flash-live-001" {
		t.Errorf("model = %v, want models/gemini-2.0-flash-live-001", got)
	}
	modalities, ok := dig(t, setup, "setup", "generationConfig", "responseModalities").([]any)
	if !ok || len(modalities) != 1 || modalities[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", modalities)
	}
}

func TestConnect_ModelNamespaceAppliedOnce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		model string
		want  string
	}{
		{"bare name gets prefix", "gemini-2.5-flash-preview-native-audio-dialog", "models/gemini-2.5-flash-preview-native-audio-dialog"},
		{"prefixed name unchanged", "models/custom-tuned", "models/custom-tuned"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			setupCh := make(chan map[string]any, 1)
			url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
				setupCh <- acceptSetup(t, r.Context(), conn)
				<-conn.CloseRead(r.Context()).Done()
			})

			connect(t, url, s2s.SessionConfig{}, gemini.WithModel(tc.model))

			setup := <-setupCh
			if got := dig(t, setup, "setup", "model"); got != tc.want {
				t.Errorf("model = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConnect_SetupCarriesSessionConfig(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		setupCh <- acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	temp := 0.7
	connect(t, url, s2s.SessionConfig{
		Instructions:    "You answer phone calls.",
		Voice:           "Aoede",
		Temperature:     &temp,
		MaxOutputTokens: 512,
		Tools:           []json.RawMessage{json.RawMessage(`{"googleSearch":{}}`)},
	})

	setup := <-setupCh
	parts, ok := dig(t, setup, "setup", "systemInstruction", "parts").([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("systemInstruction.parts = %v, want one entry", parts)
	}
	if got := parts[0].(map[string]any)["text"]; got != "You answer phone calls." {
		t.Errorf("system instruction text = %v", got)
	}
	if got := dig(t, setup, "setup", "generationConfig", "speechConfig", "voiceConfig", "prebuiltVoiceConfig", "voiceName"); got != "Aoede" {
		t.Errorf("voiceName = %v, want Aoede", got)
	}
	if got := dig(t, setup, "setup", "generationConfig", "temperature"); got != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got)
	}
	if got := dig(t, setup, "setup", "generationConfig", "maxOutputTokens"); got != float64(512) {
		t.Errorf("maxOutputTokens = %v, want 512", got)
	}
	tools, ok := dig(t, setup, "setup", "tools").([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v, want one entry", tools)
	}
	if _, ok := tools[0].(map[string]any)["googleSearch"]; !ok {
		t.Errorf("tools[0] = %v, want googleSearch passthrough", tools[0])
	}
}

func TestConnect_OmitsOptionalSetupFields(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		setupCh <- acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	connect(t, url, s2s.SessionConfig{})

	setup := <-setupCh
	inner := dig(t, setup, "setup").(map[string]any)
	for _, field := range []string{"systemInstruction", "tools"} {
		if _, present := inner[field]; present {
			t.Errorf("setup contains %q despite empty config", field)
		}
	}
	gc := dig(t, setup, "setup", "generationConfig").(map[string]any)
	for _, field := range []string{"temperature", "maxOutputTokens", "speechConfig"} {
		if _, present := gc[field]; present {
			t.Errorf("generationConfig contains %q despite empty config", field)
		}
	}
}

func TestConnect_QueryKeyAuth(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		keyCh <- r.URL.Query().Get("key")
		acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	connect(t, url, s2s.SessionConfig{})

	if got := <-keyCh; got != "test-key" {
		t.Errorf("query key = %q, want test-key", got)
	}
}

func TestConnect_HeaderAuth(t *testing.T) {
	t.Parallel()

	type authInfo struct{ header, query string }
	authCh := make(chan authInfo, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		authCh <- authInfo{r.Header.Get("x-goog-api-key"), r.URL.Query().Get("key")}
		acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	connect(t, url, s2s.SessionConfig{}, gemini.WithHeaderAuth())

	got := <-authCh
	if got.header != "test-key" {
		t.Errorf("x-goog-api-key = %q, want test-key", got.header)
	}
	if got.query != "" {
		t.Errorf("query key = %q, want empty with header auth", got.query)
	}
}

// ── Connect failure classification ─────────────────────────────────────────────

func TestConnect_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	p := gemini.New("test-key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded against a closed port")
	}
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *s2s.ConnectError", err)
	}
	if ce.Kind != s2s.KindUnreachable {
		t.Errorf("Kind = %v, want KindUnreachable", ce.Kind)
	}
}

func TestConnect_RejectedCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "API key not valid", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p := gemini.New("bad-key", gemini.WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *s2s.ConnectError", err)
	}
	if ce.Kind != s2s.KindAuth {
		t.Errorf("Kind = %v, want KindAuth", ce.Kind)
	}
}

func TestConnect_SetupErrorMessageRejectsConfig(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		readJSON(t, r.Context(), conn) // setup
		writeJSON(t, r.Context(), conn, map[string]any{
			"error": map[string]any{"code": 400, "message": "unknown model", "status": "INVALID_ARGUMENT"},
		})
	})

	p := gemini.New("test-key", gemini.WithBaseURL(url), gemini.WithModel("no-such-model"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *s2s.ConnectError", err)
	}
	if ce.Kind != s2s.KindInvalidConfig {
		t.Errorf("Kind = %v, want KindInvalidConfig", ce.Kind)
	}
	if !strings.Contains(err.Error(), "unknown model") {
		t.Errorf("error %q does not carry the server message", err)
	}
}

func TestConnect_SetupCloseRejectsConfig(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		readJSON(t, r.Context(), conn) // setup
		conn.Close(websocket.StatusPolicyViolation, "setup not accepted")
	})

	p := gemini.New("test-key", gemini.WithBaseURL(url))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Connect(ctx, s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *s2s.ConnectError", err)
	}
	if ce.Kind != s2s.KindInvalidConfig {
		t.Errorf("Kind = %v, want KindInvalidConfig", ce.Kind)
	}
}

// ── Uplink audio ───────────────────────────────────────────────────────────────

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	chunkCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		chunkCh <- readJSON(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	frame := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(frame, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-chunkCh
	chunks, ok := dig(t, msg, "realtimeInput", "mediaChunks").([]any)
	if !ok || len(chunks) != 1 {
		t.Fatalf("mediaChunks = %v, want one entry", chunks)
	}
	chunk := chunks[0].(map[string]any)
	if got := chunk["mimeType"]; got != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v, want audio/pcm;rate=16000", got)
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk["data"].(string))
	if err != nil {
		t.Fatalf("data is not valid base64: %v", err)
	}
	if string(decoded) != string(frame) {
		t.Errorf("decoded frame = %v, want %v", decoded, frame)
	}
}

// ── Downlink audio ─────────────────────────────────────────────────────────────

func TestAudio_DeliversInlineDataWithRate(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		writeJSON(t, r.Context(), conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					}},
				},
			},
		})
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	chunk := recvChunk(t, sess)
	if string(chunk.Data) != string(pcm) {
		t.Errorf("chunk data = %v, want %v", chunk.Data, pcm)
	}
	if chunk.SampleRateHz != 24000 {
		t.Errorf("SampleRateHz = %d, want 24000", chunk.SampleRateHz)
	}
}

func TestAudio_StripsWAVHeader(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		writeJSON(t, r.Context(), conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": "audio/wav",
							"data":     base64.StdEncoding.EncodeToString(wavWrap(pcm)),
						},
					}},
				},
			},
		})
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	chunk := recvChunk(t, sess)
	if string(chunk.Data) != string(pcm) {
		t.Errorf("chunk data = %v, want header-stripped %v", chunk.Data, pcm)
	}
}

func TestAudio_DefaultsRateWhenMIMEOmitsIt(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		writeJSON(t, r.Context(), conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm",
							"data":     base64.StdEncoding.EncodeToString([]byte{1, 2}),
						},
					}},
				},
			},
		})
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	chunk := recvChunk(t, sess)
	if chunk.SampleRateHz != 24000 {
		t.Errorf("SampleRateHz = %d, want default 24000", chunk.SampleRateHz)
	}
}

func TestReceive_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, []byte("this is not json")); err != nil {
			t.Errorf("server write: %v", err)
		}
		writeJSON(t, r.Context(), conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{map[string]any{
						"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{9, 9}),
						},
					}},
				},
			},
		})
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	chunk := recvChunk(t, sess)
	if string(chunk.Data) != string([]byte{9, 9}) {
		t.Errorf("chunk data = %v, want [9 9]", chunk.Data)
	}
}

// ── Transcripts ────────────────────────────────────────────────────────────────

func TestTranscripts_DeliverTextAndTranscriptions(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		writeJSON(t, r.Context(), conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn":           map[string]any{"parts": []any{map[string]any{"text": "part text"}}},
				"inputTranscription":  map[string]any{"text": "caller said hi"},
				"outputTranscription": map[string]any{"text": "model said hello"},
			},
		})
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	want := []string{"part text", "caller said hi", "model said hello"}
	for i, w := range want {
		if got := recvTranscript(t, sess); got != w {
			t.Errorf("transcript %d = %q, want %q", i, got, w)
		}
	}
}

// ── Tool calls ─────────────────────────────────────────────────────────────────

func TestToolCall_RoundTrip(t *testing.T) {
	t.Parallel()

	respCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		readJSON(t, r.Context(), conn) // audio frame used as a readiness signal
		writeJSON(t, r.Context(), conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{map[string]any{
					"id":   "call-1",
					"name": "lookup_order",
					"args": map[string]any{"order_id": "A42"},
				}},
			},
		})
		respCh <- readJSON(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})

	argsCh := make(chan string, 1)
	sess.OnToolCall(func(name, args string) (string, error) {
		if name != "lookup_order" {
			t.Errorf("tool name = %q, want lookup_order", name)
		}
		argsCh <- args
		return `{"status":"shipped"}`, nil
	})
	if err := sess.SendAudio([]byte{0, 0}, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case args := <-argsCh:
		if !strings.Contains(args, `"order_id":"A42"`) {
			t.Errorf("handler args = %q, want order_id A42", args)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tool handler was not invoked")
	}

	resp := <-respCh
	frs, ok := dig(t, resp, "toolResponse", "functionResponses").([]any)
	if !ok || len(frs) != 1 {
		t.Fatalf("functionResponses = %v, want one entry", frs)
	}
	fr := frs[0].(map[string]any)
	if fr["id"] != "call-1" || fr["name"] != "lookup_order" {
		t.Errorf("response identity = %v/%v, want call-1/lookup_order", fr["id"], fr["name"])
	}
	if got := fr["response"].(map[string]any)["status"]; got != "shipped" {
		t.Errorf("response.status = %v, want shipped", got)
	}
}

func TestToolCall_WrapsPlainTextResult(t *testing.T) {
	t.Parallel()

	respCh := make(chan map[string]any, 1)
	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		readJSON(t, r.Context(), conn)
		writeJSON(t, r.Context(), conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{map[string]any{"id": "c2", "name": "describe", "args": map[string]any{}}},
			},
		})
		respCh <- readJSON(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	sess.OnToolCall(func(name, args string) (string, error) {
		return "just words", nil
	})
	if err := sess.SendAudio([]byte{0, 0}, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	resp := <-respCh
	frs := dig(t, resp, "toolResponse", "functionResponses").([]any)
	fr := frs[0].(map[string]any)
	if got := fr["response"].(map[string]any)["output"]; got != "just words" {
		t.Errorf("response.output = %v, want just words", got)
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestSession_CleanRemoteClose(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		// Returning closes the connection with a normal closure status.
	})

	sess := connect(t, url, s2s.SessionConfig{})
	waitAudioClosed(t, sess)
	if err := sess.Err(); err != nil {
		t.Errorf("Err() = %v after clean remote close, want nil", err)
	}
}

func TestSession_ErrOnAbnormalClose(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		conn.Close(websocket.StatusInternalError, "backend fell over")
	})

	sess := connect(t, url, s2s.SessionConfig{})
	waitAudioClosed(t, sess)
	if err := sess.Err(); err == nil {
		t.Error("Err() = nil after abnormal close, want error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	url := startGeminiServer(t, func(r *http.Request, conn *websocket.Conn) {
		acceptSetup(t, r.Context(), conn)
		<-conn.CloseRead(r.Context()).Done()
	})

	sess := connect(t, url, s2s.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2}, 16000); err == nil {
		t.Error("SendAudio after Close succeeded, want error")
	}
	waitAudioClosed(t, sess)
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	caps := gemini.New("k").Capabilities()
	if caps.InputSampleRateHz != 16000 {
		t.Errorf("InputSampleRateHz = %d, want 16000", caps.InputSampleRateHz)
	}
	if caps.OutputSampleRateHz != 24000 {
		t.Errorf("OutputSampleRateHz = %d, want 24000", caps.OutputSampleRateHz)
	}
	if !caps.Transcripts {
		t.Error("Transcripts = false, want true")
	}
}
