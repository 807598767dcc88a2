package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genflow/internal/fakeapi"
	"github.com/ChuLiYu/genflow/pkg/types"
)

var jpeg = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func newTestClient(t *testing.T, baseURL string, mutate ...func(*Options)) *Client {
	t.Helper()
	nop := zerolog.Nop()
	opts := Options{
		BaseURL:   baseURL,
		Token:     "secret",
		AppID:     "com.example.app",
		UserID:    "user-1",
		RateLimit: 1000,
		Logger:    &nop,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// jsonServer answers every request with body and records the last request.
func jsonServer(t *testing.T, code int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestNew_RejectsRelativeBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "/api"})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	codes := map[int]types.JobStatus{
		0: types.StatusQueued, 1: types.StatusQueued, 2: types.StatusProcessing,
		3: types.StatusCompleted, 4: types.StatusFailed, 7: types.StatusProcessing, -1: types.StatusProcessing,
	}
	for code, want := range codes {
		assert.Equal(t, want, NormalizeCode(code), "code %d", code)
	}

	strs := map[string]types.JobStatus{
		"queued": types.StatusQueued, "pending": types.StatusQueued, "processing": types.StatusProcessing,
		"completed": types.StatusCompleted, "finished": types.StatusCompleted, "FINISHED": types.StatusCompleted,
		"error": types.StatusFailed, "failed": types.StatusFailed, "rendering": types.StatusProcessing, "": types.StatusProcessing,
	}
	for s, want := range strs {
		assert.Equal(t, want, NormalizeString(s), "status %q", s)
	}
}

func TestSubmit_InvalidPayloadMakesNoRequest(t *testing.T) {
	srv, hits := jsonServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, srv.URL)

	for _, req := range []types.Request{
		types.TextToVideo{Text: " "},
		types.ImageEffect{FilterID: "1"},
		types.ImageAndText{Text: "x"},
		nil,
	} {
		_, err := c.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
	assert.Zero(t, hits.Load())
}

func TestSubmit_TextToVideo(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate/txt2video", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"data":{"generationId":"gen-77"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/")
	rc, err := c.Submit(context.Background(), types.TextToVideo{Text: "a fox in snow"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("gen-77"), rc.JobID)
	assert.Equal(t, types.KindTextToVideo, rc.Kind)
	assert.Equal(t, map[string]string{"promptText": "a fox in snow", "userId": "user-1", "appId": "com.example.app"}, got)
}

func TestSubmit_ImageEffectMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "42", r.FormValue("filter_id"))
		assert.Equal(t, "com.example.app", r.FormValue("appId"))
		assert.Equal(t, "user-1", r.FormValue("userId"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		assert.Equal(t, jpeg, b)
		_, _ = io.WriteString(w, `{"error":false,"messages":[],"data":["9001"]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	rc, err := c.Submit(context.Background(), types.ImageEffect{Image: jpeg, FilterID: "42"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("9001"), rc.JobID)
}

func TestSubmit_ImageAndTextMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate/pikaScenes", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "precise", r.FormValue("mode"))
		assert.Equal(t, "dance", r.FormValue("promptText"))
		assert.Len(t, r.MultipartForm.File["ingredients[]"], 2)
		_, _ = io.WriteString(w, `{"data":{"generationId":12}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	rc, err := c.Submit(context.Background(), types.ImageAndText{Images: [][]byte{jpeg, jpeg}, Text: "dance"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("12"), rc.JobID, "numeric ids are accepted")
}

func TestSubmit_ImageEffectWithoutToken(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"error":false,"messages":[],"data":[]}`)
	c := newTestClient(t, srv.URL)

	rc, err := c.Submit(context.Background(), types.ImageEffect{Image: jpeg, FilterID: "1"})
	require.NoError(t, err)
	assert.Empty(t, rc.JobID)
}

func TestSubmit_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		req  types.Request
		want error
		msg  string
	}{
		{"error flag", 200, `{"error":true,"messages":["limit reached"],"data":[]}`, types.ImageEffect{Image: jpeg, FilterID: "1"}, ErrServerRejected, "limit reached"},
		{"error string", 200, `{"error":"prompt rejected"}`, types.TextToVideo{Text: "x"}, ErrServerRejected, "prompt rejected"},
		{"4xx", 403, `{"error":true,"messages":["forbidden"]}`, types.TextToVideo{Text: "x"}, ErrServerRejected, "forbidden"},
		{"missing generation id", 200, `{"data":{}}`, types.TextToVideo{Text: "x"}, ErrMalformedResponse, ""},
		{"missing data", 200, `{"error":false}`, types.ImageEffect{Image: jpeg, FilterID: "1"}, ErrMalformedResponse, ""},
		{"not json", 200, `<html>`, types.TextToVideo{Text: "x"}, ErrMalformedResponse, ""},
		{"5xx", 502, `bad gateway`, types.TextToVideo{Text: "x"}, ErrTransport, ""},
		{"429", 429, ``, types.TextToVideo{Text: "x"}, ErrTransport, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := jsonServer(t, tt.code, tt.body)
			c := newTestClient(t, srv.URL)

			_, err := c.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "submit", apiErr.Op)
			if tt.msg != "" {
				assert.Contains(t, apiErr.Message(), tt.msg)
			}
		})
	}
}

func TestRequestTimeout_IsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	_, err := c.StatusByID(context.Background(), "1")
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsTransient(err))
}

func TestStatusByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generationStatus", r.URL.Path)
		switch r.URL.Query().Get("generationId") {
		case "done":
			_, _ = io.WriteString(w, `{"error":false,"messages":[],"data":{"status":"finished","resultUrl":" https://x/video.mp4 ","progress":100}}`)
		case "bad":
			_, _ = io.WriteString(w, `{"error":false,"messages":[],"data":{"status":"error","error":"nsfw"}}`)
		case "odd":
			_, _ = io.WriteString(w, `{"error":false,"messages":[],"data":{"status":"warming-up"}}`)
		default:
			_, _ = io.WriteString(w, `{"error":false,"messages":[],"data":{"status":"pending"}}`)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	rep, err := c.StatusByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusReport{JobID: "done", Status: types.StatusCompleted, ResultURL: "https://x/video.mp4", Progress: 100}, rep)

	rep, err = c.StatusByID(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rep.Status)
	assert.Equal(t, "nsfw", rep.Message)

	rep, err = c.StatusByID(ctx, "odd")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, rep.Status, "unknown statuses keep polling")

	rep, err = c.StatusByID(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, rep.Status)

	_, err = c.StatusByID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestListGenerations(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"error":false,"messages":[],"data":[
		{"id":1,"status":0},
		{"id":2,"status":2,"prompt":"p"},
		{"id":3,"status":3,"result":"https://x/3.mp4"},
		{"id":4,"status":4},
		{"id":5,"status":9}
	]}`)
	c := newTestClient(t, srv.URL)

	reps, err := c.ListGenerations(context.Background())
	require.NoError(t, err)
	require.Len(t, reps, 5)

	want := []types.JobStatus{types.StatusQueued, types.StatusProcessing, types.StatusCompleted, types.StatusFailed, types.StatusProcessing}
	for i, r := range reps {
		assert.Equal(t, want[i], r.Status, "entry %d", i)
	}
	assert.Equal(t, types.JobID("3"), reps[2].JobID)
	assert.Equal(t, "https://x/3.mp4", reps[2].ResultURL)
	assert.Equal(t, "p", reps[1].Prompt)
}

func TestAgainstFakeAPI(t *testing.T) {
	api := fakeapi.New("secret")
	defer api.Close()
	c := newTestClient(t, api.URL)
	ctx := context.Background()

	rc, err := c.Submit(ctx, types.TextToVideo{Text: "waves"})
	require.NoError(t, err)

	rep, err := c.StatusByID(ctx, rc.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, rep.Status)

	reps, err := c.ListGenerations(ctx)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, types.StatusCompleted, reps[0].Status)

	data, err := c.Download(ctx, reps[0].ResultURL)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	effects, err := c.Effects(ctx)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, "Hug", effects[0].Title)
	assert.Contains(t, effects[0].PreviewSmall, "/media/effect-1-small.mp4")

	bad := newTestClient(t, api.URL, func(o *Options) { o.Token = "wrong" })
	_, err = bad.Effects(ctx)
	assert.ErrorIs(t, err, ErrServerRejected)
}

func TestDownload(t *testing.T) {
	var sawAuth atomic.Value
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "bytes")
	}))
	defer media.Close()

	api, _ := jsonServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, api.URL)
	ctx := context.Background()

	data, err := c.Download(ctx, media.URL+"/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
	assert.Empty(t, sawAuth.Load(), "token must not leak to other hosts")

	_, err = c.Download(ctx, media.URL+"/missing.mp4")
	assert.ErrorIs(t, err, ErrServerRejected)

	_, err = c.Download(ctx, "ftp://nope/x")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	small := newTestClient(t, api.URL, func(o *Options) { o.MaxDownloadBytes = 2 })
	_, err = small.Download(ctx, media.URL+"/v.mp4")
	assert.ErrorIs(t, err, ErrServerRejected)
}
