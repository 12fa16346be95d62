package mediaq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, h http.HandlerFunc) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cred := func(context.Context) (string, error) { return "tok", nil }
	return NewHTTPBackend(srv.URL+"/", cred, nil)
}

func TestHTTPBackend_CreateEntity(t *testing.T) {
	for name, body := range map[string]string{"string id": `{"id":"77"}`, "numeric id": `{"id":77}`} {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/entities", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				var in map[string]string
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				assert.Equal(t, "Volvo", in["make"])
				_, _ = io.WriteString(w, body)
			})
			id, err := b.CreateEntity(context.Background(), map[string]string{"make": "Volvo"})
			require.NoError(t, err)
			require.Equal(t, "77", id)
		})
	}
}

func TestHTTPBackend_CreateEntityWithoutID(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{}`) })
	_, err := b.CreateEntity(context.Background(), struct{}{})
	require.ErrorContains(t, err, "no id")
}

func TestHTTPBackend_InitMediaUpload(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/media/init", r.URL.Path)
		var req InitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "42", req.EntityID)
		assert.Equal(t, []string{"image-00.jpg"}, req.FileNames)
		_, _ = io.WriteString(w, `{"sessionId":"s1","uploadUrls":["https://bucket.test/a?sig=1"],"filePaths":["42/a.jpg"]}`)
	})
	resp, err := b.InitMediaUpload(context.Background(), InitRequest{EntityID: "42", FileNames: []string{"image-00.jpg"}, ContentTypes: []string{"image/jpeg"}})
	require.NoError(t, err)
	require.Equal(t, "s1", resp.SessionID)
	require.Equal(t, []string{"42/a.jpg"}, resp.FilePaths)
}

func TestHTTPBackend_InitMediaUploadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no session":       `{"uploadUrls":["https://bucket.test/a"],"filePaths":["a"]}`,
		"not a url":        `{"sessionId":"s","uploadUrls":["::bad"],"filePaths":["a"]}`,
		"misaligned paths": `{"sessionId":"s","uploadUrls":["https://bucket.test/a"],"filePaths":["a","b"]}`,
		"wrong count":      `{"sessionId":"s","uploadUrls":["https://bucket.test/a","https://bucket.test/b"],"filePaths":["a","b"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, body) })
			_, err := b.InitMediaUpload(context.Background(), InitRequest{EntityID: "1", FileNames: []string{"x.jpg"}})
			require.Error(t, err)
		})
	}
}

func TestHTTPBackend_StatusError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	err := b.CompleteMediaProcessing(context.Background(), CompleteRequest{EntityID: "1", SessionID: "s"})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, http.StatusServiceUnavailable, serr.Code)
	require.Equal(t, ErrorServer, Classify(err))
}

func TestHTTPBackend_UploadImagesAndVideo(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		switch r.URL.Path {
		case "/entities/42/images":
			assert.Len(t, r.MultipartForm.File["images"], 2)
			_, _ = io.WriteString(w, `{"urls":["https://cdn.test/1.jpg","https://cdn.test/2.jpg"]}`)
		case "/entities/42/video":
			assert.Len(t, r.MultipartForm.File["video"], 1)
			_, _ = io.WriteString(w, `{"url":"https://cdn.test/v.mp4"}`)
		default:
			http.NotFound(w, r)
		}
	})
	dir := t.TempDir()
	file := func(name string) UploadFile {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("data-"+name), 0o600))
		return UploadFile{Path: p, Name: name, ContentType: "application/octet-stream"}
	}

	urls, err := b.UploadImages(context.Background(), "42", []UploadFile{file("a.jpg"), file("b.jpg")}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.test/1.jpg", "https://cdn.test/2.jpg"}, urls)

	u, err := b.UploadVideo(context.Background(), "42", file("v.mp4"), nil)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.test/v.mp4", u)
}

func TestHTTPBackend_UploadImagesCountMismatch(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{"urls":[]}`) })
	p := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	_, err := b.UploadImages(context.Background(), "42", []UploadFile{{Path: p, Name: "a.jpg"}}, nil)
	require.ErrorContains(t, err, "0 urls for 1 files")
}
