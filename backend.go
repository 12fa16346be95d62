package mediaq

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/UniQw/mediaq/internal/transfer"
	"github.com/go-playground/validator/v10"
)

// HTTPBackend talks to the listing backend over its REST API. It implements
// EntityCreator, MediaSession and DirectUploader.
type HTTPBackend struct {
	baseURL  string
	client   *transfer.Client
	enc      Encoder
	validate *validator.Validate
	log      Logger
}

// NewHTTPBackend creates a backend client rooted at baseURL. cred may be nil.
func NewHTTPBackend(baseURL string, cred Credential, log Logger) *HTTPBackend {
	if log == nil {
		log = NewFmtLogger()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &HTTPBackend{
		baseURL:  baseURL,
		client:   transfer.New(baseURL, cred, log),
		enc:      &JSONEncoder{},
		validate: validator.New(),
		log:      log,
	}
}

// Transfer returns the client used for file transfers; its bearer credential is only
// attached to requests addressed to this backend.
func (b *HTTPBackend) Transfer() *transfer.Client { return b.client }

type createEntityResponse struct {
	ID flexibleID `json:"id"`
}

// flexibleID accepts both string and numeric JSON ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	*f = flexibleID(strings.Trim(string(b), `"`))
	return nil
}

// CreateEntity posts data to /entities and returns the id of the new record.
func (b *HTTPBackend) CreateEntity(ctx context.Context, data any) (string, error) {
	var out createEntityResponse
	if err := b.post(ctx, "/entities", data, &out); err != nil {
		return "", fmt.Errorf("create entity: %w", err)
	}
	if out.ID == "" || out.ID == "null" {
		return "", fmt.Errorf("create entity: response carries no id")
	}
	return string(out.ID), nil
}

// InitMediaUpload opens a media session and checks the response is usable.
func (b *HTTPBackend) InitMediaUpload(ctx context.Context, req InitRequest) (*InitResponse, error) {
	var out InitResponse
	if err := b.post(ctx, "/media/init", req, &out); err != nil {
		return nil, fmt.Errorf("init media upload: %w", err)
	}
	if err := b.validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("init media upload: malformed response: %w", err)
	}
	if len(out.UploadURLs) != len(req.FileNames) {
		return nil, fmt.Errorf("init media upload: %d urls for %d files", len(out.UploadURLs), len(req.FileNames))
	}
	return &out, nil
}

// CompleteMediaProcessing reports which announced paths received data.
func (b *HTTPBackend) CompleteMediaProcessing(ctx context.Context, req CompleteRequest) error {
	if err := b.post(ctx, "/media/complete", req, nil); err != nil {
		return fmt.Errorf("complete media processing: %w", err)
	}
	return nil
}

type imagesResponse struct {
	URLs []string `json:"urls"`
}

type videoResponse struct {
	URL string `json:"url"`
}

// UploadImages posts files to /entities/{id}/images and returns their public URLs.
func (b *HTTPBackend) UploadImages(ctx context.Context, entityID string, files []UploadFile, progress func(float64)) ([]string, error) {
	body, err := b.client.PostMultipart(ctx, b.entityURL(entityID, "images"), "images", files, progress)
	if err != nil {
		return nil, err
	}
	var out imagesResponse
	if err := b.enc.Decode(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(out.URLs) != len(files) {
		return nil, fmt.Errorf("upload images: %d urls for %d files", len(out.URLs), len(files))
	}
	return out.URLs, nil
}

// UploadVideo posts one file to /entities/{id}/video and returns its public URL.
func (b *HTTPBackend) UploadVideo(ctx context.Context, entityID string, file UploadFile, progress func(float64)) (string, error) {
	body, err := b.client.PostMultipart(ctx, b.entityURL(entityID, "video"), "video", []UploadFile{file}, progress)
	if err != nil {
		return "", err
	}
	var out videoResponse
	if err := b.enc.Decode(body, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload video: response carries no url")
	}
	return out.URL, nil
}

func (b *HTTPBackend) entityURL(entityID, collection string) string {
	return b.baseURL + "/entities/" + url.PathEscape(entityID) + "/" + collection
}

func (b *HTTPBackend) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := b.enc.Encode(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := b.client.PostJSON(ctx, b.baseURL+endpoint, payload)
	if err != nil {
		return err
	}
	if result == nil || len(resp) == 0 {
		return nil
	}
	if err := b.enc.Decode(resp, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
