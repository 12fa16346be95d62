package mediaq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// DefaultURLExpiry is how long presigned upload URLs stay valid.
const DefaultURLExpiry = 15 * time.Minute

// S3Config describes the bucket media sessions write into.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is prepended to every object key.
	Prefix string
	// PathStyle addresses the bucket in the path instead of the host (MinIO, R2, tests).
	PathStyle bool
	URLExpiry time.Duration
}

// S3Session is a MediaSession that hands out presigned PUT URLs of an S3-compatible
// bucket and, on completion, verifies the uploaded objects and writes a manifest.
type S3Session struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	expiry  time.Duration
	enc     Encoder
	log     Logger
}

// NewS3Session creates a session for the bucket described by cfg with static credentials.
func NewS3Session(cfg S3Config, log Logger) (*S3Session, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("s3 session: configuration incomplete")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return newS3Session(s3.New(opts), cfg, log), nil
}

// NewS3SessionFromConfig creates a session from a loaded AWS config.
func NewS3SessionFromConfig(awsCfg aws.Config, cfg S3Config, log Logger) *S3Session {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Session(client, cfg, log)
}

func newS3Session(client *s3.Client, cfg S3Config, log Logger) *S3Session {
	if log == nil {
		log = NewFmtLogger()
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &S3Session{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		expiry:  expiry,
		enc:     &JSONEncoder{},
		log:     log,
	}
}

// InitMediaUpload presigns one PUT per announced file under <prefix>/<entity>/<session>/.
func (s *S3Session) InitMediaUpload(ctx context.Context, req InitRequest) (*InitResponse, error) {
	out := &InitResponse{SessionID: uuid.NewString()}
	for i, name := range req.FileNames {
		key := path.Join(s.prefix, req.EntityID, out.SessionID, fmt.Sprintf("%02d-%s", i, path.Base(name)))
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		if i < len(req.ContentTypes) && req.ContentTypes[i] != "" {
			in.ContentType = aws.String(req.ContentTypes[i])
		}
		signed, err := s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(s.expiry))
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		out.UploadURLs = append(out.UploadURLs, signed.URL)
		out.FilePaths = append(out.FilePaths, key)
	}
	s.log.Debugf("s3 session: opened session=%s entity=%s files=%d", out.SessionID, req.EntityID, len(out.FilePaths))
	return out, nil
}

type manifestFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type manifest struct {
	EntityID  string         `json:"entityId"`
	SessionID string         `json:"sessionId"`
	Success   bool           `json:"success"`
	Files     []manifestFile `json:"files"`
	Missing   []string       `json:"missing,omitempty"`
	WrittenAt time.Time      `json:"writtenAt"`
}

// CompleteMediaProcessing checks every reported path exists in the bucket and writes
// <prefix>/<entity>/<session>/manifest.json. Missing objects are reported as an error
// after the manifest is written.
func (s *S3Session) CompleteMediaProcessing(ctx context.Context, req CompleteRequest) error {
	m := manifest{EntityID: req.EntityID, SessionID: req.SessionID, Success: req.Success, WrittenAt: time.Now().UTC()}
	for _, p := range req.UploadedFilePaths {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(p)})
		if err != nil {
			var re *awshttp.ResponseError
			if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
				m.Missing = append(m.Missing, p)
				continue
			}
			return fmt.Errorf("head %s: %w", p, err)
		}
		m.Files = append(m.Files, manifestFile{Path: p, Size: aws.ToInt64(head.ContentLength)})
	}

	body, err := s.enc.Encode(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := path.Join(s.prefix, req.EntityID, req.SessionID, "manifest.json")
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if len(m.Missing) > 0 {
		return fmt.Errorf("s3 session %s: %d reported objects missing: %v", req.SessionID, len(m.Missing), m.Missing)
	}
	return nil
}
