package manifest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"
)

type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
	// URLTTL bounds the lifetime of presigned download links.
	URLTTL time.Duration
}

// S3Store uploads manifests to a bucket and returns presigned GET links.
type S3Store struct {
	cfg      S3Config
	client   *s3.S3
	uploader *s3manager.Uploader
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 manifest store needs a bucket")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	s3Config := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewEnvCredentials(),
	}
	if cfg.Endpoint != "" {
		s3Config.Endpoint = aws.String(cfg.Endpoint)
		s3Config.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(s3Config)
	if err != nil {
		return nil, fmt.Errorf("error making new session: %w", err)
	}
	return &S3Store{cfg: cfg, client: s3.New(sess), uploader: s3manager.NewUploader(sess)}, nil
}

func (s *S3Store) key(name string) string {
	if s.cfg.Prefix == "" {
		return name
	}
	return path.Join(s.cfg.Prefix, name)
}

// Put streams write's output straight into a multipart upload.
func (s *S3Store) Put(ctx context.Context, name, contentType string, write func(io.Writer) error) (Stored, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{}
	go func() {
		buffered := bufio.NewWriterSize(pw, 1<<20)
		counter.writer = buffered
		err := write(counter)
		if err == nil {
			err = buffered.Flush()
		}
		pw.CloseWithError(err)
	}()

	start := time.Now()
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(name)),
		Body:        pr,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		// unblock the writer goroutine if the upload gave up early
		_ = pr.CloseWithError(err)
		return Stored{}, fmt.Errorf("error uploading to s3: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("fileName", name).
		Dur("duration", time.Since(start)).
		Msg("uploaded manifest to s3")
	return Stored{Name: name, ContentType: contentType, Size: counter.count}, nil
}

func (s *S3Store) DownloadURL(_ context.Context, name string) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	signed, err := req.Presign(s.cfg.URLTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", name, err)
	}
	return signed, nil
}
