package manifest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Stored describes a manifest file persisted by a Store.
type Stored struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store persists rendered manifests and hands out download links for them.
type Store interface {
	Put(ctx context.Context, name, contentType string, write func(io.Writer) error) (Stored, error)
	DownloadURL(ctx context.Context, name string) (string, error)
}

var ErrFileNotFound = errors.New("manifest file not found")

// LocalStore keeps manifests in a directory and serves them behind signed,
// short-lived tokens.
type LocalStore struct {
	dir    string
	signer *Signer
	now    func() time.Time
}

func NewLocalStore(dir string, signer *Signer) *LocalStore {
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "imgexplorer-manifests")
	}
	if signer == nil {
		signer = NewSigner("", 0)
	}
	return &LocalStore{dir: filepath.Clean(dir), signer: signer, now: time.Now}
}

func (l *LocalStore) Put(ctx context.Context, name, contentType string, write func(io.Writer) error) (Stored, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Stored{}, fmt.Errorf("ensure manifest directory: %w", err)
	}
	tempFile, err := os.CreateTemp(l.dir, name+"-*.tmp")
	if err != nil {
		return Stored{}, fmt.Errorf("create temp manifest file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriterSize(tempFile, 1<<20)
	counter := &countingWriter{writer: buffered}
	if err := write(counter); err != nil {
		return Stored{}, err
	}
	if err := buffered.Flush(); err != nil {
		return Stored{}, fmt.Errorf("flush manifest file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return Stored{}, fmt.Errorf("sync manifest file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Stored{}, fmt.Errorf("close manifest file: %w", err)
	}
	finalPath := filepath.Join(l.dir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Stored{}, fmt.Errorf("promote manifest file: %w", err)
	}
	cleanup = false
	zerolog.Ctx(ctx).Debug().Str("path", finalPath).Int64("bytes", counter.count).Msg("stored manifest")
	return Stored{Name: name, ContentType: contentType, Size: counter.count}, nil
}

func (l *LocalStore) DownloadURL(_ context.Context, name string) (string, error) {
	values := url.Values{}
	values.Set("token", l.signer.Sign(name, l.now()))
	return fmt.Sprintf("/manifest/files/%s?%s", url.PathEscape(name), values.Encode()), nil
}

// Open verifies token and opens the named manifest for streaming.
func (l *LocalStore) Open(name, token string) (*os.File, error) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return nil, ErrFileNotFound
	}
	if err := l.signer.Verify(name, token, l.now()); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("open manifest file: %w", err)
	}
	return f, nil
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
