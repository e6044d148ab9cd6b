package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/models"

	"github.com/gabriel-vasile/mimetype"
)

// File is downloaded media ready for upload.
type File struct {
	Data     []byte
	MIMEType string
	FileName string
	Size     int64
}

// Fetcher downloads outbound media referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, mediaURL string) (*File, error)
}

type fetcher struct {
	config     models.MediaConfig
	httpClient *http.Client
	lookup     hostResolver
}

func NewFetcher(config models.MediaConfig) Fetcher {
	timeout := time.Duration(config.DownloadTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultMediaDownloadTimeoutSec * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.AllowPrivateHosts {
		dialer := &net.Dialer{Timeout: timeout, Control: refuseInternal}
		transport.DialContext = dialer.DialContext
	}
	return NewFetcherWithClient(config, &http.Client{Timeout: timeout, Transport: transport})
}

func NewFetcherWithClient(config models.MediaConfig, httpClient *http.Client) Fetcher {
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = constants.DefaultMediaMaxSizeMB
	}
	if len(config.AllowedMIMEPrefix) == 0 {
		config.AllowedMIMEPrefix = constants.DefaultAllowedMediaPrefixes
	}
	f := &fetcher{
		config: config,
		lookup: defaultResolver,
	}
	// every redirect hop gets the same host check as the first URL
	client := *httpClient
	client.CheckRedirect = f.checkRedirect
	f.httpClient = &client
	return f
}

func (f *fetcher) maxBytes() int64 {
	return int64(f.config.MaxSizeMB) * 1024 * 1024
}

func (f *fetcher) Fetch(ctx context.Context, mediaURL string) (*File, error) {
	if err := f.validateDownloadURL(ctx, mediaURL); err != nil {
		return nil, appErrors.NewMediaError("validate", mediaURL, err)
	}

	data, header, err := f.download(ctx, mediaURL)
	if err != nil {
		return nil, appErrors.NewMediaError("download", mediaURL, err)
	}

	mimeType := detectMIME(data, header)
	if !f.allowed(mimeType) {
		return nil, appErrors.NewMediaError("validate", mediaURL, fmt.Errorf("media type %s not allowed", mimeType))
	}

	return &File{
		Data:     data,
		MIMEType: mimeType,
		FileName: fileName(mediaURL, mimeType),
		Size:     int64(len(data)),
	}, nil
}

func (f *fetcher) download(ctx context.Context, mediaURL string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes() {
		return nil, nil, fmt.Errorf("file size %d exceeds limit of %dMB", resp.ContentLength, f.config.MaxSizeMB)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes()+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read downloaded file: %w", err)
	}
	if int64(len(data)) > f.maxBytes() {
		return nil, nil, fmt.Errorf("file exceeds limit of %dMB", f.config.MaxSizeMB)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("downloaded file is empty")
	}
	return data, resp.Header, nil
}

// detectMIME sniffs the content and only trusts the Content-Type header
// when sniffing is inconclusive.
func detectMIME(data []byte, header http.Header) string {
	detected := mimetype.Detect(data)
	if !detected.Is("application/octet-stream") {
		return baseType(detected.String())
	}
	if ct := header.Get("Content-Type"); ct != "" {
		return baseType(ct)
	}
	return "application/octet-stream"
}

func baseType(contentType string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func (f *fetcher) allowed(mimeType string) bool {
	for _, prefix := range f.config.AllowedMIMEPrefix {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// fileName takes the last URL path segment and makes sure it carries an
// extension for the detected type.
func fileName(mediaURL, mimeType string) string {
	name := "attachment"
	if u, err := url.Parse(mediaURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	if path.Ext(name) == "" {
		if m := mimetype.Lookup(mimeType); m != nil {
			name += m.Extension()
		}
	}
	return name
}

// MessageKind maps a MIME type to the normalized message type of its upload.
func MessageKind(mimeType string) models.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MessageTypeAudio
	default:
		return models.MessageTypeFile
	}
}
