package model

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/agentloop/core"
)

const (
	// MaxImageBytes caps inline and fetched image payloads.
	MaxImageBytes     = 20 * 1024 * 1024
	imageFetchTimeout = 30 * time.Second
)

// ImageHTTPClient is used to fetch http(s) image references.
var ImageHTTPClient = http.DefaultClient

type localImagesKey struct{}

// WithLocalImages permits ResolveImage to read file:// image references
// under ctx. Only enable it when the image URLs come from a trusted caller:
// any path readable by the process can be attached to a prompt.
func WithLocalImages(ctx context.Context) context.Context {
	return context.WithValue(ctx, localImagesKey{}, true)
}

func localImagesAllowed(ctx context.Context) bool {
	ok, _ := ctx.Value(localImagesKey{}).(bool)
	return ok
}

// ResolveImage returns the raw bytes and MIME type of an image part. Inline
// data is returned as is; data: and http(s):// URLs are decoded or fetched.
// file:// URLs are read only when ctx was prepared with WithLocalImages.
func ResolveImage(ctx context.Context, img core.ImagePart) ([]byte, string, error) {
	if img.IsInline() {
		if len(img.Data) > MaxImageBytes {
			return nil, "", fmt.Errorf("image too large (%d bytes)", len(img.Data))
		}
		return img.Data, NormalizeMimeType(img.MimeType, ""), nil
	}

	ref := strings.TrimSpace(img.URL)
	switch {
	case ref == "":
		return nil, "", fmt.Errorf("image has neither data nor url")
	case strings.HasPrefix(ref, "data:"):
		data, mimeType, err := DecodeDataURL(ref)
		if err != nil {
			return nil, "", err
		}
		if img.MimeType != "" {
			mimeType = img.MimeType
		}
		return data, NormalizeMimeType(mimeType, ""), nil
	case strings.HasPrefix(ref, "file://"):
		if !localImagesAllowed(ctx) {
			return nil, "", core.NewConfigurationError("", "local image files are not enabled: %s", ref)
		}
		return readImageFile(strings.TrimPrefix(ref, "file://"), img.MimeType)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return fetchImage(ctx, ref, img.MimeType)
	default:
		return nil, "", fmt.Errorf("unsupported image url scheme: %s", ref)
	}
}

// DecodeDataURL decodes a base64 data: URL.
func DecodeDataURL(ref string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data url")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("data url must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, "", fmt.Errorf("image too large (%d bytes)", len(data))
	}
	return data, strings.TrimSuffix(header, ";base64"), nil
}

// DataURL encodes bytes as a base64 data: URL.
func DataURL(data []byte, mimeType string) string {
	return "data:" + NormalizeMimeType(mimeType, "") + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func readImageFile(path, mimeType string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("stat image: %w", err)
	}
	if info.Size() > MaxImageBytes {
		return nil, "", fmt.Errorf("image too large (%d bytes)", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, NormalizeMimeType(mimeType, path), nil
}

func fetchImage(ctx context.Context, ref, mimeType string) ([]byte, string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, imageFetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := ImageHTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", fmt.Errorf("fetch image returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxImageBytes {
		return nil, "", fmt.Errorf("image too large (%d bytes)", resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, "", fmt.Errorf("image too large (> %d bytes)", MaxImageBytes)
	}

	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if u, err := url.Parse(ref); err == nil && !strings.HasPrefix(mimeType, "image/") {
		mimeType = NormalizeMimeType("", u.Path)
	}

	return data, NormalizeMimeType(mimeType, ""), nil
}

// NormalizeMimeType strips parameters and falls back to the file extension,
// then to image/png.
func NormalizeMimeType(mimeType, path string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil && mt != "" {
		return strings.ToLower(mt)
	}
	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".gif":
			return "image/gif"
		case ".webp":
			return "image/webp"
		case ".png":
			return "image/png"
		}
	}
	return "image/png"
}
