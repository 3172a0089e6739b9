package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"darwinup-go/internal/depot"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fetchURL downloads an http(s) source into downloadDir and returns the
// local path.
func fetchURL(source, downloadDir string) (string, error) {
	local := filepath.Join(downloadDir, filepath.Base(source))

	resp, err := http.Get(source)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", source, depot.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %s", source, resp.Status)
	}

	if err := writeLocal(local, resp.Body); err != nil {
		return "", err
	}
	return local, nil
}

// fetchUserHost copies an scp-style user@host:path source into downloadDir.
func fetchUserHost(source, downloadDir string) (string, error) {
	colon := strings.IndexByte(source, ':')
	local := filepath.Join(downloadDir, filepath.Base(source[colon+1:]))

	cmd := exec.Command("scp", "-q", source, local)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	return local, nil
}

// fetchS3 downloads an s3://bucket/key source into downloadDir using the
// ambient AWS configuration.
func fetchS3(source, downloadDir string) (string, error) {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" || u.Path == "" {
		return "", fmt.Errorf("invalid s3 source: %s", source)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	local := filepath.Join(downloadDir, filepath.Base(key))

	ctx := context.Background()
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	obj, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", source, err)
	}
	defer obj.Body.Close()

	if err := writeLocal(local, obj.Body); err != nil {
		return "", err
	}
	return local, nil
}

func writeLocal(local string, r io.Reader) error {
	out, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &depot.IOError{Path: local, Err: err}
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(local)
		return &depot.IOError{Path: local, Err: err}
	}
	if err := out.Close(); err != nil {
		return &depot.IOError{Path: local, Err: err}
	}
	return nil
}
