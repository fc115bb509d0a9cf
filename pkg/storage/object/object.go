// Package object abstracts where pipeline inputs and outputs live: plain
// filesystem paths or s3:// URIs. Event logs are streamed, never downloaded
// wholesale.
package object

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// IsRemote reports whether the path is an s3:// URI.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

func splitS3(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %w", uri, err)
	}
	if u.Host == "" || u.Path == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: missing bucket or key", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func newS3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Open returns a streaming reader for a local path or s3:// URI, together
// with the object size in bytes (-1 if unknown).
func Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if !IsRemote(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}

	bucket, key, err := splitS3(path)
	if err != nil {
		return nil, 0, err
	}
	client, err := newS3Client(ctx)
	if err != nil {
		return nil, 0, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 get %s: %w", path, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Put uploads a local file to an s3:// URI. It is the final step of a stage
// that targets remote output; the local file stays in place as the staged
// artifact.
func Put(ctx context.Context, localPath, remoteURI string) error {
	bucket, key, err := splitS3(remoteURI)
	if err != nil {
		return err
	}
	client, err := newS3Client(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", remoteURI, err)
	}
	return nil
}

// Exists reports whether a local path or s3:// URI refers to an existing
// object. Used by the orchestrator to validate skip flags.
func Exists(ctx context.Context, path string) (bool, error) {
	if !IsRemote(path) {
		_, err := os.Stat(path)
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	bucket, key, err := splitS3(path)
	if err != nil {
		return false, err
	}
	client, err := newS3Client(ctx)
	if err != nil {
		return false, err
	}
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// HeadObject errors for missing keys; real access errors surface
		// later when the stage opens the object.
		return false, nil
	}
	return true, nil
}
