// S3-backed Home, grounded on github.com/aws/aws-sdk-go (v1), the object
// storage client declared in the retrieved aistore pack's go.mod. S3 is
// the shared-credential backend spec.md §4.2 describes: grant_access and
// revoke_access are no-ops there, access is managed out of band via IAM.
package cloudhome

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Home implements Home against a single S3 bucket+prefix, the
// shared-credential backend variant of spec.md §4.2.
type S3Home struct {
	client *s3.S3
	bucket string
	prefix string
}

// S3Config names the bucket/region/endpoint reference persisted in the
// device-local configuration (spec.md §6).
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for S3-compatible providers
}

func NewS3Home(cfg S3Config) (*S3Home, error) {
	sessOpts := session.Options{
		Config: aws.Config{Region: aws.String(cfg.Region)},
	}
	if cfg.Endpoint != "" {
		sessOpts.Config.Endpoint = aws.String(cfg.Endpoint)
		sessOpts.Config.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(sessOpts)
	if err != nil {
		return nil, fmt.Errorf("cloudhome: s3 session: %w", err)
	}
	return &S3Home{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (h *S3Home) key(path string) string {
	if h.prefix == "" {
		return path
	}
	return h.prefix + "/" + path
}

func (h *S3Home) Write(ctx context.Context, path string, data []byte) error {
	_, err := h.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrIO, path, err)
	}
	return nil
}

// WriteIfAbsent uses S3's conditional-write header (If-None-Match: *) to
// avoid racily overwriting an object two devices both try to create at the
// same sequence number, the S3 analogue of the teacher's etag-guarded
// massifs.MassifCommitter.CommitContext.
func (h *S3Home) WriteIfAbsent(ctx context.Context, path string, data []byte) error {
	_, err := h.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.bucket),
		Key:         aws.String(h.key(path)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "PreconditionFailed" || aerr.Code() == "412") {
			return ErrConflict
		}
		return fmt.Errorf("%w: put-if-absent %s: %v", ErrIO, path, err)
	}
	return nil
}

func (h *S3Home) Read(ctx context.Context, path string) ([]byte, error) {
	out, err := h.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(path)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrIO, path, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (h *S3Home) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, ErrRangeInvalid
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end-1)
	out, err := h.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(path)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey:
				return nil, ErrNotFound
			case "InvalidRange":
				return nil, ErrRangeInvalid
			}
		}
		return nil, fmt.Errorf("%w: get-range %s: %v", ErrIO, path, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (h *S3Home) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := h.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(h.key(prefix)),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			k := aws.StringValue(obj.Key)
			if h.prefix != "" {
				k = k[len(h.prefix)+1:]
			}
			out = append(out, k)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrIO, prefix, err)
	}
	return out, nil
}

func (h *S3Home) Delete(ctx context.Context, path string) error {
	_, err := h.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(path)),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrIO, path, err)
	}
	return nil
}

func (h *S3Home) Exists(ctx context.Context, path string) (bool, error) {
	_, err := h.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key(path)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, fmt.Errorf("%w: head %s: %v", ErrIO, path, err)
	}
	return true, nil
}

// GrantAccess/RevokeAccess are no-ops on shared-credential S3: every device
// already authenticates with the same IAM credentials (spec.md §4.2).
// GrantAccess returns a JoinInfo naming the backend and member; it grants
// nothing.
func (h *S3Home) GrantAccess(_ context.Context, memberID string) (JoinInfo, error) {
	return JoinInfo{Backend: "s3", Fields: map[string]string{"member": memberID}}, nil
}

func (h *S3Home) RevokeAccess(_ context.Context, _ string) error {
	return nil
}
