package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/types"
)

// Store opens artifact documents by name.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// artifactExtensions are tried in order when a name has no extension.
var artifactExtensions = []string{".yaml", ".yml", ".json"}

func candidates(name string) []string {
	if filepath.Ext(name) != "" {
		return []string{name}
	}
	out := make([]string, 0, len(artifactExtensions))
	for _, ext := range artifactExtensions {
		out = append(out, name+ext)
	}
	return out
}

// FileStore reads artifacts from a local directory.
type FileStore struct {
	Dir string
}

// Open returns the first existing file for name.
func (s FileStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	for _, candidate := range candidates(name) {
		f, err := os.Open(filepath.Join(s.Dir, candidate))
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open artifact %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("artifact %s not found in %s: %w", name, s.Dir, os.ErrNotExist)
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads artifacts from an S3 bucket under an optional prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds a store from the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Open fetches the first existing object for name.
func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	var lastErr error
	for _, candidate := range candidates(name) {
		key := candidate
		if s.prefix != "" {
			key = path.Join(s.prefix, candidate)
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err == nil {
			return out.Body, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("artifact %s not found in s3://%s/%s: %w", name, s.bucket, s.prefix, lastErr)
}

// Load opens and decodes one artifact, checking it belongs to domain.
func Load(ctx context.Context, store Store, name string, domain types.Domain) (*Classifier, error) {
	rc, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	c, err := Decode(rc)
	if err != nil {
		return nil, err
	}
	if c.Domain != domain {
		return nil, fmt.Errorf("%w: %s is a %s artifact, want %s", ErrArtifactInvalid, name, c.Domain, domain)
	}
	if c.Name == "" {
		c.Name = name
	}
	return c, nil
}

// Set holds one classifier per domain. A missing entry means the domain
// runs on signatures only.
type Set map[types.Domain]*Classifier

// Loaded reports artifact presence per domain.
func (s Set) Loaded() map[types.Domain]bool {
	out := make(map[types.Domain]bool, len(types.Domains()))
	for _, d := range types.Domains() {
		out[d] = s[d] != nil
	}
	return out
}

// LoadSet loads the named artifact of every domain. Failures are logged
// once and leave that domain degraded.
func LoadSet(ctx context.Context, store Store, names map[types.Domain]string, log *logrus.Logger) Set {
	set := make(Set, len(names))
	for _, domain := range types.Domains() {
		name, ok := names[domain]
		if !ok || name == "" {
			log.WithField("domain", domain).Warn("No classifier artifact configured, signatures only")
			continue
		}
		c, err := Load(ctx, store, name, domain)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"domain": domain, "artifact": name}).
				Warn("Classifier artifact unavailable, signatures only")
			continue
		}
		set[domain] = c
		log.WithFields(logrus.Fields{"domain": domain, "artifact": c.Name}).Info("Classifier artifact loaded")
	}
	return set
}
