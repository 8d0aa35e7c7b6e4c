package detection

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/classifier"
	"github.com/invisible-tech/tiered-ids/internal/config"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

// ModelStore returns the artifact store selected by cfg.ModelSource.
func ModelStore(ctx context.Context, cfg config.DetectionConfig) (classifier.Store, error) {
	switch cfg.ModelSource {
	case config.ModelSourceFile, "":
		return classifier.FileStore{Dir: cfg.ModelDir}, nil
	case config.ModelSourceS3:
		if cfg.ModelBucket == "" {
			return nil, fmt.Errorf("MODEL_S3_BUCKET is required for model source %q", cfg.ModelSource)
		}
		return classifier.NewS3Store(ctx, cfg.ModelBucket, cfg.ModelPrefix, cfg.AWSRegion)
	}
	return nil, fmt.Errorf("unknown model source %q", cfg.ModelSource)
}

// ModelNames maps each domain to its configured artifact name.
func ModelNames(cfg config.DetectionConfig) map[types.Domain]string {
	return map[types.Domain]string{
		types.DomainWeb:   cfg.WebModel,
		types.DomainDB:    cfg.DBModel,
		types.DomainEmail: cfg.EmailModel,
	}
}

// FromConfig loads the configured classifiers and builds a detector. Missing
// artifacts degrade their domain to signatures only; only an unusable store
// configuration is an error.
func FromConfig(ctx context.Context, cfg config.DetectionConfig, log *logrus.Logger) (*Detector, error) {
	store, err := ModelStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	models := classifier.LoadSet(ctx, store, ModelNames(cfg), log)
	return NewDetector(NewSignatures(), models, log), nil
}
