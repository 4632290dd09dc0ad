package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural and semantic errors.
//
// Struct tags cover field-level rules (required fields, enum values, port
// ranges); cross-field rules that tags cannot express are checked here.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				return fmt.Errorf("invalid value for %s: failed %q constraint", fe.Namespace(), fe.Tag())
			}
		}
		return err
	}

	if cfg.Batch.MinSize > cfg.Batch.MaxSize {
		return fmt.Errorf("batch.min_size (%d) must not exceed batch.max_size (%d)",
			cfg.Batch.MinSize, cfg.Batch.MaxSize)
	}
	if cfg.Batch.DefaultSize < cfg.Batch.MinSize || cfg.Batch.DefaultSize > cfg.Batch.MaxSize {
		return fmt.Errorf("batch.default_size (%d) must be within [%d, %d]",
			cfg.Batch.DefaultSize, cfg.Batch.MinSize, cfg.Batch.MaxSize)
	}
	if cfg.Dictionary.MinSamples > cfg.Dictionary.MaxSamples {
		return fmt.Errorf("dictionary.min_samples (%d) must not exceed dictionary.max_samples (%d)",
			cfg.Dictionary.MinSamples, cfg.Dictionary.MaxSamples)
	}
	if cfg.Upload.PartSize > cfg.Upload.MultipartThreshold {
		return fmt.Errorf("upload.part_size (%s) must not exceed upload.multipart_threshold (%s)",
			cfg.Upload.PartSize, cfg.Upload.MultipartThreshold)
	}
	if cfg.Watcher.StablePollInterval > cfg.Watcher.StableTimeout {
		return fmt.Errorf("watcher.stable_poll_interval (%s) must not exceed watcher.stable_timeout (%s)",
			cfg.Watcher.StablePollInterval, cfg.Watcher.StableTimeout)
	}

	return nil
}
