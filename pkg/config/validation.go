package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus the rules
// that cannot be expressed declaratively.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	names := make(map[string]bool, len(cfg.Drives))
	for i, d := range cfg.Drives {
		if names[d.Name] {
			return fmt.Errorf("drives[%d]: duplicate drive name %q", i, d.Name)
		}
		names[d.Name] = true
	}

	if cfg.BlockSize%64 != 0 {
		return fmt.Errorf("blocksize: %d bytes is not a multiple of 64", cfg.BlockSize)
	}

	if len(cfg.Drives)+len(cfg.ParityPaths) > 256 {
		return fmt.Errorf("drives + parity levels exceed 256 (%d + %d)",
			len(cfg.Drives), len(cfg.ParityPaths))
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
