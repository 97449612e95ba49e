package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UploadType routes files of one upload type to their clean and quarantine
// buckets.
type UploadType struct {
	CleanBucket      string `yaml:"cleanBucket"`
	QuarantineBucket string `yaml:"quarantineBucket"`
	UpdateURL        string `yaml:"updateUrl"`
}

func (u UploadType) validate() error {
	var errs []error
	if u.CleanBucket == "" {
		errs = append(errs, errors.New("cleanBucket is required"))
	}
	if u.QuarantineBucket == "" {
		errs = append(errs, errors.New("quarantineBucket is required"))
	}
	return errors.Join(errs...)
}

// loadUploadTypes reads VAULTSCAN_UPLOAD_TYPES_FILE when set, otherwise builds
// the submission and asset types from per-bucket variables.
func loadUploadTypes() (map[string]UploadType, error) {
	if path := readEnv("VAULTSCAN_UPLOAD_TYPES_FILE", ""); path != "" {
		return ReadUploadTypes(path)
	}
	return map[string]UploadType{
		"submission": {
			CleanBucket:      readEnv("VAULTSCAN_SUBMISSION_CLEAN_BUCKET", ""),
			QuarantineBucket: readEnv("VAULTSCAN_SUBMISSION_QUARANTINE_BUCKET", ""),
			UpdateURL:        readEnv("VAULTSCAN_SUBMISSION_UPDATE_URL", ""),
		},
		"asset": {
			CleanBucket:      readEnv("VAULTSCAN_ASSET_CLEAN_BUCKET", ""),
			QuarantineBucket: readEnv("VAULTSCAN_ASSET_QUARANTINE_BUCKET", ""),
			UpdateURL:        readEnv("VAULTSCAN_ASSET_UPDATE_URL", ""),
		},
	}, nil
}

// ReadUploadTypes parses a YAML document keyed by upload type name:
//
//	submission:
//	  cleanBucket: submissions-clean
//	  quarantineBucket: submissions-quarantine
//	  updateUrl: https://api.example.com/v5/submissions
func ReadUploadTypes(path string) (map[string]UploadType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload types: %w", err)
	}
	var types map[string]UploadType
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("parse upload types %s: %w", path, err)
	}
	return types, nil
}
