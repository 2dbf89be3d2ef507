package app

import (
	"fmt"

	"sqllab/internal/config"
	"sqllab/internal/hooks"
	"sqllab/internal/results"
	"sqllab/internal/service/sqllab"
)

// Options translates the loaded configuration into pipeline options,
// loading the Starlark hook modules it names.
func Options(cfg *config.Config) (sqllab.Options, error) {
	s := cfg.SQLLab
	opts := sqllab.Options{
		Timeout:             s.Timeout(),
		AsyncTimeLimit:      s.AsyncTimeLimit(),
		AbandonGrace:        s.AbandonGrace(),
		CTASNoLimit:         s.CTASNoLimit,
		DisplayMaxRow:       s.DisplayMaxRow,
		SQLMaxRow:           s.SQLMaxRow,
		TemplateProcessing:  s.TemplateProcessing,
		ExpandData:          s.ExpandData,
		BackendPersistence:  s.BackendPersistence,
		ResultsTTL:          cfg.Results.TTL(),
		DisallowedFunctions: s.DisallowedFunctions,
	}

	if s.CTASSchemaNameFunc != "" {
		m, err := loadHook(s.CTASSchemaNameFunc, hooks.CTASSchemaNameFunc)
		if err != nil {
			return opts, err
		}
		opts.CTASSchemaName = m.CTASSchemaName
	}
	if s.TrackingURLTransformer != "" {
		m, err := loadHook(s.TrackingURLTransformer, hooks.TransformFunc)
		if err != nil {
			return opts, err
		}
		opts.TrackingURLTransformer = m.TransformTrackingURL
	}
	return opts, nil
}

func loadHook(path, fn string) (*hooks.Module, error) {
	m, err := hooks.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load hook %s: %w", path, err)
	}
	if !m.Has(fn) {
		return nil, fmt.Errorf("hook %s does not define %s()", path, fn)
	}
	return m, nil
}

// ResultsConfig translates the loaded configuration into the results
// backend factory config.
func ResultsConfig(cfg *config.Config) results.Config {
	return results.Config{
		Kind:       cfg.Results.Backend,
		TTL:        cfg.Results.TTL(),
		Compress:   cfg.Results.Compress,
		MemorySize: cfg.Results.MemorySize,
		RedisAddr:  cfg.RedisAddr,
		Blob: results.BlobConfig{
			Endpoint:     deref(cfg.S3Endpoint),
			Region:       deref(cfg.S3Region),
			KeyID:        deref(cfg.S3KeyID),
			Secret:       deref(cfg.S3Secret),
			Bucket:       deref(cfg.S3Bucket),
			UseSSL:       cfg.Results.UseSSL,
			PathStyle:    cfg.Results.PathStyle,
			GCSKeyFile:   cfg.Results.GCSKeyFile,
			AzureAccount: cfg.Results.AzureAccount,
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
