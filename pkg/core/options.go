package core

// SaveOption is a function type for configuring Save operations.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type SaveOption func(*SaveOptions)

// SaveOptions contains configuration options for Save operations.
type SaveOptions struct {
	// UseCache routes the write through the cache. When false the profile
	// is written straight to the backend.
	UseCache bool

	// Immediate asks for the backend write to happen now rather than on the
	// next write-behind cycle. With async saving enabled the write is still
	// performed in the background, but a flush is requested right away.
	Immediate bool
}

// WithoutCache bypasses the write-behind cache for one Save.
//
// Example:
//
//	ok := service.Save(ctx, profile, core.WithoutCache())
func WithoutCache() SaveOption {
	return func(opts *SaveOptions) {
		opts.UseCache = false
	}
}

// Immediate asks for the profile to reach the backend without waiting for
// the write-behind interval.
//
// Example:
//
//	ok := service.Save(ctx, profile, core.Immediate())
func Immediate() SaveOption {
	return func(opts *SaveOptions) {
		opts.Immediate = true
	}
}

// ProgressFunc receives the number of owners processed so far and the total.
type ProgressFunc func(processed, total int)

// MigrateOption is a function type for configuring Migrate operations.
type MigrateOption func(*MigrateOptions)

// MigrateOptions contains configuration options for Migrate operations.
type MigrateOptions struct {
	// Progress is called every ProgressInterval owners and once at the end.
	Progress ProgressFunc

	// Concurrency bounds how many owners are loaded from the source at once.
	Concurrency int

	// BatchSize is the number of entries sent to the target per SaveBatch.
	BatchSize int
}

// WithProgress registers a progress callback for a migration.
//
// Example:
//
//	report, err := migrations.Migrate(ctx, core.BackendYAML, core.BackendSQLite,
//	    core.WithProgress(func(done, total int) {
//	        log.Printf("%d/%d owners", done, total)
//	    }))
func WithProgress(fn ProgressFunc) MigrateOption {
	return func(opts *MigrateOptions) {
		opts.Progress = fn
	}
}

// WithConcurrency overrides the configured migration concurrency.
func WithConcurrency(n int) MigrateOption {
	return func(opts *MigrateOptions) {
		opts.Concurrency = n
	}
}

// WithBatchSize overrides the configured migration batch size.
func WithBatchSize(n int) MigrateOption {
	return func(opts *MigrateOptions) {
		opts.BatchSize = n
	}
}

// applySaveOptions applies SaveOption functions and returns the resulting SaveOptions.
func applySaveOptions(opts []SaveOption) *SaveOptions {
	options := &SaveOptions{
		UseCache: true,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// applyMigrateOptions applies MigrateOption functions over the configured defaults.
func applyMigrateOptions(cfg MigrationConfig, opts []MigrateOption) *MigrateOptions {
	options := &MigrateOptions{
		Concurrency: cfg.Concurrency,
		BatchSize:   cfg.BatchSize,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 500
	}
	return options
}
