package runtime

import (
	"github.com/bytecodealliance/wasmtime-go/v14"
	"github.com/pkg/errors"
)

// DefaultMaxCapsuleSize is the largest capsule this validator accepts by
// default, in bytes.
const DefaultMaxCapsuleSize = 5 * 1024

// RequiredExports are the exported names every capsule module must provide.
var RequiredExports = []string{"run", "memory"}

// AllowedImportModules lists the module namespaces a capsule is permitted
// to import from.
var AllowedImportModules = []string{"env"}

// ValidatorConfig tunes how strict the validator is.
type ValidatorConfig struct {
	MaxSizeBytes          int
	StrictImports         bool
	RequireStandardExports bool
}

// DefaultValidatorConfig returns the strict, size-capped default profile.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxSizeBytes:           DefaultMaxCapsuleSize,
		StrictImports:          true,
		RequireStandardExports: true,
	}
}

// ValidationResult describes the outcome of validating one capsule.
type ValidationResult struct {
	IsValid  bool
	SizeBytes int
	SizeKB   float64
	Exports  []string
	Imports  []string
	Warnings []string
	Errors   []*Error
}

func successResult(size int, exports, imports []string, warnings []string) ValidationResult {
	return ValidationResult{
		IsValid:  true,
		SizeBytes: size,
		SizeKB:   float64(size) / 1024,
		Exports:  exports,
		Imports:  imports,
		Warnings: warnings,
	}
}

func failureResult(size int, errs ...*Error) ValidationResult {
	return ValidationResult{
		IsValid:  false,
		SizeBytes: size,
		SizeKB:   float64(size) / 1024,
		Errors:   errs,
	}
}

// Validator checks a capsule's size, structure, exports, and imports before
// it is ever handed to the sandbox.
type Validator struct {
	config ValidatorConfig
	engine *wasmtime.Engine
}

// NewValidator constructs a Validator with cfg. A single wasmtime.Engine is
// reused across Validate calls; engines are safe for concurrent use.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{config: cfg, engine: wasmtime.NewEngine()}
}

// Validate inspects a capsule's raw bytes and reports whether it may be
// executed.
func (v *Validator) Validate(capsule Capsule) ValidationResult {
	size := len(capsule.Bytes)
	if size > v.config.MaxSizeBytes {
		return failureResult(size, newError(ErrSizeExceeded,
			errors.Errorf("capsule size %d exceeds max %d", size, v.config.MaxSizeBytes).Error()))
	}

	var warnings []string
	if size > v.config.MaxSizeBytes*80/100 {
		warnings = append(warnings, "capsule size is within 20% of the configured maximum")
	}

	module, err := wasmtime.NewModule(v.engine, capsule.Bytes)
	if err != nil {
		return failureResult(size, wrapError(ErrCompilationFailed, "module failed to compile", err))
	}

	exports := exportNames(module)
	imports := importNames(module)

	var errs []*Error
	if v.config.RequireStandardExports {
		for _, required := range RequiredExports {
			if !contains(exports, required) {
				errs = append(errs, newError(ErrMissingExport, "missing required export: "+required))
			}
		}
	}
	if v.config.StrictImports {
		for _, imp := range module.Imports() {
			if !importModuleAllowed(imp.Module()) {
				errs = append(errs, newError(ErrUnauthorizedImport, "unauthorized import module: "+imp.Module()))
			}
		}
	}

	if len(errs) > 0 {
		r := failureResult(size, errs...)
		r.Warnings = warnings
		return r
	}

	r := successResult(size, exports, imports, warnings)
	return r
}

func exportNames(m *wasmtime.Module) []string {
	names := make([]string, 0, len(m.Exports()))
	for _, e := range m.Exports() {
		names = append(names, e.Name())
	}
	return names
}

func importNames(m *wasmtime.Module) []string {
	names := make([]string, 0, len(m.Imports()))
	for _, i := range m.Imports() {
		names = append(names, i.Module()+"::"+i.Name())
	}
	return names
}

func importModuleAllowed(module string) bool {
	return contains(AllowedImportModules, module)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
