// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates smartedit configuration.
//
// Configuration is a YAML file, usually <project>/.smartedit/smartedit.yaml.
// Every field is optional; missing fields keep the values of Default.
// Durations are written as Go duration strings ("30s", "2m").
//
//	project_root: /home/me/src/app
//	ignored_paths: ["build/", "*.gen.go"]
//	log:
//	  level: debug
//	scheduler:
//	  tool_timeout: 2m
//	languages:
//	  python:
//	    command: pylsp
//	    extensions: [".py", ".pyi"]
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/smartedit/pkg/logging"
	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

// FileName is the configuration file looked up inside DirName.
const FileName = "smartedit.yaml"

// DirName is the per-project state directory. It also holds the symbol
// cache and is always ignored.
const DirName = ".smartedit"

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the full smartedit configuration.
type Config struct {
	// ProjectRoot is the directory all relative paths resolve against.
	ProjectRoot string `yaml:"project_root" validate:"required,dir"`

	// IgnoredPaths are extra gitignore-style patterns.
	IgnoredPaths []string `yaml:"ignored_paths,omitempty"`

	// SkipGitignore stops the root .gitignore from being applied.
	SkipGitignore bool `yaml:"skip_gitignore,omitempty"`

	Log       LogConfig                 `yaml:"log"`
	LSP       LSPConfig                 `yaml:"lsp"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Cache     CacheConfig               `yaml:"cache"`
	Watch     WatchConfig               `yaml:"watch"`
	Languages map[string]LanguageConfig `yaml:"languages,omitempty" validate:"dive"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"loglevel"`
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir,omitempty"`
}

// LSPConfig holds language server timing.
type LSPConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`
	StartupProbe   time.Duration `yaml:"startup_probe" validate:"gte=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gte=0"`

	// IdleTimeout shuts down unused servers. Zero keeps them running.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// SchedulerConfig bounds tool-level operations.
type SchedulerConfig struct {
	ToolTimeout time.Duration `yaml:"tool_timeout" validate:"gt=0"`
}

// CacheConfig configures the document symbol cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir defaults to <project>/.smartedit/cache.
	Dir string `yaml:"dir,omitempty"`

	InMemory bool `yaml:"in_memory,omitempty"`

	// TTL expires entries. Zero keeps them until invalidated.
	TTL time.Duration `yaml:"ttl,omitempty" validate:"gte=0"`
}

// WatchConfig configures external change detection.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// LanguageConfig overrides the command of one language server. A language
// id that is not built in is added as a new language.
type LanguageConfig struct {
	Command    string   `yaml:"command" validate:"required"`
	Args       []string `yaml:"args,omitempty"`
	Env        []string `yaml:"env,omitempty"`
	Extensions []string `yaml:"extensions,omitempty" validate:"dive,startswith=."`
}

// Default returns the built-in configuration without a project root.
func Default() Config {
	process := lsp.DefaultProcessConfig()
	manager := lsp.DefaultManagerConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		LSP: LSPConfig{
			RequestTimeout: process.RequestTimeout,
			StartupTimeout: manager.StartupTimeout,
			StartupProbe:   process.StartupProbe,
			ShutdownGrace:  process.ShutdownGrace,
			IdleTimeout:    manager.IdleTimeout,
		},
		Scheduler: SchedulerConfig{ToolTimeout: 4 * time.Minute},
		Cache:     CacheConfig{Enabled: true},
		Watch:     WatchConfig{Enabled: true, Debounce: 100 * time.Millisecond},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the YAML file at path over Default and validates the result.
//
// Description:
//
//	A relative project_root is resolved against the project directory
//	when the file lives in .smartedit/, else against the file's own
//	directory. Unknown keys are rejected.
//
// Errors:
//
//	error - unreadable file, invalid YAML, or failed validation
func Load(path string) (Config, error) {
	return LoadFile(path, "")
}

// LoadFile is Load with the project root replaced by root when root is
// not empty.
func LoadFile(path, root string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return cfg, err
	}
	if root != "" {
		if cfg.ProjectRoot, err = filepath.Abs(root); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadForProject loads <root>/.smartedit/smartedit.yaml when it exists
// and falls back to Default. The project root is always root.
func LoadForProject(root string) (Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	path := filepath.Join(abs, DirName, FileName)
	if _, err := os.Stat(path); err == nil {
		if cfg, err = load(path); err != nil {
			return cfg, err
		}
	}
	cfg.ProjectRoot = abs
	return cfg, cfg.Validate()
}

func load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ProjectRoot != "" {
		if !filepath.IsAbs(cfg.ProjectRoot) {
			cfg.ProjectRoot = filepath.Join(baseDir(path), cfg.ProjectRoot)
		}
		cfg.ProjectRoot = filepath.Clean(cfg.ProjectRoot)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fieldRule(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// baseDir is the directory a relative project_root is resolved against:
// the parent of DirName for a project file, else the file's directory.
func baseDir(path string) string {
	dir := filepath.Dir(path)
	if filepath.Base(dir) == DirName {
		return filepath.Dir(dir)
	}
	return dir
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// ManagerConfig converts the LSP section.
func (c Config) ManagerConfig() lsp.ManagerConfig {
	return lsp.ManagerConfig{
		IdleTimeout:    c.LSP.IdleTimeout,
		StartupTimeout: c.LSP.StartupTimeout,
		Process: lsp.ProcessConfig{
			StartupProbe:   c.LSP.StartupProbe,
			ShutdownGrace:  c.LSP.ShutdownGrace,
			RequestTimeout: c.LSP.RequestTimeout,
		},
	}
}

// Registry returns the default language registry with the configured
// overrides applied. An override keeps the readiness and capabilities of
// the built-in language it replaces.
func (c Config) Registry() *lsp.Registry {
	reg := lsp.NewRegistry()
	for id, lc := range c.Languages {
		lang, ok := reg.Get(id)
		if !ok {
			lang = lsp.Language{ID: id}
		}
		if len(lc.Extensions) > 0 {
			lang.Extensions = lc.Extensions
		}
		lang.ResolveCommand = fixedCommand(lc)
		reg.Register(lang)
	}
	return reg
}

func fixedCommand(lc LanguageConfig) lsp.CommandResolver {
	return func(string) (lsp.Command, error) {
		return lsp.Command{Path: lc.Command, Args: lc.Args, Env: lc.Env}, nil
	}
}

// LoggingConfig converts the log section.
func (c Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		Format:  logging.Format(c.Log.Format),
		LogDir:  c.Log.Dir,
		Service: "smartedit",
	}
}

// CacheDir returns the symbol cache directory.
func (c Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	return filepath.Join(c.ProjectRoot, DirName, "cache")
}
