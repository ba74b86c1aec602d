// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project gives path-checked access to the files of one project
// root.
//
// Every relative path handed to the rest of the system passes through
// ValidateRelativePath: it must stay inside the root and must not be
// ignored by .gitignore, the configured patterns, or the defaults.
package project

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

// MaxFileSize bounds the files ReadFile will load.
const MaxFileSize = 10 * 1024 * 1024

var (
	// ErrOutsideRoot indicates a path that escapes the project root.
	ErrOutsideRoot = errors.New("path is outside the project root")

	// ErrIgnored indicates a path excluded by ignore rules.
	ErrIgnored = errors.New("path is ignored")

	// ErrTooLarge indicates a file above MaxFileSize.
	ErrTooLarge = errors.New("file too large")
)

// DefaultIgnores are always applied on top of .gitignore.
var DefaultIgnores = []string{
	".git/",
	".smartedit/",
	"node_modules/",
	"__pycache__/",
	".venv/",
	".idea/",
	"*.swp",
}

// Options configures a Project.
type Options struct {
	// IgnoredPaths are extra gitignore-style patterns.
	IgnoredPaths []string

	// SkipGitignore disables reading <root>/.gitignore.
	SkipGitignore bool

	// Registry maps files to languages. Nil uses lsp.NewRegistry().
	Registry *lsp.Registry
}

// Project is a validated view of one project directory.
//
// Thread Safety:
//
//	Safe for concurrent use. Ignore rules are fixed at construction.
type Project struct {
	root     string
	ignore   *ignore.GitIgnore
	registry *lsp.Registry
}

// New opens the project rooted at root.
//
// Inputs:
//
//	root - Project directory. Made absolute.
//	opts - Ignore rules and language registry.
//
// Outputs:
//
//	*Project - The project.
//	error - Non-nil if root is not a directory or .gitignore is unreadable.
func New(root string, opts Options) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", abs)
	}

	patterns := append([]string(nil), DefaultIgnores...)
	if !opts.SkipGitignore {
		lines, err := readIgnoreFile(filepath.Join(abs, ".gitignore"))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, lines...)
	}
	patterns = append(patterns, opts.IgnoredPaths...)

	registry := opts.Registry
	if registry == nil {
		registry = lsp.NewRegistry()
	}

	return &Project{
		root:     abs,
		ignore:   ignore.CompileIgnoreLines(patterns...),
		registry: registry,
	}, nil
}

// readIgnoreFile returns the patterns of a gitignore file, or none if it
// does not exist.
func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, sc.Err()
}

// Root returns the absolute project root.
func (p *Project) Root() string { return p.root }

// RootPath is Root under the name the symbol retriever expects.
func (p *Project) RootPath() string { return p.root }

// Registry returns the language registry.
func (p *Project) Registry() *lsp.Registry { return p.registry }

// =============================================================================
// PATHS
// =============================================================================

// ValidateRelativePath checks that relPath stays inside the root and is
// not ignored.
//
// Errors:
//
//	ErrOutsideRoot - absolute, or escapes the root via ".."
//	ErrIgnored - matched by an ignore rule
func (p *Project) ValidateRelativePath(relPath string) error {
	rel := clean(relPath)
	if filepath.IsAbs(relPath) || (rel != "" && !filepath.IsLocal(filepath.FromSlash(rel))) {
		return fmt.Errorf("%s: %w", relPath, ErrOutsideRoot)
	}
	if p.IsIgnoredPath(rel) {
		return fmt.Errorf("%s: %w", relPath, ErrIgnored)
	}
	return nil
}

// IsIgnoredPath reports whether relPath or one of its parent directories
// is ignored. The root itself is never ignored.
func (p *Project) IsIgnoredPath(relPath string) bool {
	rel := clean(relPath)
	if rel == "" {
		return false
	}
	if p.ignore.MatchesPath(rel) {
		return true
	}
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && p.ignore.MatchesPath(rel[:i+1]) {
			return true
		}
	}
	return p.IsDir(rel) && p.ignore.MatchesPath(rel+"/")
}

// AbsPath validates relPath and returns its absolute form.
func (p *Project) AbsPath(relPath string) (string, error) {
	if err := p.ValidateRelativePath(relPath); err != nil {
		return "", err
	}
	return filepath.Join(p.root, filepath.FromSlash(clean(relPath))), nil
}

// RelPath converts an absolute path below the root into a slash-separated
// relative path.
func (p *Project) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(p.root, absPath)
	if err != nil {
		return "", fmt.Errorf("%s: %w", absPath, ErrOutsideRoot)
	}
	if rel == "." {
		return "", nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s: %w", absPath, ErrOutsideRoot)
	}
	return filepath.ToSlash(rel), nil
}

// LanguageFor returns the language id responsible for relPath.
func (p *Project) LanguageFor(relPath string) (string, bool) {
	lang, ok := p.registry.ForPath(relPath)
	if !ok {
		return "", false
	}
	return lang.ID, true
}

// =============================================================================
// FILES
// =============================================================================

// ReadFile returns the content of relPath.
func (p *Project) ReadFile(relPath string) (string, error) {
	abs, err := p.AbsPath(relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", relPath)
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("%s (%d bytes): %w", relPath, info.Size(), ErrTooLarge)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadLines returns lines [start, end] of relPath, zero-based and
// inclusive, each with its newline. A negative end reads to the last line.
// An end past the last line is clamped.
func (p *Project) ReadLines(relPath string, start, end int) (string, error) {
	text, err := p.ReadFile(relPath)
	if err != nil {
		return "", err
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 && start == 0 {
		return "", nil
	}
	if start < 0 || start >= len(lines) {
		return "", fmt.Errorf("start line %d out of range: %s has %d lines", start, relPath, len(lines))
	}
	if end < 0 || end >= len(lines) {
		end = len(lines) - 1
	}
	if end < start {
		return "", fmt.Errorf("end line %d precedes start line %d", end, start)
	}
	return strings.Join(lines[start:end+1], ""), nil
}

// IsDir reports whether relPath is an existing directory. The empty path
// is the root.
func (p *Project) IsDir(relPath string) bool {
	abs := filepath.Join(p.root, filepath.FromSlash(clean(relPath)))
	info, err := os.Stat(abs)
	return err == nil && info.IsDir()
}

// ListFiles returns the non-ignored regular files below relPath as sorted
// slash-separated relative paths. The empty path lists the whole project.
func (p *Project) ListFiles(relPath string) ([]string, error) {
	rel := clean(relPath)
	if rel != "" {
		if err := p.ValidateRelativePath(rel); err != nil {
			return nil, err
		}
	}
	base := filepath.Join(p.root, filepath.FromSlash(rel))

	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			return nil
		}
		r, relErr := p.RelPath(path)
		if relErr != nil {
			return nil
		}
		if r == "" {
			return nil
		}
		if d.IsDir() {
			if p.ignore.MatchesPath(r+"/") || p.ignore.MatchesPath(r) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || p.ignore.MatchesPath(r) {
			return nil
		}
		files = append(files, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func clean(relPath string) string {
	if relPath == "" {
		return ""
	}
	c := filepath.ToSlash(filepath.Clean(filepath.FromSlash(relPath)))
	if c == "." {
		return ""
	}
	return c
}
