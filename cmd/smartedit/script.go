// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/smartedit/services/smartedit"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
)

// =============================================================================
// SCRIPT FORMAT
// =============================================================================

// Script is a list of tool calls executed in one session, so reads
// recorded by earlier steps satisfy line edits in later ones.
//
//	steps:
//	  - tool: read_file
//	    relative_path: notes.txt
//	    start_line: 0
//	    end_line: 1
//	  - tool: delete_lines
//	    relative_path: notes.txt
//	    start_line: 0
//	    end_line: 1
type Script struct {
	// ContinueOnError keeps executing after a failed step.
	ContinueOnError bool `yaml:"continue_on_error"`

	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step is one tool call. Fields not used by the tool are ignored.
type Step struct {
	Tool string `yaml:"tool" validate:"required,oneof=read_file get_symbols_overview find_symbol find_referencing_symbols replace_symbol_body insert_after_symbol insert_before_symbol insert_at_line delete_lines replace_lines delete_symbol"`

	NamePath     string `yaml:"name_path" validate:"required_if=Tool find_symbol,required_if=Tool find_referencing_symbols,required_if=Tool replace_symbol_body,required_if=Tool insert_after_symbol,required_if=Tool insert_before_symbol,required_if=Tool delete_symbol"`
	RelativePath string `yaml:"relative_path"`

	Body    string `yaml:"body"`
	Content string `yaml:"content"`

	Line  int  `yaml:"line" validate:"gte=0"`
	Start int  `yaml:"start_line" validate:"gte=0"`
	End   *int `yaml:"end_line"`

	SubstringMatch bool     `yaml:"substring_matching"`
	IncludeKinds   []string `yaml:"include_kinds"`
	ExcludeKinds   []string `yaml:"exclude_kinds"`
	Depth          int      `yaml:"depth" validate:"gte=0"`
	IncludeBody    bool     `yaml:"include_body"`
}

// StepResult is printed for every executed step.
type StepResult struct {
	Step   int         `json:"step"`
	Tool   string      `json:"tool"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

var scriptValidate = validator.New()

// pathOptional lists the tools that treat an empty path as the project root.
var pathOptional = map[string]bool{
	"find_symbol":          true,
	"get_symbols_overview": true,
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a script. Unknown keys are errors.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := scriptValidate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	for i, step := range s.Steps {
		if step.RelativePath == "" && !pathOptional[step.Tool] {
			return nil, fmt.Errorf("step %d (%s): relative_path is required", i, step.Tool)
		}
		if _, err := symbol.ParseKinds(step.IncludeKinds); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := symbol.ParseKinds(step.ExcludeKinds); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &s, nil
}

// endLine defaults to start for edits and to the last line for reads.
func (s Step) endLine(def int) int {
	if s.End == nil {
		return def
	}
	return *s.End
}

// =============================================================================
// EXECUTION
// =============================================================================

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Execute a list of tool calls in one session",
		Long: `Execute a list of tool calls in one session.

Each step prints one JSON object with its result or error. Execution stops
at the first failed step unless the script sets continue_on_error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := LoadScript(args[0])
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				return a.runScript(ctx, svc, script)
			})
		},
	}
}

// errStepsFailed is returned when at least one step failed.
var errStepsFailed = errors.New("script steps failed")

func (a *app) runScript(ctx context.Context, svc *smartedit.Service, script *Script) error {
	failed := 0
	for i, step := range script.Steps {
		result, err := execStep(ctx, svc, step)
		out := StepResult{Step: i, Tool: step.Tool, Result: result}
		if err != nil {
			out.Result = nil
			out.Error = err.Error()
			failed++
		}
		if perr := a.printJSON(out); perr != nil {
			return perr
		}
		if err != nil && !script.ContinueOnError {
			return fmt.Errorf("step %d (%s): %w", i, step.Tool, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, len(script.Steps), errStepsFailed)
	}
	return nil
}

func execStep(ctx context.Context, svc *smartedit.Service, s Step) (interface{}, error) {
	switch s.Tool {
	case "read_file":
		return svc.ReadFile(ctx, s.RelativePath, s.Start, s.endLine(-1))
	case "get_symbols_overview":
		return svc.Overview(ctx, s.RelativePath)
	case "find_symbol":
		include, _ := symbol.ParseKinds(s.IncludeKinds)
		exclude, _ := symbol.ParseKinds(s.ExcludeKinds)
		return svc.FindSymbol(ctx, smartedit.FindQuery{
			NamePath:       s.NamePath,
			RelativePath:   s.RelativePath,
			SubstringMatch: s.SubstringMatch,
			IncludeKinds:   include,
			ExcludeKinds:   exclude,
			Depth:          s.Depth,
			IncludeBody:    s.IncludeBody,
		})
	case "find_referencing_symbols":
		return svc.FindReferencingSymbols(ctx, s.NamePath, s.RelativePath, s.IncludeBody)
	case "replace_symbol_body":
		return svc.ReplaceSymbolBody(ctx, s.NamePath, s.RelativePath, s.Body)
	case "insert_after_symbol":
		return svc.InsertAfterSymbol(ctx, s.NamePath, s.RelativePath, s.Body)
	case "insert_before_symbol":
		return svc.InsertBeforeSymbol(ctx, s.NamePath, s.RelativePath, s.Body)
	case "delete_symbol":
		return svc.DeleteSymbol(ctx, s.NamePath, s.RelativePath)
	case "insert_at_line":
		return svc.InsertAtLine(ctx, s.RelativePath, s.Line, s.Content)
	case "delete_lines":
		return svc.DeleteLines(ctx, s.RelativePath, s.Start, s.endLine(s.Start))
	case "replace_lines":
		return svc.ReplaceLines(ctx, s.RelativePath, s.Start, s.endLine(s.Start), s.Content)
	}
	return nil, fmt.Errorf("unknown tool %q", s.Tool)
}
