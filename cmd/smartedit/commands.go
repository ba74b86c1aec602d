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
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/smartedit/services/smartedit"
	"github.com/AleutianAI/smartedit/services/smartedit/editor"
	"github.com/AleutianAI/smartedit/services/smartedit/symbol"
)

// =============================================================================
// READ COMMANDS
// =============================================================================

func (a *app) overviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview <path>",
		Short: "List the top-level symbols of a file or of every file in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				overview, err := svc.Overview(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printJSON(overview)
			})
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	var (
		q            smartedit.FindQuery
		includeKinds []string
		excludeKinds []string
	)
	cmd := &cobra.Command{
		Use:   "find <name-path>",
		Short: "Find symbols by name path",
		Long: `Find symbols by name path.

A name path is a "/"-separated chain of symbol names. "greet" matches any
symbol named greet, "Greeter/greet" one inside Greeter, and "/Greeter"
only a top-level Greeter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.NamePath = args[0]
			var err error
			if q.IncludeKinds, err = symbol.ParseKinds(includeKinds); err != nil {
				return err
			}
			if q.ExcludeKinds, err = symbol.ParseKinds(excludeKinds); err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				infos, err := svc.FindSymbol(ctx, q)
				if err != nil {
					return err
				}
				return a.printJSON(infos)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.RelativePath, "file", "", "restrict the search to a file or directory")
	f.BoolVar(&q.SubstringMatch, "substring", false, "match the last name path segment as a substring")
	f.StringSliceVar(&includeKinds, "include-kinds", nil, "only these kinds (names or LSP numbers)")
	f.StringSliceVar(&excludeKinds, "exclude-kinds", nil, "skip these kinds")
	f.IntVar(&q.Depth, "depth", 0, "levels of children to include")
	f.BoolVar(&q.IncludeBody, "body", false, "include symbol source")
	return cmd
}

func (a *app) refsCmd() *cobra.Command {
	var includeBody bool
	cmd := &cobra.Command{
		Use:   "refs <name-path> <file>",
		Short: "Find the symbols that reference a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				refs, err := svc.FindReferencingSymbols(ctx, args[0], args[1], includeBody)
				if err != nil {
					return err
				}
				return a.printJSON(refs)
			})
		},
	}
	cmd.Flags().BoolVar(&includeBody, "body", false, "include the source of referencing symbols")
	return cmd
}

func (a *app) readCmd() *cobra.Command {
	var start, end int
	cmd := &cobra.Command{
		Use:   "read <file>",
		Short: "Print lines of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				res, err := svc.ReadFile(ctx, args[0], start, end)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(res)
				}
				_, err = fmt.Fprint(a.out, res.Content)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "first line, zero-based")
	cmd.Flags().IntVar(&end, "end", -1, "last line, inclusive; negative reads to the end")
	return cmd
}

// =============================================================================
// EDIT COMMANDS
// =============================================================================

type symbolEdit func(svc *smartedit.Service, ctx context.Context, namePath, relPath, body string) (*editor.Result, error)

func (a *app) symbolBodyCmd(use, short string, edit symbolEdit) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <name-path> <file>",
		Short: short,
		Long:  short + ".\n\nThe code is taken from --body, or from stdin when --body is not given.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := a.body(cmd, "body")
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				res, err := edit(svc, ctx, args[0], args[1], body)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
	cmd.Flags().String("body", "", "code to write")
	return cmd
}

func (a *app) replaceBodyCmd() *cobra.Command {
	return a.symbolBodyCmd("replace-body", "Replace the whole definition of a symbol",
		(*smartedit.Service).ReplaceSymbolBody)
}

func (a *app) insertAfterCmd() *cobra.Command {
	return a.symbolBodyCmd("insert-after", "Insert code after the definition of a symbol",
		(*smartedit.Service).InsertAfterSymbol)
}

func (a *app) insertBeforeCmd() *cobra.Command {
	return a.symbolBodyCmd("insert-before", "Insert code before the definition of a symbol",
		(*smartedit.Service).InsertBeforeSymbol)
}

func (a *app) insertAtLineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert-at-line <file> <line>",
		Short: "Insert content verbatim at the start of a line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("line must be a number: %w", err)
			}
			content, err := a.body(cmd, "content")
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				res, err := svc.InsertAtLine(ctx, args[0], line, content)
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
	cmd.Flags().String("content", "", "content to insert (default stdin)")
	return cmd
}

func (a *app) deleteSymbolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-symbol <name-path> <file>",
		Short: "Delete the definition of a symbol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *smartedit.Service) error {
				res, err := svc.DeleteSymbol(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.printResult(res)
			})
		},
	}
}

func (a *app) printResult(res *editor.Result) error {
	if a.jsonOutput {
		return a.printJSON(res)
	}
	if res.Diff == "" {
		_, err := fmt.Fprintf(a.out, "%s: no changes\n", res.Path)
		return err
	}
	_, err := fmt.Fprint(a.out, res.Diff)
	return err
}
