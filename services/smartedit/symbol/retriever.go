// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbol

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AleutianAI/smartedit/services/smartedit/lsp"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Server is the part of a language server the retriever talks to.
// *lsp.Server implements it.
type Server interface {
	Language() string
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	OpenFile(relPath, text string) error
	CloseFile(relPath string) error
}

// Servers hands out the server responsible for a file.
type Servers interface {
	ForFile(ctx context.Context, relPath string) (Server, error)
}

// Files gives read access to the project.
type Files interface {
	RootPath() string
	ReadFile(relPath string) (string, error)
	IsDir(relPath string) bool

	// ListFiles returns the non-ignored files below relPath, sorted.
	ListFiles(relPath string) ([]string, error)
}

// Cache stores document symbol trees keyed by file content hash. Get
// returns a tree the caller may modify.
type Cache interface {
	Get(relPath, hash string) (*Tree, bool)
	Put(relPath, hash string, tree *Tree) error
	Invalidate(relPath string) error
}

// ManagerServers adapts an lsp.Manager to Servers.
func ManagerServers(m *lsp.Manager) Servers {
	return managerServers{m: m}
}

type managerServers struct {
	m *lsp.Manager
}

func (s managerServers) ForFile(ctx context.Context, relPath string) (Server, error) {
	srv, err := s.m.ForFile(ctx, relPath)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// ContentHash is the cache key component for file content.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// RETRIEVER
// =============================================================================

// Reference is a symbol that refers to another one, with the position of
// the reference inside it.
type Reference struct {
	// Symbol contains the reference. It points into the tree of its file,
	// so its name path is complete.
	Symbol Ref

	Line      int
	Character int
}

// Retriever fetches symbol trees from language servers.
//
// Description:
//
//	Every result is a freshly built Tree owned by the caller. The
//	smart-edit/* batch methods are tried first; a server that answers
//	"method not found" is remembered and served from standard
//	textDocument requests afterwards.
//
//	The retriever does not serialize requests itself. Callers run its
//	methods inside scheduler tasks so that a server only ever sees one
//	request at a time.
//
// Thread Safety:
//
//	Safe for concurrent use, though concurrent use defeats the scheduler.
type Retriever struct {
	servers Servers
	files   Files
	cache   Cache
	logger  *slog.Logger

	unsupportedMu sync.Mutex
	unsupported   map[string]bool
}

// NewRetriever creates a retriever.
//
// Inputs:
//
//	servers - Source of language servers. Required.
//	files - Project file access. Required.
//	cache - Document symbol cache. Nil disables caching.
//	logger - Logger. Nil uses slog.Default().
func NewRetriever(servers Servers, files Files, cache Cache, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		servers:     servers,
		files:       files,
		cache:       cache,
		logger:      logger,
		unsupported: make(map[string]bool),
	}
}

// DocumentSymbols returns the symbols of one file, rooted at a File node.
//
// Description:
//
//	The file is opened on its server for the duration of the request.
//	Trees are cached by content hash; bodies are never cached and are cut
//	from the current content when includeBody is set.
func (r *Retriever) DocumentSymbols(ctx context.Context, relPath string, includeBody bool) (*Tree, error) {
	text, err := r.files.ReadFile(relPath)
	if err != nil {
		return nil, err
	}

	hash := ContentHash(text)
	tree, ok := r.cacheGet(relPath, hash)
	if !ok {
		srv, err := r.servers.ForFile(ctx, relPath)
		if err != nil {
			return nil, err
		}
		tree, err = r.requestDocumentSymbols(ctx, srv, relPath, text)
		if err != nil {
			return nil, err
		}
		r.cachePut(relPath, hash, tree)
	}

	if includeBody {
		err := AttachBodies(tree, func(p string) (string, error) {
			if p == relPath {
				return text, nil
			}
			return r.files.ReadFile(p)
		})
		if err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func (r *Retriever) requestDocumentSymbols(ctx context.Context, srv Server, relPath, text string) (*Tree, error) {
	if err := srv.OpenFile(relPath, text); err != nil {
		return nil, err
	}
	defer func() {
		if err := srv.CloseFile(relPath); err != nil {
			r.logger.Debug("close file failed", slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}()

	raw, err := srv.Request(ctx, lsp.MethodDocumentSymbol, lsp.DocumentSymbolParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: r.uri(relPath)},
	})
	if err != nil {
		return nil, fmt.Errorf("document symbols of %s: %w", relPath, err)
	}
	res, err := lsp.ParseDocumentSymbolResult(raw)
	if err != nil {
		return nil, err
	}
	return FromDocumentSymbolResult(relPath, res), nil
}

// FullSymbolTree returns the symbols of every supported file below
// withinRelPath (the whole project when empty), grouped under Package
// nodes for directories and File nodes for files.
//
// Files whose language has no registered or installed server are skipped.
func (r *Retriever) FullSymbolTree(ctx context.Context, withinRelPath string, includeBody bool) (*Tree, error) {
	within := cleanRel(withinRelPath)
	rootDir := within
	files := []string{within}
	if within == "" || r.files.IsDir(within) {
		var err error
		if files, err = r.files.ListFiles(within); err != nil {
			return nil, err
		}
	} else {
		rootDir = parentDir(within)
	}

	groups, err := r.groupByServer(ctx, files)
	if err != nil {
		return nil, err
	}

	var fileTrees []*Tree
	for _, g := range groups {
		trees, ok, err := r.batchFullTree(ctx, g.server, within, includeBody)
		if err != nil {
			return nil, err
		}
		if !ok {
			trees = trees[:0]
			for _, f := range g.files {
				t, err := r.DocumentSymbols(ctx, f, includeBody)
				if err != nil {
					return nil, err
				}
				trees = append(trees, t)
			}
		}
		fileTrees = append(fileTrees, trees...)
	}

	sort.SliceStable(fileTrees, func(i, j int) bool {
		return fileTrees[i].Nodes[0].RelativePath < fileTrees[j].Nodes[0].RelativePath
	})

	tree := NewTree(DirectoryNode(rootDir))
	dirs := map[string]int{rootDir: 0}
	for _, ft := range fileTrees {
		parent := dirIndex(tree, dirs, rootDir, parentDir(ft.Nodes[0].RelativePath))
		tree.Graft(parent, ft, 0)
	}
	return tree, nil
}

// batchFullTree asks the server for smart-edit/fullSymbolTree and splits the
// answer into one tree per file. ok is false when the server lacks the
// method.
func (r *Retriever) batchFullTree(ctx context.Context, srv Server, within string, includeBody bool) ([]*Tree, bool, error) {
	var symbols []lsp.UnifiedSymbol
	ok, err := r.batch(ctx, srv, lsp.MethodFullSymbolTree, lsp.FullSymbolTreeParams{
		WithinRelativePath: within,
		IncludeBody:        includeBody,
	}, &symbols)
	if err != nil || !ok {
		return nil, ok, err
	}

	unified := FromUnified(DirectoryNode(within), symbols, r.files.RootPath())
	var trees []*Tree
	loose := make(map[string]*Tree)
	unified.Walk(func(ref Ref) bool {
		switch ref.Kind() {
		case KindFile:
			trees = append(trees, unified.Subtree(ref.Index()))
			return false
		case KindPackage:
			return true
		}
		// A symbol outside any File node belongs to the file it names.
		rel := ref.RelativePath()
		t, ok := loose[rel]
		if !ok {
			t = NewTree(FileNode(rel))
			loose[rel] = t
			trees = append(trees, t)
		}
		t.Graft(0, unified, ref.Index())
		return false
	})
	for _, t := range loose {
		spanChildren(t)
	}

	if includeBody {
		for _, t := range trees {
			if err := AttachBodies(t, r.files.ReadFile); err != nil {
				return nil, false, err
			}
		}
	}
	return trees, true, nil
}

// ReferencingSymbols returns the symbols that reference the symbol at pos
// in relPath.
func (r *Retriever) ReferencingSymbols(ctx context.Context, relPath string, pos lsp.Position, includeBody bool) ([]Reference, error) {
	srv, err := r.servers.ForFile(ctx, relPath)
	if err != nil {
		return nil, err
	}

	var batch []lsp.ReferencingSymbol
	ok, err := r.batch(ctx, srv, lsp.MethodReferencingSymbols, lsp.ReferencingSymbolsParams{
		RelativePath: relPath,
		Line:         pos.Line,
		Character:    pos.Character,
		IncludeBody:  includeBody,
	}, &batch)
	if err != nil {
		return nil, err
	}
	if ok {
		refs := make([]Reference, 0, len(batch))
		for _, rs := range batch {
			file := unifiedPath(rs.Symbol.Location, r.files.RootPath())
			t := FromUnified(FileNode(file), []lsp.UnifiedSymbol{rs.Symbol}, r.files.RootPath())
			if includeBody {
				if err := AttachBodies(t, r.files.ReadFile); err != nil {
					return nil, err
				}
			}
			refs = append(refs, Reference{Symbol: t.At(1), Line: rs.Line, Character: rs.Character})
		}
		return refs, nil
	}

	locations, err := r.requestReferences(ctx, srv, relPath, pos)
	if err != nil {
		return nil, err
	}
	return r.containingSymbols(ctx, locations, includeBody)
}

func (r *Retriever) requestReferences(ctx context.Context, srv Server, relPath string, pos lsp.Position) ([]lsp.Location, error) {
	text, err := r.files.ReadFile(relPath)
	if err != nil {
		return nil, err
	}
	if err := srv.OpenFile(relPath, text); err != nil {
		return nil, err
	}
	defer func() { _ = srv.CloseFile(relPath) }()

	raw, err := srv.Request(ctx, lsp.MethodReferences, lsp.ReferenceParams{
		TextDocumentPositionParams: lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: r.uri(relPath)},
			Position:     pos,
		},
		Context: lsp.ReferenceContext{IncludeDeclaration: false},
	})
	if err != nil {
		return nil, fmt.Errorf("references at %s:%d:%d: %w", relPath, pos.Line, pos.Character, err)
	}

	var locations []lsp.Location
	if err := json.Unmarshal(raw, &locations); err != nil {
		return nil, &lsp.ProtocolError{Reason: "unexpected references result", Err: err}
	}
	return locations, nil
}

// containingSymbols maps reference locations to the innermost symbol
// around each of them. References outside any symbol map to the file.
func (r *Retriever) containingSymbols(ctx context.Context, locations []lsp.Location, includeBody bool) ([]Reference, error) {
	trees := make(map[string]*Tree)
	seen := make(map[string]bool)
	var refs []Reference

	for _, loc := range locations {
		abs, err := lsp.URIToPath(loc.URI)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(r.files.RootPath(), abs)
		if err != nil || !filepath.IsLocal(rel) {
			continue
		}

		tree, ok := trees[rel]
		if !ok {
			tree, err = r.DocumentSymbols(ctx, rel, includeBody)
			if errors.Is(err, lsp.ErrUnsupportedLanguage) {
				continue
			}
			if err != nil {
				return nil, err
			}
			trees[rel] = tree
		}

		owner := innermost(tree, loc.Range.Start)
		key := fmt.Sprintf("%s#%d", rel, owner.Index())
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, Reference{
			Symbol:    owner,
			Line:      loc.Range.Start.Line,
			Character: loc.Range.Start.Character,
		})
	}
	return refs, nil
}

func innermost(tree *Tree, pos lsp.Position) Ref {
	best := tree.Root()
	tree.Walk(func(ref Ref) bool {
		if !ContainsPosition(ref.Range(), pos) {
			return false
		}
		best = ref
		return true
	})
	return best
}

// Overview returns the top-level symbols of relPath, or of every supported
// file below it when it is a directory, keyed by file.
func (r *Retriever) Overview(ctx context.Context, relPath string) (map[string]*Tree, error) {
	rel := cleanRel(relPath)
	files := []string{rel}
	if rel == "" || r.files.IsDir(rel) {
		var err error
		if files, err = r.files.ListFiles(rel); err != nil {
			return nil, err
		}
	}

	groups, err := r.groupByServer(ctx, files)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Tree)
	for _, g := range groups {
		var batch lsp.OverviewResult
		ok, err := r.batch(ctx, g.server, lsp.MethodOverview, lsp.OverviewParams{RelativePath: rel}, &batch)
		if err != nil {
			return nil, err
		}
		if ok {
			for file, symbols := range batch {
				out[file] = FromUnified(FileNode(file), symbols, r.files.RootPath()).Prune(1)
			}
			continue
		}
		for _, f := range g.files {
			t, err := r.DocumentSymbols(ctx, f, false)
			if err != nil {
				return nil, err
			}
			out[f] = t.Prune(1)
		}
	}
	return out, nil
}

// Find retrieves the symbols of relPath (a file, a directory, or the whole
// project when empty) and returns those matching pattern.
func (r *Retriever) Find(ctx context.Context, pattern, relPath string, opts FindOptions, includeBody bool) ([]Ref, error) {
	rel := cleanRel(relPath)
	var (
		tree *Tree
		err  error
	)
	if rel != "" && !r.files.IsDir(rel) {
		tree, err = r.DocumentSymbols(ctx, rel, includeBody)
	} else {
		tree, err = r.FullSymbolTree(ctx, rel, includeBody)
	}
	if err != nil {
		return nil, err
	}
	return FindSymbols(tree, pattern, opts), nil
}

// =============================================================================
// HELPERS
// =============================================================================

type serverGroup struct {
	server Server
	files  []string
}

// groupByServer partitions files by responsible server, dropping files
// whose language is not supported or whose server is not installed.
func (r *Retriever) groupByServer(ctx context.Context, files []string) ([]serverGroup, error) {
	var groups []serverGroup
	index := make(map[string]int)
	for _, f := range files {
		srv, err := r.servers.ForFile(ctx, f)
		if errors.Is(err, lsp.ErrUnsupportedLanguage) || errors.Is(err, lsp.ErrServerNotInstalled) {
			r.logger.Debug("skipping file without language server",
				slog.String("path", f),
				slog.String("reason", err.Error()),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		i, ok := index[srv.Language()]
		if !ok {
			i = len(groups)
			index[srv.Language()] = i
			groups = append(groups, serverGroup{server: srv})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups, nil
}

// batch sends one of the smart-edit/* methods. ok is false when the server
// does not implement it; that answer is remembered per language.
func (r *Retriever) batch(ctx context.Context, srv Server, method string, params, out interface{}) (bool, error) {
	key := srv.Language() + " " + method

	r.unsupportedMu.Lock()
	skip := r.unsupported[key]
	r.unsupportedMu.Unlock()
	if skip {
		return false, nil
	}

	raw, err := srv.Request(ctx, method, params)
	var rpcErr *lsp.RPCError
	if errors.As(err, &rpcErr) && rpcErr.IsMethodNotFound() {
		r.unsupportedMu.Lock()
		r.unsupported[key] = true
		r.unsupportedMu.Unlock()
		r.logger.Debug("server lacks batch method, using standard requests",
			slog.String("language", srv.Language()),
			slog.String("method", method),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, &lsp.ProtocolError{Reason: "unexpected " + method + " result", Err: err}
	}
	return true, nil
}

func (r *Retriever) uri(relPath string) string {
	return lsp.PathToURI(filepath.Join(r.files.RootPath(), relPath))
}

func (r *Retriever) cacheGet(relPath, hash string) (*Tree, bool) {
	if r.cache == nil {
		return nil, false
	}
	return r.cache.Get(relPath, hash)
}

func (r *Retriever) cachePut(relPath, hash string, tree *Tree) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(relPath, hash, tree); err != nil {
		r.logger.Warn("symbol cache write failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
	}
}

// dirIndex returns the node of dir, creating Package nodes between rootDir
// and dir as needed.
func dirIndex(tree *Tree, dirs map[string]int, rootDir, dir string) int {
	if idx, ok := dirs[dir]; ok {
		return idx
	}
	if dir == rootDir || dir == "" || dir == "." {
		return 0
	}
	parent := dirIndex(tree, dirs, rootDir, parentDir(dir))
	idx := tree.Add(parent, DirectoryNode(dir))
	dirs[dir] = idx
	return idx
}

func cleanRel(relPath string) string {
	if relPath == "" {
		return ""
	}
	p := path.Clean(filepath.ToSlash(relPath))
	if p == "." {
		return ""
	}
	return p
}

func parentDir(relPath string) string {
	d := path.Dir(filepath.ToSlash(relPath))
	if d == "." {
		return ""
	}
	return d
}
