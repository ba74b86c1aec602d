// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import "encoding/json"

// =============================================================================
// POSITION & RANGE TYPES
// =============================================================================

// Position represents a position in a text document.
// Line and character are 0-indexed.
type Position struct {
	// Line is the 0-indexed line number.
	Line int `json:"line"`

	// Character is the 0-indexed character offset within the line.
	Character int `json:"character"`
}

// Range represents a range in a text document.
type Range struct {
	// Start is the inclusive start position.
	Start Position `json:"start"`

	// End is the exclusive end position.
	End Position `json:"end"`
}

// Location represents a location in a document.
type Location struct {
	// URI is the document URI (file:// scheme).
	URI string `json:"uri"`

	// Range is the range within the document.
	Range Range `json:"range"`
}

// =============================================================================
// DOCUMENT IDENTIFIERS
// =============================================================================

// TextDocumentIdentifier identifies a text document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem represents a text document with its content.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// =============================================================================
// REQUEST PARAMETER TYPES
// =============================================================================

// TextDocumentPositionParams identifies a position in a text document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams extends TextDocumentPositionParams for find references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext contains options for find references requests.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DocumentSymbolParams contains params for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidOpenTextDocumentParams contains params for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams contains params for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// =============================================================================
// SYMBOL RESPONSE TYPES
// =============================================================================

// SymbolKind is the raw LSP symbol kind number (1..26).
type SymbolKind int

// DocumentSymbol is the hierarchical form of textDocument/documentSymbol.
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Detail         string           `json:"detail,omitempty"`
	Kind           SymbolKind       `json:"kind"`
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// SymbolInformation is the flat form of textDocument/documentSymbol.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// rawDocumentSymbol decodes either DocumentSymbol or SymbolInformation.
type rawDocumentSymbol struct {
	DocumentSymbol
	Location *Location `json:"location,omitempty"`
}

// DocumentSymbolResult holds a documentSymbol response in whichever form
// the server chose. Exactly one of the slices is non-empty.
type DocumentSymbolResult struct {
	Hierarchical []DocumentSymbol
	Flat         []SymbolInformation
}

// ParseDocumentSymbolResult decodes a textDocument/documentSymbol result.
//
// Description:
//
//	Servers may answer with DocumentSymbol[] or SymbolInformation[]. The
//	presence of a "location" field on the first element selects the flat form.
func ParseDocumentSymbolResult(raw json.RawMessage) (*DocumentSymbolResult, error) {
	var items []rawDocumentSymbol
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := &DocumentSymbolResult{}
	if len(items) == 0 {
		return out, nil
	}
	if items[0].Location != nil {
		var flat []SymbolInformation
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, err
		}
		out.Flat = flat
		return out, nil
	}
	out.Hierarchical = make([]DocumentSymbol, len(items))
	for i := range items {
		out.Hierarchical[i] = items[i].DocumentSymbol
	}
	return out, nil
}

// =============================================================================
// SMART-EDIT EXTENSION TYPES
// =============================================================================

// Extension methods answered by servers that support batch symbol queries.
const (
	MethodFullSymbolTree       = "smart-edit/fullSymbolTree"
	MethodReferencingSymbols   = "smart-edit/referencingSymbols"
	MethodOverview             = "smart-edit/overview"
	MethodDocumentSymbol       = "textDocument/documentSymbol"
	MethodReferences           = "textDocument/references"
	MethodDidOpen              = "textDocument/didOpen"
	MethodDidClose             = "textDocument/didClose"
	MethodInitialize           = "initialize"
	MethodInitialized          = "initialized"
	MethodWorkspaceConfig      = "workspace/configuration"
	MethodRegisterCapability   = "client/registerCapability"
	MethodUnregisterCapability = "client/unregisterCapability"
	MethodWorkDoneCreate       = "window/workDoneProgress/create"
	MethodLogMessage           = "window/logMessage"
	MethodShowMessage          = "window/showMessage"
	MethodProgress             = "$/progress"
	MethodPublishDiagnostics   = "textDocument/publishDiagnostics"
)

// UnifiedSymbolLocation locates a symbol in the extension wire form.
type UnifiedSymbolLocation struct {
	URI          string `json:"uri,omitempty"`
	RelativePath string `json:"relativePath,omitempty"`
	Range        Range  `json:"range"`
}

// UnifiedSymbol is the symbol shape used by the smart-edit/* methods.
type UnifiedSymbol struct {
	Name           string                `json:"name"`
	Kind           SymbolKind            `json:"kind"`
	Location       UnifiedSymbolLocation `json:"location"`
	SelectionRange *Range                `json:"selectionRange,omitempty"`
	Body           *string               `json:"body,omitempty"`
	Children       []UnifiedSymbol       `json:"children,omitempty"`
}

// FullSymbolTreeParams are the params of smart-edit/fullSymbolTree.
type FullSymbolTreeParams struct {
	// WithinRelativePath restricts the tree to a file or directory.
	WithinRelativePath string `json:"withinRelativePath,omitempty"`
	IncludeBody        bool   `json:"includeBody"`
}

// ReferencingSymbolsParams are the params of smart-edit/referencingSymbols.
type ReferencingSymbolsParams struct {
	RelativePath string `json:"relativePath"`
	Line         int    `json:"line"`
	Character    int    `json:"character"`
	IncludeBody  bool   `json:"includeBody"`
}

// ReferencingSymbol is one entry of a smart-edit/referencingSymbols result:
// the symbol containing the reference and the reference position.
type ReferencingSymbol struct {
	Symbol    UnifiedSymbol `json:"symbol"`
	Line      int           `json:"line"`
	Character int           `json:"character"`
}

// OverviewParams are the params of smart-edit/overview.
type OverviewParams struct {
	RelativePath string `json:"relativePath"`
}

// OverviewResult maps relative file paths to their top-level symbols.
type OverviewResult map[string][]UnifiedSymbol

// =============================================================================
// INITIALIZE TYPES
// =============================================================================

// InitializeParams contains initialization parameters.
type InitializeParams struct {
	ProcessID             int               `json:"processId"`
	RootURI               string            `json:"rootUri"`
	RootPath              string            `json:"rootPath,omitempty"`
	Capabilities          json.RawMessage   `json:"capabilities"`
	InitializationOptions interface{}       `json:"initializationOptions,omitempty"`
	Trace                 string            `json:"trace,omitempty"`
	WorkspaceFolders      []WorkspaceFolder `json:"workspaceFolders,omitempty"`
	ClientInfo            *ClientInfo       `json:"clientInfo,omitempty"`
}

// ClientInfo identifies this client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// ClientCapabilities describes what the client supports.
type ClientCapabilities struct {
	General      *GeneralClientCapabilities     `json:"general,omitempty"`
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
	Window       WindowClientCapabilities       `json:"window"`
}

// TextDocumentClientCapabilities describes text document capabilities.
type TextDocumentClientCapabilities struct {
	Synchronization *TextDocumentSyncClientCapabilities `json:"synchronization,omitempty"`
	DocumentSymbol  *DocumentSymbolClientCapabilities   `json:"documentSymbol,omitempty"`
	References      *DynamicRegistration                `json:"references,omitempty"`
	Definition      *DynamicRegistration                `json:"definition,omitempty"`
}

// TextDocumentSyncClientCapabilities describes sync capabilities.
type TextDocumentSyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
	DidSave             bool `json:"didSave,omitempty"`
}

// DocumentSymbolClientCapabilities asks for hierarchical symbols.
type DocumentSymbolClientCapabilities struct {
	DynamicRegistration               bool `json:"dynamicRegistration,omitempty"`
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport"`
}

// DynamicRegistration is the common capability shape.
type DynamicRegistration struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

// WorkspaceClientCapabilities describes workspace capabilities.
type WorkspaceClientCapabilities struct {
	Configuration    bool `json:"configuration"`
	WorkspaceFolders bool `json:"workspaceFolders"`
}

// WindowClientCapabilities describes window capabilities.
// PositionEncodingUTF16 is the column unit every server supports.
const PositionEncodingUTF16 = "utf-16"

// GeneralClientCapabilities lists the position encodings the client
// understands.
type GeneralClientCapabilities struct {
	PositionEncodings []string `json:"positionEncodings,omitempty"`
}

type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress"`
}

// InitializeResult is the server's answer to initialize.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"serverInfo,omitempty"`
}

// =============================================================================
// WINDOW / WORKSPACE MESSAGES
// =============================================================================

// MessageType is the severity of window/logMessage and window/showMessage.
type MessageType int

// Message types as defined by LSP.
const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

// LogMessageParams carries window/logMessage and window/showMessage.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ConfigurationParams carries workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem is one requested configuration section.
type ConfigurationItem struct {
	ScopeURI string `json:"scopeUri,omitempty"`
	Section  string `json:"section,omitempty"`
}
