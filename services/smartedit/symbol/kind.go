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
	"fmt"
	"strconv"
	"strings"
)

// Kind is a symbol category. Values mirror LSP's SymbolKind.
type Kind int

const (
	KindFile          Kind = 1
	KindModule        Kind = 2
	KindNamespace     Kind = 3
	KindPackage       Kind = 4
	KindClass         Kind = 5
	KindMethod        Kind = 6
	KindProperty      Kind = 7
	KindField         Kind = 8
	KindConstructor   Kind = 9
	KindEnum          Kind = 10
	KindInterface     Kind = 11
	KindFunction      Kind = 12
	KindVariable      Kind = 13
	KindConstant      Kind = 14
	KindString        Kind = 15
	KindNumber        Kind = 16
	KindBoolean       Kind = 17
	KindArray         Kind = 18
	KindObject        Kind = 19
	KindKey           Kind = 20
	KindNull          Kind = 21
	KindEnumMember    Kind = 22
	KindStruct        Kind = 23
	KindEvent         Kind = 24
	KindOperator      Kind = 25
	KindTypeParameter Kind = 26
)

var kindNames = [...]string{
	KindFile:          "File",
	KindModule:        "Module",
	KindNamespace:     "Namespace",
	KindPackage:       "Package",
	KindClass:         "Class",
	KindMethod:        "Method",
	KindProperty:      "Property",
	KindField:         "Field",
	KindConstructor:   "Constructor",
	KindEnum:          "Enum",
	KindInterface:     "Interface",
	KindFunction:      "Function",
	KindVariable:      "Variable",
	KindConstant:      "Constant",
	KindString:        "String",
	KindNumber:        "Number",
	KindBoolean:       "Boolean",
	KindArray:         "Array",
	KindObject:        "Object",
	KindKey:           "Key",
	KindNull:          "Null",
	KindEnumMember:    "EnumMember",
	KindStruct:        "Struct",
	KindEvent:         "Event",
	KindOperator:      "Operator",
	KindTypeParameter: "TypeParameter",
}

// Valid reports whether k is one of the 26 kinds.
func (k Kind) Valid() bool {
	return k >= KindFile && k <= KindTypeParameter
}

// String returns the LSP name of the kind, e.g. "Function".
func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts a kind name (case-insensitive) or its number.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if k := Kind(n); k.Valid() {
			return k, nil
		}
		return 0, fmt.Errorf("symbol kind %d out of range 1..26", n)
	}
	for k := KindFile; k <= KindTypeParameter; k++ {
		if strings.EqualFold(kindNames[k], s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown symbol kind %q", s)
}

// ParseKinds parses a list of kinds, stopping at the first invalid entry.
func ParseKinds(values []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(values))
	for _, v := range values {
		k, err := ParseKind(v)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// MinBlankLines is the minimum number of blank lines kept between a symbol
// of this kind and code inserted before or after it.
func (k Kind) MinBlankLines() int {
	switch k {
	case KindFunction, KindMethod, KindClass, KindInterface, KindStruct:
		return 1
	}
	return 0
}
