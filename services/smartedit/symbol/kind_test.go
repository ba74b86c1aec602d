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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "File", KindFile.String())
	assert.Equal(t, "TypeParameter", KindTypeParameter.String())
	assert.Equal(t, "Kind(0)", Kind(0).String())
	assert.Equal(t, "Kind(27)", Kind(27).String())
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"12", KindFunction},
		{"function", KindFunction},
		{" Method ", KindMethod},
		{"enummember", KindEnumMember},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"0", "27", "widget", ""} {
		_, err := ParseKind(bad)
		assert.Error(t, err, bad)
	}

	kinds, err := ParseKinds([]string{"Class", "5", "Struct"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindClass, KindClass, KindStruct}, kinds)

	_, err = ParseKinds([]string{"Class", "nope"})
	assert.Error(t, err)
}

func TestKind_MinBlankLines(t *testing.T) {
	for _, k := range []Kind{KindFunction, KindMethod, KindClass, KindInterface, KindStruct} {
		assert.Equal(t, 1, k.MinBlankLines(), k.String())
	}
	for _, k := range []Kind{KindVariable, KindConstant, KindField, KindProperty} {
		assert.Equal(t, 0, k.MinBlankLines(), k.String())
	}
}
