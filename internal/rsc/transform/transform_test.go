package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDependencies(t *testing.T) {
	code := `
	import React from 'react';
	import { useState } from 'react';
	import Button from './Button';
	import { Card, CardContent } from '../components/Card';

	export default function Component() {
		return <div>Test</div>;
	}
	`
	deps := ExtractDependencies(code)
	assert.Len(t, deps, 2)
	assert.Contains(t, deps, "./Button")
	assert.Contains(t, deps, "../components/Card")
}

func TestTransform_JSXComponent(t *testing.T) {
	code := `
	import React from 'react';
	export default function Component() {
		return <div>Test</div>;
	}
	`
	mod, err := Transform(code, "TestComponent", Options{})
	require.NoError(t, err)
	assert.Contains(t, mod.Code, "TestComponent")
	assert.True(t, strings.Contains(mod.Code, "jsx") || strings.Contains(mod.Code, "createElement"))
	assert.Contains(t, mod.Code, "~serverFunctions")
}

func TestTransform_ServerDirectiveStripped(t *testing.T) {
	code := `
	'use server';
	export default function ServerComponent() {
		return 1;
	}
	`
	mod, err := Transform(code, "ServerComponent", Options{})
	require.NoError(t, err)
	assert.Contains(t, mod.Code, "ServerComponent")
	assert.NotContains(t, mod.Code, "'use server';\n")
}

func TestTransform_NonJSXModule(t *testing.T) {
	code := `
	export function add(a, b) {
		return a + b;
	}
	export const name = "adder";
	`
	mod, err := Transform(code, "MathUtil", Options{})
	require.NoError(t, err)
	assert.Contains(t, mod.NamedExports, "add")
	assert.Contains(t, mod.NamedExports, "name")
}

func TestTransform_Idempotent(t *testing.T) {
	code := `export default function C() { return 1; }`
	first, err := Transform(code, "C", Options{})
	require.NoError(t, err)

	second, err := Transform(first.Code, "C", Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Code, second.Code)
}

func TestTransform_RejectsOversizedInput(t *testing.T) {
	huge := strings.Repeat("a", maxSourceBytes+1)
	_, err := Transform(huge, "Huge", Options{})
	require.Error(t, err)
}

func TestHashComponentID_Stable(t *testing.T) {
	a := HashComponentID("app/blog/page")
	b := HashComponentID("app/blog/page")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashComponentID("app/blog/other"))
}
