// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var interpolationPattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

var ifWrapperPattern = regexp.MustCompile(`^\$\{\{\s*(.*?)\s*\}\}$`)

// unwrapIf strips a single surrounding "${{ ... }}" delimiter pair from
// an `if` clause, e.g. "${{ steps.s1.outputs.exitCode == 0 }}" becomes
// "steps.s1.outputs.exitCode == 0". An `if` without the wrapper is
// returned unchanged.
func unwrapIf(exprStr string) string {
	trimmed := strings.TrimSpace(exprStr)
	if m := ifWrapperPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return exprStr
}

// Evaluate parses and evaluates a boolean expression (the body of an
// `if` clause) against ctx. The clause may optionally be wrapped in
// "${{ ... }}", matching the interpolation delimiter used elsewhere in
// the spec. A malformed expression is reported as an error; the caller
// is expected to surface it as InvalidIfExpression.
func Evaluate(exprStr string, ctx *Context) (bool, error) {
	n, err := Parse(unwrapIf(exprStr))
	if err != nil {
		return false, err
	}
	v, err := n.eval(ctx)
	if err != nil {
		return false, err
	}
	return CoerceToBool(v), nil
}

// Interpolate replaces every `${{ expr }}` occurrence in s with the
// string-coerced result of resolving expr against ctx. A malformed
// expression inside the braces stops interpolation: Interpolate then
// returns an empty string and the parse error.
func Interpolate(s string, ctx *Context) (string, error) {
	var firstErr error
	result := interpolationPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := interpolationPattern.FindStringSubmatch(match)
		body := strings.TrimSpace(sub[1])
		v, err := resolveValue(body, ctx)
		if err != nil {
			firstErr = err
			return match
		}
		return CoerceToString(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// resolveValue parses body as a standalone value expression (path,
// number, string literal, or boolean) rather than a full boolean
// expression, since interpolation sites aren't necessarily conditions.
func resolveValue(body string, ctx *Context) (any, error) {
	n, err := Parse(body)
	if err != nil {
		return nil, err
	}
	return n.eval(ctx)
}

func resolvePath(ctx *Context, path string) any {
	if ctx == nil {
		return ""
	}
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return ""
	}
	switch parts[0] {
	case "env":
		if v, ok := ctx.Env[parts[1]]; ok {
			return v
		}
		return ""
	case "trigger":
		switch parts[1] {
		case "type":
			return ctx.Trigger.Type
		case "actor":
			return ctx.Trigger.Actor
		default:
			if len(parts) >= 3 && parts[1] == "payload" {
				return lookupMap(ctx.Trigger.Payload, parts[2:])
			}
			return ""
		}
	case "steps":
		if len(parts) < 4 || parts[2] != "outputs" {
			return ""
		}
		stepID := parts[1]
		outputs, ok := ctx.Steps[stepID]
		if !ok {
			return ""
		}
		return lookupMap(outputs.Outputs, parts[3:])
	case "matrix":
		return lookupMap(ctx.Matrix, parts[1:])
	default:
		return ""
	}
}

func lookupMap(m map[string]any, keys []string) any {
	var cur any = m
	for _, k := range keys {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		v, ok := asMap[k]
		if !ok {
			return ""
		}
		cur = v
	}
	if cur == nil {
		return ""
	}
	return cur
}

// CoerceToBool mirrors loose-language truthiness: empty string,
// "false", zero, and nil are false; everything else is true.
func CoerceToBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	default:
		return true
	}
}

// CoerceToString renders a resolved value for interpolation: nil/undefined
// becomes "", booleans become "true"/"false", numbers use their shortest
// decimal form.
func CoerceToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// valuesEqual implements ==/!= : numeric compare when both sides are
// numbers, else string-coerced compare.
func valuesEqual(l, r any) bool {
	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if lok && rok {
		return lf == rf
	}
	return CoerceToString(l) == CoerceToString(r)
}
