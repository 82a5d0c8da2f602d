package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// denyParam is the factory parameter through which a rewritten module raises
// security errors for static imports.
const denyParam = "__anvil_deny"

var (
	importRe = regexp.MustCompile(`(?m)^[ \t]*import\b\s*(?:[\w$*{}\s,]+?\s*from\s*)?["']([^"']+)["'][ \t]*;?`)

	reexportRe = regexp.MustCompile(`(?m)^[ \t]*export\s*(?:\*(?:\s+as\s+[\w$]+)?|\{[^}]*\})\s*from\s*["']([^"']+)["'][ \t]*;?`)

	exportDefaultDeclRe = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+((?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)|class\s+([A-Za-z_$][\w$]*))`)

	exportDefaultRe = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)

	exportDeclRe = regexp.MustCompile(`(?m)^([ \t]*)export\s+((?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)|class\s+([A-Za-z_$][\w$]*)|(?:const|let|var)\s+([A-Za-z_$][\w$]*))`)

	exportListRe = regexp.MustCompile(`(?m)^[ \t]*export\s*\{([^}]*)\}[ \t]*;?`)
)

// binding is one named export: exported name → local identifier.
type binding struct {
	name  string
	local string
}

// module is script source rewritten into a CommonJS-style factory.
type module struct {
	source string
	esm    bool
}

// compileModule rewrites ES module syntax into a factory expression
//
//	(async function (exports, module, __anvil_deny) { ...body... })
//
// so the script can be evaluated as a plain function. Line numbers of the
// original source are preserved.
func compileModule(code string) module {
	var (
		bindings []binding
		imports  []string
		esm      bool
	)

	body := replaceAllFunc(importRe, code, func(g []string) string {
		imports = append(imports, g[1])
		return ""
	})
	body = replaceAllFunc(reexportRe, body, func(g []string) string {
		imports = append(imports, g[1])
		return ""
	})

	body = replaceAllFunc(exportDefaultDeclRe, body, func(g []string) string {
		name := g[3]
		if name == "" {
			name = g[4]
		}
		bindings = append(bindings, binding{name: "default", local: name})
		return g[1] + g[2]
	})
	body = replaceAllFunc(exportDefaultRe, body, func(g []string) string {
		esm = true
		return g[1] + "exports.default = "
	})
	body = replaceAllFunc(exportDeclRe, body, func(g []string) string {
		name := firstNonEmpty(g[3], g[4], g[5])
		bindings = append(bindings, binding{name: name, local: name})
		return g[1] + g[2]
	})
	body = replaceAllFunc(exportListRe, body, func(g []string) string {
		for _, entry := range strings.Split(g[1], ",") {
			fields := strings.Fields(entry)
			switch {
			case len(fields) == 1:
				bindings = append(bindings, binding{name: fields[0], local: fields[0]})
			case len(fields) == 3 && fields[1] == "as":
				bindings = append(bindings, binding{name: fields[2], local: fields[0]})
			}
		}
		return ""
	})

	if len(imports) > 0 || len(bindings) > 0 {
		esm = true
	}

	var b strings.Builder
	b.WriteString("(async function (exports, module, " + denyParam + ") {")
	if esm {
		b.WriteString(`"use strict";`)
	}
	if len(imports) > 0 {
		fmt.Fprintf(&b, "throw %s(\"import\", %s);", denyParam, jsString(imports[0]))
	}
	b.WriteString(body)
	b.WriteString("\n")
	for _, e := range bindings {
		fmt.Fprintf(&b, "Object.defineProperty(exports, %s, { enumerable: true, get: function () { return %s; } });\n",
			jsString(e.name), e.local)
	}
	b.WriteString("})")

	return module{source: b.String(), esm: esm}
}

// replaceAllFunc is regexp.ReplaceAllStringFunc with access to submatches.
func replaceAllFunc(re *regexp.Regexp, src string, fn func(groups []string) string) string {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(src[last:m[0]])
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = src[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(fn(groups))
		last = m[1]
	}
	b.WriteString(src[last:])
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
