// Package actions defines the closed set of host API methods a script may
// invoke, together with the payload and result shapes each one exchanges.
package actions

import (
	"encoding/json"
	"sort"
	"strings"
)

// Method is the dotted name of a host API method, e.g. "log.info".
type Method string

// Host API methods.
const (
	UnitModelCreate Method = "UNIT_MODEL.CREATE"

	LogDebug     Method = "log.debug"
	LogInfo      Method = "log.info"
	LogWarn      Method = "log.warn"
	LogError     Method = "log.error"
	LogAudit     Method = "log.audit"
	LogEmergency Method = "log.emergency"

	HTTPGet  Method = "http.get"
	HTTPPost Method = "http.post"
	HTTPPut  Method = "http.put"
	HTTPDel  Method = "http.del"
)

// Spec describes how a script calls a method. Args names the positional
// arguments the script-side stub packs into the payload object; the name "*"
// merges an object argument's keys into the payload. A call with a single
// non-string argument passes it through as the payload unchanged.
type Spec struct {
	Method Method   `json:"method"`
	Args   []string `json:"args,omitempty"`
}

var specs = []Spec{
	{Method: UnitModelCreate},

	{Method: LogDebug, Args: []string{"message", "context"}},
	{Method: LogInfo, Args: []string{"message", "context"}},
	{Method: LogWarn, Args: []string{"message", "context"}},
	{Method: LogError, Args: []string{"message", "context"}},
	{Method: LogAudit, Args: []string{"message", "context"}},
	{Method: LogEmergency, Args: []string{"message", "context"}},

	{Method: HTTPGet, Args: []string{"url", "*"}},
	{Method: HTTPPost, Args: []string{"url", "*"}},
	{Method: HTTPPut, Args: []string{"url", "*"}},
	{Method: HTTPDel, Args: []string{"url", "*"}},
}

var byName = func() map[Method]Spec {
	m := make(map[Method]Spec, len(specs))
	for _, s := range specs {
		m[s.Method] = s
	}
	return m
}()

// All returns every method spec sorted by name.
func All() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Lookup returns the spec for a method name.
func Lookup(name string) (Spec, bool) {
	s, ok := byName[Method(name)]
	return s, ok
}

// Known reports whether m belongs to the method set.
func Known(m Method) bool {
	_, ok := byName[m]
	return ok
}

// Split returns the namespace and member of a dotted method name.
// "UNIT_MODEL.CREATE" splits into "UNIT_MODEL" and "CREATE".
func (m Method) Split() (namespace, member string) {
	s := string(m)
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

// UnitModel is the payload of UNIT_MODEL.CREATE. Its fields are defined by the
// caller and kept opaque.
type UnitModel map[string]any

// UnitModelCreated is the result of UNIT_MODEL.CREATE.
type UnitModelCreated struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// LogEntry is the payload of every log.* method.
type LogEntry struct {
	Message any            `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// HTTPRequest is the payload of every http.* method.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// HTTPResponse is the result of every http.* method. Body holds the decoded
// JSON document when the response is JSON, otherwise the body as a string.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// HTTPVerb maps an http.* method to its request verb.
func HTTPVerb(m Method) (string, bool) {
	switch m {
	case HTTPGet:
		return "GET", true
	case HTTPPost:
		return "POST", true
	case HTTPPut:
		return "PUT", true
	case HTTPDel:
		return "DELETE", true
	}
	return "", false
}

// LogLevel returns the level name of a log.* method.
func LogLevel(m Method) (string, bool) {
	ns, member := m.Split()
	if ns != "log" || !Known(m) {
		return "", false
	}
	return member, true
}
