package nodes

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

// Reserved context keys written by the engine.
const (
	KeyConditionResult = "_conditionResult"
	KeyFilterResult    = "_filterResult"
	KeyLoopIndex       = "_loopIndex"
	KeyLoopTotal       = "_loopTotal"
	KeyLastEmailID     = "_lastEmailId"
	KeyLastPostID      = "_lastPostId"
	KeyAPIResponse     = "apiResponse"
	KeyAIContent       = "aiContent"
	KeyBatch           = "batch"

	loopStatePrefix     = "_loop:"
	emailReservedPrefix = "_emailReserved:"
)

// Context is the per-run variable store shared by all nodes of one execution.
// Keys declared in the workflow's variables are type-checked on Set; other keys
// are dynamic. Safe for concurrent use.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
	decl map[string]schema.VariableType
}

// NewContext creates an empty context enforcing the given declarations.
func NewContext(decls []schema.VariableDecl) *Context {
	c := &Context{
		vars: make(map[string]any),
		decl: make(map[string]schema.VariableType, len(decls)),
	}
	for _, d := range decls {
		if d.Name == "" {
			continue
		}
		t := d.Type
		if t == "" {
			t = schema.VarAny
		}
		c.decl[d.Name] = t
	}
	return c
}

// Seed loads the business and user fields every workflow can reference.
func (c *Context) Seed(b *schema.Business, u *schema.UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b != nil {
		c.vars["businessId"] = b.ID
		c.vars["businessName"] = b.Name
		c.vars["email"] = b.Email
		c.vars["phone"] = b.Phone
		c.vars["website"] = b.Website
		c.vars["address"] = b.Address
		c.vars["category"] = b.Category
		c.vars["rating"] = b.Rating
		c.vars["hasWebsite"] = b.Website != ""
		c.vars["hasEmail"] = b.Email != ""
		c.vars["emailStatus"] = b.EmailStatus
		c.vars["business"] = businessMap(b)
	}
	if u != nil {
		c.vars["userId"] = u.ID
		c.vars["userName"] = u.Name
		c.vars["userEmail"] = u.Email
		c.vars["companyName"] = u.Company
	}
}

func businessMap(b *schema.Business) map[string]any {
	m := map[string]any{
		"id":          b.ID,
		"name":        b.Name,
		"email":       b.Email,
		"phone":       b.Phone,
		"website":     b.Website,
		"address":     b.Address,
		"category":    b.Category,
		"rating":      b.Rating,
		"emailStatus": b.EmailStatus,
		"emailCount":  b.EmailCount,
	}
	if len(b.Metadata) > 0 {
		meta := make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			meta[k] = v
		}
		m["metadata"] = meta
	}
	return m
}

// Get returns the raw value of key. Dotted keys walk nested maps.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expressions.Lookup(c.vars, key)
}

// String returns the value of key rendered as text, "" when absent.
func (c *Context) String(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	return expressions.Stringify(v)
}

// Float returns a numeric value of key.
func (c *Context) Float(key string) (float64, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Bool returns the truthiness of key.
func (c *Context) Bool(key string) bool {
	v, _ := c.Get(key)
	return expressions.Truthy(v)
}

// Set writes key. A declared key must match its declared type.
func (c *Context) Set(key string, value any) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "context key is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.decl[key]; ok && !MatchesType(t, value) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"variable %q is declared as %s, got %T", key, t, value)
	}
	c.vars[key] = value
	return nil
}

// Delete removes key.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	delete(c.vars, key)
	c.mu.Unlock()
}

// Data returns a copy of the variables suitable for expression evaluation.
func (c *Context) Data() map[string]any {
	return c.Snapshot()
}

// Snapshot returns a deep copy of the variables.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyValue(c.vars).(map[string]any)
}

// Restore replaces the variables with a previously taken snapshot.
func (c *Context) Restore(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars = make(map[string]any, len(vars))
	for k, v := range vars {
		c.vars[k] = copyValue(v)
	}
}

// MarshalJSON encodes the variable map, used when persisting continuations.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// MatchesType reports whether v may be stored in a variable declared t.
func MatchesType(t schema.VariableType, v any) bool {
	if v == nil || t == schema.VarAny {
		return true
	}
	kind := reflect.TypeOf(v).Kind()
	switch t {
	case schema.VarString:
		return kind == reflect.String
	case schema.VarBool:
		return kind == reflect.Bool
	case schema.VarNumber:
		_, ok := toFloat(v)
		return ok
	case schema.VarList:
		return kind == reflect.Slice || kind == reflect.Array
	case schema.VarMap:
		return kind == reflect.Map
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) int {
	f, _ := toFloat(v)
	return int(f)
}

func loopStateKey(nodeID string) string {
	return loopStatePrefix + nodeID
}

// IsReserved reports whether key belongs to the engine's namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, "_")
}
