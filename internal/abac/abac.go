// Package abac evaluates attribute-based policy documents against a
// flattened attribute context. The evaluator is pure: no store access, no
// clock reads, no logging. Callers build the context, pick the document and
// interpret the outcome according to the tenant's enforcement mode.
package abac

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Effect is a rule's contribution to the decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one entry in a policy document. Empty Actions or ResourceTypes
// match everything, as does the literal "*". Higher Priority evaluates
// first; a nil Condition always matches.
type Rule struct {
	ID            string          `json:"id"`
	Description   string          `json:"description,omitempty"`
	Effect        Effect          `json:"effect"`
	Actions       []string        `json:"actions,omitempty"`
	ResourceTypes []string        `json:"resource_types,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Condition     json.RawMessage `json:"condition,omitempty"`
}

// Document is a versioned rule list for one tenant.
type Document struct {
	Version int    `json:"version,omitempty"`
	Rules   []Rule `json:"rules"`
}

// Condition is a boolean tree over attribute predicates. Exactly one of the
// branch kinds is set per node.
type Condition struct {
	All []Condition
	Any []Condition
	Not *Condition

	Var   string
	Op    string
	Value any
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		All   []Condition     `json:"all"`
		Any   []Condition     `json:"any"`
		Not   *Condition      `json:"not"`
		Var   string          `json:"var"`
		Op    string          `json:"op"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	switch {
	case hasKey(keys, "all"):
		c.All = raw.All
		if c.All == nil {
			c.All = []Condition{}
		}
	case hasKey(keys, "any"):
		c.Any = raw.Any
		if c.Any == nil {
			c.Any = []Condition{}
		}
	case hasKey(keys, "not"):
		if raw.Not == nil {
			return errors.New("abac: \"not\" requires a nested condition")
		}
		c.Not = raw.Not
	case hasKey(keys, "var"):
		if raw.Var == "" || raw.Op == "" {
			return errors.New("abac: predicate requires var and op")
		}
		c.Var = raw.Var
		c.Op = raw.Op
		if len(raw.Value) > 0 {
			if err := json.Unmarshal(raw.Value, &c.Value); err != nil {
				return err
			}
		}
	default:
		return errors.New("abac: condition must be one of all/any/not/predicate")
	}
	return nil
}

func hasKey(m map[string]json.RawMessage, k string) bool {
	_, ok := m[k]
	return ok
}

// ParseDocument decodes and validates a policy document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("abac: parse document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks rule shape at write time: the evaluator itself tolerates
// broken conditions by skipping them, but drafts should never contain them.
func (d *Document) Validate() error {
	seen := make(map[string]struct{}, len(d.Rules))
	for i, r := range d.Rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("abac: rule %d has no id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("abac: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fmt.Errorf("abac: rule %q: effect must be allow or deny", r.ID)
		}
		if len(r.Condition) > 0 {
			var c Condition
			if err := json.Unmarshal(r.Condition, &c); err != nil {
				return fmt.Errorf("abac: rule %q: %w", r.ID, err)
			}
		}
	}
	return nil
}

// Outcome is the result of evaluating one document.
type Outcome struct {
	Denied              bool     `json:"denied"`
	MatchedAllowRuleIDs []string `json:"matched_allow_rule_ids"`
	MatchedDenyRuleIDs  []string `json:"matched_deny_rule_ids"`
}

// Evaluate runs every rule against the context. Deny always wins; a document
// that contains allow rules denies by default when nothing matched, while a
// deny-only document stays permissive when nothing matched. Rules whose
// condition fails to decode are skipped.
func Evaluate(doc *Document, action, resourceType string, ctx map[string]any) Outcome {
	out := Outcome{
		MatchedAllowRuleIDs: []string{},
		MatchedDenyRuleIDs:  []string{},
	}
	if doc == nil {
		return out
	}

	hasAllow := false
	for _, r := range doc.Rules {
		if r.Effect == EffectAllow {
			hasAllow = true
			break
		}
	}

	rules := make([]Rule, len(doc.Rules))
	copy(rules, doc.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if !matchesList(rule.Actions, action) {
			continue
		}
		if !matchesList(rule.ResourceTypes, resourceType) {
			continue
		}
		matched := true
		if len(rule.Condition) > 0 {
			var cond Condition
			if err := json.Unmarshal(rule.Condition, &cond); err != nil {
				continue
			}
			matched = evalCondition(&cond, ctx)
		}
		if !matched {
			continue
		}
		switch rule.Effect {
		case EffectAllow:
			out.MatchedAllowRuleIDs = append(out.MatchedAllowRuleIDs, rule.ID)
		case EffectDeny:
			out.MatchedDenyRuleIDs = append(out.MatchedDenyRuleIDs, rule.ID)
		}
	}

	out.Denied = len(out.MatchedDenyRuleIDs) > 0 ||
		(hasAllow && len(out.MatchedAllowRuleIDs) == 0)
	return out
}

func matchesList(patterns []string, key string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || strings.EqualFold(p, key) {
			return true
		}
	}
	return false
}

func evalCondition(c *Condition, ctx map[string]any) bool {
	switch {
	case c.All != nil:
		for i := range c.All {
			if !evalCondition(&c.All[i], ctx) {
				return false
			}
		}
		return true
	case c.Any != nil:
		for i := range c.Any {
			if evalCondition(&c.Any[i], ctx) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !evalCondition(c.Not, ctx)
	default:
		return evalPredicate(c.Var, c.Op, c.Value, ctx)
	}
}

func evalPredicate(varName, op string, expected any, ctx map[string]any) bool {
	left, present := ctx[varName]
	if !present {
		// Absent attributes only satisfy an explicit existence-is-false check.
		b, ok := expected.(bool)
		return op == "exists" && ok && !b
	}

	switch op {
	case "exists":
		if b, ok := expected.(bool); ok {
			return b
		}
		return true
	case "eq":
		return jsonEqual(left, expected)
	case "neq":
		return !jsonEqual(left, expected)
	case "contains":
		switch l := left.(type) {
		case []any:
			for _, item := range l {
				if jsonEqual(item, expected) {
					return true
				}
			}
			return false
		case []string:
			needle, ok := expected.(string)
			if !ok {
				return false
			}
			for _, item := range l {
				if item == needle {
					return true
				}
			}
			return false
		case string:
			needle, ok := expected.(string)
			return ok && strings.Contains(l, needle)
		default:
			return false
		}
	case "starts_with":
		ls, lok := left.(string)
		es, eok := expected.(string)
		return lok && eok && strings.HasPrefix(ls, es)
	case "in":
		for _, item := range toSlice(expected) {
			if jsonEqual(left, item) {
				return true
			}
		}
		return false
	case "not_in":
		for _, item := range toSlice(expected) {
			if jsonEqual(left, item) {
				return false
			}
		}
		return true
	case "gt", "gte", "lt", "lte":
		l, lok := toFloat(left)
		r, rok := toFloat(expected)
		if !lok || !rok {
			return false
		}
		switch op {
		case "gt":
			return l > r
		case "gte":
			return l >= r
		case "lt":
			return l < r
		default:
			return l <= r
		}
	case "ip_in_cidr":
		return ipInCIDR(left, expected)
	case "time_between":
		return timeBetween(left, expected)
	default:
		return false
	}
}

func toSlice(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
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
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// jsonEqual compares two values the way decoded JSON compares: numbers by
// value regardless of Go type, arrays elementwise, everything else strictly.
func jsonEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []string:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ipInCIDR matches an IPv4 address against an IPv4 CIDR block. An
// unparseable left value is treated as 0.0.0.0 so a malformed client
// attribute cannot accidentally satisfy an internal-network rule.
func ipInCIDR(left, expected any) bool {
	raw, _ := left.(string)
	ip := net.ParseIP(raw)
	if ip == nil {
		ip = net.IPv4zero
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	cidr, ok := expected.(string)
	if !ok {
		return false
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil || ipnet.IP.To4() == nil {
		return false
	}
	return ipnet.Contains(ip4)
}

// timeBetween checks an hour-of-day attribute against an "HH:MM-HH:MM"
// window. Windows that cross midnight (e.g. "22:00-06:00") wrap.
func timeBetween(left, expected any) bool {
	window, ok := expected.(string)
	if !ok {
		return false
	}
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return false
	}
	start, ok := parseHHMM(parts[0])
	if !ok {
		return false
	}
	end, ok := parseHHMM(parts[1])
	if !ok {
		return false
	}
	hour, ok := toFloat(left)
	if !ok {
		hour = 0
	}
	nowMinutes := int(hour) * 60
	if start <= end {
		return nowMinutes >= start && nowMinutes <= end
	}
	return nowMinutes >= start || nowMinutes <= end
}

func parseHHMM(raw string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Subject is the token-derived half of the evaluation context.
type Subject struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	TokenType   string   `json:"token_type,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// BuildContext flattens subject, request and environment attributes into the
// dotted-key map the evaluator consumes.
func BuildContext(sub Subject, action, resourceType string, resource map[string]any, now time.Time) map[string]any {
	now = now.UTC()
	ctx := map[string]any{
		"subject.user_id":     sub.UserID,
		"subject.email":       sub.Email,
		"subject.token_type":  sub.TokenType,
		"subject.tenant_id":   sub.TenantID,
		"subject.roles":       sub.Roles,
		"subject.permissions": sub.Permissions,
		"request.action":      action,
		"resource.type":       resourceType,
		"env.now_utc":         now.Format(time.RFC3339),
		"env.weekday":         int(isoWeekday(now)),
		"env.hour":            now.Hour(),
	}
	if at := strings.SplitN(sub.Email, "@", 2); len(at) == 2 {
		ctx["subject.email_domain"] = at[1]
	}
	for k, v := range resource {
		ctx["resource."+k] = v
	}
	return ctx
}

// OverlayAttrs merges caller-supplied attributes into an evaluation context
// under a dotted prefix, overriding computed defaults with the same key.
// What-if callers use this to pin env.hour or request attributes instead of
// inheriting the server clock.
func OverlayAttrs(ctx map[string]any, prefix string, attrs map[string]any) {
	for k, v := range attrs {
		ctx[prefix+"."+k] = v
	}
}

// isoWeekday maps Sunday=0 time.Weekday to ISO Monday=1..Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
