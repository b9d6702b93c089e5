// Package flags implements the run-time feature-flag evaluator. Readers see
// one consistent flag table via an atomic snapshot pointer; the reloader
// builds a new table and swaps it without blocking evaluations.
package flags

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Kind enumerates the recognized flag kinds.
type Kind string

const (
	KindBoolean    Kind = "boolean"
	KindPercentage Kind = "percentage"
	KindSchedule   Kind = "schedule"
	KindAllowList  Kind = "allow-list"
	KindKillSwitch Kind = "kill-switch"
)

// Flag is one named toggle.
type Flag struct {
	Name    string   `yaml:"name"`
	Kind    Kind     `yaml:"kind"`
	Enabled bool     `yaml:"enabled"` // boolean / kill-switch
	Percent float64  `yaml:"percent"` // percentage: enabled if bucket < percent
	From    string   `yaml:"from"`    // schedule window start, RFC3339
	Until   string   `yaml:"until"`   // schedule window end, RFC3339
	Tenants []string `yaml:"tenants"` // allow-list
	Payload string   `yaml:"payload"` // free-form payload (e.g. attribution format)
	Version int      `yaml:"version"`
}

// Context carries the per-request inputs of an evaluation.
type Context struct {
	TenantID string
	Now      time.Time
}

// Well-known flags the gateway consults.
const (
	SingleEntryPointMode   = "single_entry_point_mode"
	EnableDirectToolAccess = "enable_direct_tool_access"
	EmitAttribution        = "emit_attribution"
	StreamingEnabled       = "streaming_enabled"
	CacheEnabled           = "cache_enabled"
	AttributionFormat      = "attribution_format"
)

// compile-time defaults, returned when a flag is missing or its evaluation
// errors. Kill-switches are the exception: they deny on failure.
var defaults = map[string]bool{
	SingleEntryPointMode:   true,
	EnableDirectToolAccess: false,
	EmitAttribution:        true,
	StreamingEnabled:       true,
	CacheEnabled:           false,
}

const defaultAttributionFormat = "--- %s ---"

type table struct {
	flags        map[string]*Flag
	envOverrides map[string]bool
}

// Evaluator evaluates flags against an atomically swapped table.
type Evaluator struct {
	current atomic.Pointer[table]
	file    string
	log     *slog.Logger
}

// NewEvaluator builds an evaluator seeded from the optional flag file and
// the FF_<NAME> environment overrides. Env overrides are boolean only and
// survive reloads.
func NewEvaluator(file string, log *slog.Logger) (*Evaluator, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Evaluator{file: file, log: log}

	tbl, err := e.buildTable()
	if err != nil {
		return nil, err
	}
	e.current.Store(tbl)
	return e, nil
}

func (e *Evaluator) buildTable() (*table, error) {
	tbl := &table{
		flags:        make(map[string]*Flag),
		envOverrides: envOverrides(),
	}

	if e.file != "" {
		data, err := os.ReadFile(e.file)
		if err != nil {
			return nil, fmt.Errorf("read flag file: %w", err)
		}
		var doc struct {
			Flags []*Flag `yaml:"flags"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode flag file: %w", err)
		}
		for _, f := range doc.Flags {
			tbl.flags[f.Name] = f
		}
	}
	return tbl, nil
}

// envOverrides collects FF_<NAME> boolean overrides from the environment.
func envOverrides() map[string]bool {
	out := make(map[string]bool)
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "FF_") {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(name, "FF_"))] = b
	}
	return out
}

// Reload rebuilds the table from the flag file and swaps it in. Evaluations
// in flight keep reading the old table; Reload never blocks them.
func (e *Evaluator) Reload() error {
	tbl, err := e.buildTable()
	if err != nil {
		return err
	}
	e.current.Store(tbl)
	e.log.Info("feature flags reloaded", "count", len(tbl.flags))
	return nil
}

// Evaluate returns the flag decision for the given context. It never fails
// the request: on any evaluator error the compile-time default is returned,
// except kill-switches which deny by default.
func (e *Evaluator) Evaluate(name string, ctx Context) bool {
	tbl := e.current.Load()

	if v, ok := tbl.envOverrides[name]; ok {
		return v
	}

	f, ok := tbl.flags[name]
	if !ok {
		return defaults[name]
	}

	switch f.Kind {
	case KindBoolean:
		return f.Enabled
	case KindKillSwitch:
		// Denied-by-default: only an explicit true enables the path.
		return f.Enabled
	case KindPercentage:
		return float64(bucket(ctx.TenantID)) < f.Percent
	case KindSchedule:
		from, err1 := time.Parse(time.RFC3339, f.From)
		until, err2 := time.Parse(time.RFC3339, f.Until)
		if err1 != nil || err2 != nil {
			return defaults[name]
		}
		now := ctx.Now
		if now.IsZero() {
			now = time.Now()
		}
		return !now.Before(from) && now.Before(until)
	case KindAllowList:
		for _, t := range f.Tenants {
			if t == ctx.TenantID {
				return true
			}
		}
		return false
	default:
		return defaults[name]
	}
}

// Payload returns a flag's payload string, or the compile-time default for
// the attribution format flag.
func (e *Evaluator) Payload(name string) string {
	tbl := e.current.Load()
	if f, ok := tbl.flags[name]; ok && f.Payload != "" {
		return f.Payload
	}
	if name == AttributionFormat {
		return defaultAttributionFormat
	}
	return ""
}

// ClientVisible returns the flag decisions a tenant may see, for the
// /feature-flags/client endpoint.
func (e *Evaluator) ClientVisible(ctx Context) map[string]bool {
	out := make(map[string]bool, len(defaults))
	for name := range defaults {
		out[name] = e.Evaluate(name, ctx)
	}
	return out
}

// bucket hashes a tenant id into [0,100). The hash is stable so a tenant's
// percentage decision does not flap between requests.
func bucket(tenantID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return h.Sum32() % 100
}
