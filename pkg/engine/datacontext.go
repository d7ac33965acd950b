package engine

import (
	"fmt"
	"maps"
	"reflect"
	"sync"
)

// Cardinality mirrors DataCardinality but as an internal enum for schema storage.
// We reuse DataCardinality string values from module.go to avoid duplication.
type Cardinality = DataCardinality

// dataKeySchema stores expected type and cardinality for a key.
type dataKeySchema struct {
	typ         reflect.Type
	cardinality Cardinality
}

// DataContext provides typed accessors with a schema for runtime validation.
type DataContext struct {
	mu     sync.RWMutex
	schema map[string]dataKeySchema
	data   map[string]any
}

// Expose RLock/RUnlock to satisfy legacy tests expecting embedded RWMutex methods.
func (dc *DataContext) RLock()   { dc.mu.RLock() }
func (dc *DataContext) RUnlock() { dc.mu.RUnlock() }

func NewDataContext() *DataContext {
	return &DataContext{
		schema: make(map[string]dataKeySchema),
		data:   make(map[string]any),
	}
}

// RegisterReconSchema registers the data keys the reconnaissance pipeline
// exchanges, with their concrete types. All pipeline payloads are engine
// types, so the full schema can live here without import cycles.
// Safe to call multiple times (idempotent).
func RegisterReconSchema(dc *DataContext) {
	// Initial inputs (caller-supplied, CardinalitySingle)
	_ = dc.RegisterType("traffic.samples", reflect.TypeOf((*[]TrafficSample)(nil)).Elem(), CardinalitySingle)

	// Topology resolution
	_ = dc.RegisterType("topology.local_ip", reflect.TypeOf((*string)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("topology.subnet", reflect.TypeOf((*string)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("topology.targets", reflect.TypeOf((*[]string)(nil)).Elem(), CardinalitySingle)

	// Liveness and multicast discovery
	_ = dc.RegisterType("discovery.live_hosts", reflect.TypeOf((*[]string)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("discovery.devices", reflect.TypeOf((*[]DiscoveryDevice)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("discovery.stats", reflect.TypeOf((*DiscoveryStats)(nil)).Elem(), CardinalitySingle)

	// Port sweep
	_ = dc.RegisterType("scan.hosts", reflect.TypeOf((*[]Host)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("scan.stats", reflect.TypeOf((*SweepStats)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("scan.status", reflect.TypeOf((*ScanStatus)(nil)).Elem(), CardinalitySingle)

	// Classification
	_ = dc.RegisterType("classify.hosts", reflect.TypeOf((*[]Host)(nil)).Elem(), CardinalitySingle)

	// Traffic analysis
	_ = dc.RegisterType("traffic.anomalies", reflect.TypeOf((*[]TrafficAnomaly)(nil)).Elem(), CardinalitySingle)
	_ = dc.RegisterType("traffic.stats", reflect.TypeOf((*TrafficStats)(nil)).Elem(), CardinalitySingle)

	// Final report
	_ = dc.RegisterType("report.scan", reflect.TypeOf((*ScanReport)(nil)).Elem(), CardinalitySingle)
}

// --- Legacy-compatible helpers used by the orchestrator ---

// SetInitial stores an initial input value directly, overwriting if exists.
// Note: Does not validate against schema; reserved for bootstrap paths.
func (dc *DataContext) SetInitial(key string, value any) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.data[key] = value
}

// AddOrAppendToList appends to a list value, promoting existing non-list to list when necessary.
func (dc *DataContext) AddOrAppendToList(key string, value any) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if existing, ok := dc.data[key]; ok {
		if list, ok := existing.([]any); ok {
			dc.data[key] = append(list, value)
		} else {
			dc.data[key] = []any{existing, value}
		}
	} else {
		dc.data[key] = []any{value}
	}
}

// Set is a legacy alias for AddOrAppendToList, preserved for tests.
func (dc *DataContext) Set(key string, value any) { dc.AddOrAppendToList(key, value) }

// Get returns untyped value and found flag (legacy accessor).
func (dc *DataContext) Get(key string) (any, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	v, ok := dc.data[key]
	return v, ok
}

// GetAll returns a shallow copy of the internal map (legacy accessor).
func (dc *DataContext) GetAll() map[string]any {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	out := make(map[string]any, len(dc.data))
	maps.Copy(out, dc.data)
	return out
}

// RegisterType declares a key with expected reflect.Type and cardinality.
func (dc *DataContext) RegisterType(key string, typ reflect.Type, card Cardinality) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if typ == nil {
		return fmt.Errorf("nil type for key %s", key)
	}
	dc.schema[key] = dataKeySchema{typ: typ, cardinality: card}
	return nil
}

// PublishValue sets the entire value for a key (CardinalitySingle) with runtime validation.
func (dc *DataContext) PublishValue(key string, value any) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	sch, ok := dc.schema[key]
	if !ok {
		return fmt.Errorf("key not registered: %s", key)
	}
	if sch.cardinality != CardinalitySingle {
		return fmt.Errorf("key %s is not CardinalitySingle", key)
	}
	if err := dc.checkTypeLocked(sch, value); err != nil {
		return err
	}
	dc.data[key] = value
	return nil
}

// AppendValue adds a single item for list cardinality keys. The stored value becomes a slice.
func (dc *DataContext) AppendValue(key string, item any) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	sch, ok := dc.schema[key]
	if !ok {
		return fmt.Errorf("key not registered: %s", key)
	}
	if sch.cardinality != CardinalityList {
		return fmt.Errorf("key %s is not CardinalityList", key)
	}
	// Schema type for list keys is []T; validate the item against T and
	// grow (or create) the stored []T.
	expected := sch.typ
	elemType := expected.Elem()
	itemValue := reflect.ValueOf(item)
	if itemValue.Type() != elemType {
		return fmt.Errorf("type mismatch for key %s: expected element type %s, got %s", key, elemType, itemValue.Type())
	}

	cur, exists := dc.data[key]
	if !exists {
		slice := reflect.MakeSlice(expected, 0, 1)
		slice = reflect.Append(slice, itemValue)
		dc.data[key] = slice.Interface()
		return nil
	}
	rv := reflect.ValueOf(cur)
	if rv.Type() != expected {
		return fmt.Errorf("type mismatch for key %s: expected %s, got %s", key, expected, rv.Type())
	}
	dc.data[key] = reflect.Append(rv, itemValue).Interface()
	return nil
}

// GetValue returns the stored value for a key with validation against schema type.
func (dc *DataContext) GetValue(key string) (any, error) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	sch, ok := dc.schema[key]
	if !ok {
		return nil, fmt.Errorf("key not registered: %s", key)
	}
	v, ok := dc.data[key]
	if !ok {
		return nil, fmt.Errorf("key has no value: %s", key)
	}
	if err := dc.checkTypeLocked(sch, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (dc *DataContext) checkTypeLocked(sch dataKeySchema, v any) error {
	vt := reflect.TypeOf(v)
	if vt == nil { // allow nil set only if expected is a pointer/interface
		if sch.typ.Kind() != reflect.Interface && sch.typ.Kind() != reflect.Pointer && sch.typ.Kind() != reflect.Slice && sch.typ.Kind() != reflect.Map {
			return fmt.Errorf("type mismatch: expected %s, got <nil>", sch.typ)
		}
		return nil
	}
	if vt != sch.typ {
		return fmt.Errorf("type mismatch: expected %s, got %s", sch.typ, vt)
	}
	return nil
}

// ---------- Generic helper functions (package-level, not methods) ----------

// Register registers schema with type parameter by forwarding to RegisterType.
func Register[T any](dc *DataContext, key string, card Cardinality) error {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf((*T)(nil)).Elem()
	}
	return dc.RegisterType(key, t, card)
}

// Publish publishes a typed value using runtime validation.
func Publish[T any](dc *DataContext, key string, value T) error {
	return dc.PublishValue(key, value)
}

// Append appends a typed item to a list key.
func Append[T any](dc *DataContext, key string, item T) error {
	return dc.AppendValue(key, item)
}

// Get retrieves a typed value with a type assertion after validation.
func Get[T any](dc *DataContext, key string) (T, error) {
	var zero T
	v, err := dc.GetValue(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("type assertion failed for key %s", key)
	}
	return typed, nil
}
