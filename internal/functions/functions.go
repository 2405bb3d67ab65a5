// Package functions implements the in-process function registry of
// spec.md §4.4: the catalog mixing locally-registered callables with
// functions discovered over the Advertisement bus, keyed by the stable
// function_id spec.md §3 requires ("the canonical identifier in chain
// events").
//
// Grounded on the teacher's pkg/tools/registry.go (ToolRegistry / ToolEntry,
// dedup-by-name, RegisterSource/DiscoverAllTools) generalized from
// tool-source discovery to Advertisement-bus discovery. The registry records
// no tracing spans of its own.
package functions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/genesis-fabric/genesis/internal/bus"
	"github.com/genesis-fabric/genesis/internal/ids"
)

// Invoker calls a local function implementation. args/ result are decoded
// JSON-Schema-shaped maps, matching the uniform tool-call shape spec.md
// §4.5 step 5 requires of every callable the orchestrator dispatches to.
type Invoker func(ctx context.Context, args map[string]any) (map[string]any, error)

// RemoteCaller issues an RPC call to invoke a function hosted by another
// participant. The caller of New supplies it (internal/cli passes nil, which
// leaves remote records uninvokable); the registry only needs the narrow
// capability, not the whole RPC stack, to avoid an import cycle.
type RemoteCaller func(ctx context.Context, serviceName string, args map[string]any) (map[string]any, error)

// Record is the catalog entry spec.md §4.4 defines. ImplRef is non-nil only
// for locally-hosted functions (spec.md §3's "impl_ref? present only for
// locally hosted functions").
type Record struct {
	FunctionID       string
	Name             string
	Description      string
	ParameterSchema  map[string]any
	ProviderID       string
	Capabilities     []string
	OperationType    string
	ImplRef          Invoker
	remoteServiceName string
}

// IsLocal reports whether this record can be invoked in-process.
func (r Record) IsLocal() bool { return r.ImplRef != nil }

// Error is the typed error this package returns.
type Error struct {
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[functions:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[functions:%s] %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// DiscoveryCallback fires asynchronously whenever a new remote FUNCTION
// advertisement arrives.
type DiscoveryCallback func(Record)

// DiscoveryCallbackHandle identifies one registration returned by
// AddDiscoveryCallback, for a later RemoveDiscoveryCallback call.
type DiscoveryCallbackHandle int64

// Registry is the catalog described in spec.md §4.4.
type Registry struct {
	b            *bus.Bus
	cache        *bus.Cache
	remoteCaller RemoteCaller

	mu      sync.RWMutex
	records map[string]Record // function_id -> record
	byName  map[string][]string // name -> []function_id, for lookup_by_name

	cbMu  sync.Mutex
	cbs   map[DiscoveryCallbackHandle]DiscoveryCallback
	cbSeq DiscoveryCallbackHandle
	cbOrd []DiscoveryCallbackHandle
}

// New creates a Registry backed by b's FUNCTION advertisements. remoteCaller
// is used by Invoke for records that are not locally hosted.
func New(b *bus.Bus, remoteCaller RemoteCaller) *Registry {
	r := &Registry{
		b:            b,
		cache:        bus.NewCache(b, bus.KindFunction, ""),
		remoteCaller: remoteCaller,
		records:      make(map[string]Record),
		byName:       make(map[string][]string),
		cbs:          make(map[DiscoveryCallbackHandle]DiscoveryCallback),
	}
	r.cache.OnDiscover(r.onDiscover)
	r.cache.OnDepart(r.onDepart)
	return r
}

func (r *Registry) onDiscover(adv bus.Advertisement) {
	rec := Record{
		FunctionID:        adv.AdvertisementID,
		Name:              adv.Name,
		ParameterSchema:   nil, // schema_json is decoded by the caller (it's transport-shaped JSON text on the wire)
		ProviderID:        adv.ProviderID,
		Capabilities:      adv.Capabilities,
		remoteServiceName: adv.ServiceName,
	}

	r.mu.Lock()
	if existing, ok := r.records[rec.FunctionID]; ok && existing.IsLocal() {
		// RegisterLocal's own advertisement coming back: keep the local record.
		r.mu.Unlock()
		return
	}
	r.records[rec.FunctionID] = rec
	r.byName[rec.Name] = appendUnique(r.byName[rec.Name], rec.FunctionID)
	r.mu.Unlock()

	r.fireDiscovery(rec)
}

func (r *Registry) onDepart(adv bus.Advertisement) {
	r.mu.Lock()
	delete(r.records, adv.AdvertisementID)
	names := r.byName[adv.Name]
	r.byName[adv.Name] = removeString(names, adv.AdvertisementID)
	r.mu.Unlock()
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeString(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// RegisterLocal registers a locally-hosted function, publishes its FUNCTION
// advertisement, and returns the new stable function_id.
func (r *Registry) RegisterLocal(providerID, name, description string, schema map[string]any, capabilities []string, impl Invoker) (string, error) {
	if impl == nil {
		return "", &Error{Action: "RegisterLocal", Message: "impl cannot be nil"}
	}

	functionID := ids.New()
	rec := Record{
		FunctionID:      functionID,
		Name:            name,
		Description:     description,
		ParameterSchema: schema,
		ProviderID:      providerID,
		Capabilities:    capabilities,
		OperationType:   "local",
		ImplRef:         impl,
	}

	r.mu.Lock()
	r.records[functionID] = rec
	r.byName[name] = appendUnique(r.byName[name], functionID)
	r.mu.Unlock()

	if err := r.b.Publish(bus.Advertisement{
		AdvertisementID: functionID,
		Kind:            bus.KindFunction,
		Name:            name,
		ProviderID:      providerID,
		Capabilities:    capabilities,
	}); err != nil {
		return "", &Error{Action: "RegisterLocal", Message: "failed to publish advertisement", Err: err}
	}

	return functionID, nil
}

// List returns every currently-ALIVE record (local and remote),
// de-duplicated by function_id, as an immutable snapshot.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Lookup finds a record by function_id.
func (r *Registry) Lookup(functionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[functionID]
	return rec, ok
}

// LookupByName returns every record sharing name — names may collide across
// providers per spec.md §4.4's invariant.
func (r *Registry) LookupByName(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, id := range r.byName[name] {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Invoke calls functionID with args, dispatching locally or via RPC
// depending on whether the record is locally hosted.
func (r *Registry) Invoke(ctx context.Context, functionID string, args map[string]any) (map[string]any, error) {
	rec, ok := r.Lookup(functionID)
	if !ok {
		return nil, &Error{Action: "Invoke", Message: "function " + functionID + " not found"}
	}

	if rec.IsLocal() {
		return rec.ImplRef(ctx, args)
	}

	if r.remoteCaller == nil {
		return nil, &Error{Action: "Invoke", Message: "no remote caller configured for function " + functionID}
	}
	return r.remoteCaller(ctx, rec.remoteServiceName, args)
}

// AddDiscoveryCallback registers cb to fire for every future remote FUNCTION
// discovery, and returns a handle for a matching RemoveDiscoveryCallback
// call, per spec.md §4.4's discovery-callback registration/unregistration
// pair.
func (r *Registry) AddDiscoveryCallback(cb DiscoveryCallback) DiscoveryCallbackHandle {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.cbSeq++
	handle := r.cbSeq
	r.cbs[handle] = cb
	r.cbOrd = append(r.cbOrd, handle)
	return handle
}

// RemoveDiscoveryCallback unregisters a callback previously returned by
// AddDiscoveryCallback. Removing an already-removed or unknown handle is a
// no-op.
func (r *Registry) RemoveDiscoveryCallback(handle DiscoveryCallbackHandle) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	if _, ok := r.cbs[handle]; !ok {
		return
	}
	delete(r.cbs, handle)
	for i, h := range r.cbOrd {
		if h == handle {
			r.cbOrd = append(r.cbOrd[:i], r.cbOrd[i+1:]...)
			break
		}
	}
}

func (r *Registry) fireDiscovery(rec Record) {
	r.cbMu.Lock()
	cbs := make([]DiscoveryCallback, 0, len(r.cbOrd))
	for _, h := range r.cbOrd {
		cbs = append(cbs, r.cbs[h])
	}
	r.cbMu.Unlock()
	for _, cb := range cbs {
		cb(rec)
	}
}

// Close stops the backing discovery cache.
func (r *Registry) Close() {
	r.cache.Close()
	slog.Debug("functions: registry closed")
}
