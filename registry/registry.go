package registry

import (
	"sort"
	"sync"
	"time"
)

// toolEntry / promptEntry / resourceEntry hold the load-balanced group of
// handlers registered under one name, plus shared metadata.
type toolEntry struct {
	meta     Metadata
	handlers []Tool
	next     int // round-robin cursor
}

type promptEntry struct {
	meta     Metadata
	handlers []Prompt
	next     int
}

type resourceEntry struct {
	meta     Metadata
	template *compiledTemplate // nil for a concrete (non-templated) resource
	handlers []Resource
	next     int
}

// Registry holds the three capability maps: tools, prompts, resources.
// Many readers, rare writers — guarded by a single RWMutex per spec §5.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*toolEntry
	prompts   map[string]*promptEntry
	resources map[string]*resourceEntry
	seq       int
	clock     func() time.Time
}

// New builds an empty Registry. clock is injectable for deterministic tests;
// a nil clock defaults to time.Now.
func New(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		tools:     make(map[string]*toolEntry),
		prompts:   make(map[string]*promptEntry),
		resources: make(map[string]*resourceEntry),
		clock:     clock,
	}
}

// --- Tools -----------------------------------------------------------------

// RegisterTool registers (or replaces) the tool entry under tool.Name.
func (r *Registry) RegisterTool(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.tools[tool.Name] = &toolEntry{
		meta:     r.newMetadata(tool.Name, "tools", tool.AllowedRoles),
		handlers: []Tool{tool},
	}
}

// TryRegisterTool registers tool.Name only if it is not already taken.
func (r *Registry) TryRegisterTool(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return &ConflictError{Kind: "tool", Name: tool.Name}
	}
	r.seq++
	r.tools[tool.Name] = &toolEntry{
		meta:     r.newMetadata(tool.Name, "tools", tool.AllowedRoles),
		handlers: []Tool{tool},
	}
	return nil
}

// RegisterToolLoadBalanced appends tool as an additional handler under an
// existing (or new) name, enabling round-robin dispatch across N handlers.
func (r *Registry) RegisterToolLoadBalanced(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tools[tool.Name]
	if !ok {
		r.seq++
		entry = &toolEntry{meta: r.newMetadata(tool.Name, "tools", tool.AllowedRoles)}
		r.tools[tool.Name] = entry
	}
	entry.handlers = append(entry.handlers, tool)
}

// LookupTool resolves name to the next handler in its load-balanced group
// (round-robin) plus its shared metadata. ok is false if name is unknown.
func (r *Registry) LookupTool(name string) (Tool, Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tools[name]
	if !ok || len(entry.handlers) == 0 {
		return Tool{}, Metadata{}, false
	}
	h := entry.handlers[entry.next%len(entry.handlers)]
	entry.next++
	return h, entry.meta, true
}

// ListTools returns every registered tool's descriptor, in a stable
// (sorted by name) order.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n].handlers[0])
	}
	return out
}

// --- Prompts -----------------------------------------------------------------

// RegisterPrompt registers (or replaces) the prompt entry under prompt.Name.
func (r *Registry) RegisterPrompt(prompt Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.prompts[prompt.Name] = &promptEntry{
		meta:     r.newMetadata(prompt.Name, "prompts", prompt.AllowedRoles),
		handlers: []Prompt{prompt},
	}
}

// TryRegisterPrompt registers prompt.Name only if it is not already taken.
func (r *Registry) TryRegisterPrompt(prompt Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prompts[prompt.Name]; exists {
		return &ConflictError{Kind: "prompt", Name: prompt.Name}
	}
	r.seq++
	r.prompts[prompt.Name] = &promptEntry{
		meta:     r.newMetadata(prompt.Name, "prompts", prompt.AllowedRoles),
		handlers: []Prompt{prompt},
	}
	return nil
}

// LookupPrompt resolves name to the next handler in its load-balanced group.
func (r *Registry) LookupPrompt(name string) (Prompt, Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.prompts[name]
	if !ok || len(entry.handlers) == 0 {
		return Prompt{}, Metadata{}, false
	}
	h := entry.handlers[entry.next%len(entry.handlers)]
	entry.next++
	return h, entry.meta, true
}

// ListPrompts returns every registered prompt's descriptor, sorted by name.
func (r *Registry) ListPrompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.prompts))
	for n := range r.prompts {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Prompt, 0, len(names))
	for _, n := range names {
		out = append(out, r.prompts[n].handlers[0])
	}
	return out
}

// --- Resources ---------------------------------------------------------------

// RegisterResource registers (or replaces) the resource entry. If
// resource.URITemplate is set, it is compiled once here; an invalid template
// returns an error instead of panicking at match time.
func (r *Registry) RegisterResource(resource Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.buildResourceEntry(resource)
	if err != nil {
		return err
	}
	r.seq++
	r.resources[resource.Name] = entry
	return nil
}

// TryRegisterResource registers resource.Name only if it is not already
// taken.
func (r *Registry) TryRegisterResource(resource Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[resource.Name]; exists {
		return &ConflictError{Kind: "resource", Name: resource.Name}
	}
	entry, err := r.buildResourceEntry(resource)
	if err != nil {
		return err
	}
	r.seq++
	r.resources[resource.Name] = entry
	return nil
}

func (r *Registry) buildResourceEntry(resource Resource) (*resourceEntry, error) {
	entry := &resourceEntry{
		meta:     r.newMetadata(resource.Name, "resources", resource.AllowedRoles),
		handlers: []Resource{resource},
	}
	if resource.URITemplate != "" {
		re, err := compileURITemplate(resource.URITemplate)
		if err != nil {
			return nil, err
		}
		entry.template = &compiledTemplate{source: resource.URITemplate, regex: re, priority: resource.Priority, seq: r.seq}
	}
	return entry, nil
}

// MatchResource finds the resource whose concrete URI equals uri, or whose
// template matches uri. When multiple templates match, the lowest Priority
// wins; ties break by registration order (spec §4.4).
func (r *Registry) MatchResource(uri string) (Resource, Metadata, map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.resources {
		if entry.template != nil || len(entry.handlers) == 0 || entry.handlers[0].URI != uri {
			continue
		}
		h := entry.handlers[entry.next%len(entry.handlers)]
		entry.next++
		return h, entry.meta, nil, true
	}

	var best *resourceEntry
	var bestCaptures map[string]string
	for _, entry := range r.resources {
		if entry.template == nil {
			continue
		}
		captures, ok := entry.template.match(uri)
		if !ok {
			continue
		}
		if best == nil || isHigherPriority(entry.template, best.template) {
			best = entry
			bestCaptures = captures
		}
	}
	if best == nil {
		return Resource{}, Metadata{}, nil, false
	}
	h := best.handlers[best.next%len(best.handlers)]
	best.next++
	return h, best.meta, bestCaptures, true
}

func isHigherPriority(a, b *compiledTemplate) bool {
	if a.priority != b.priority {
		return a.priority < b.priority // lower number = higher priority
	}
	return a.seq < b.seq // earlier registration wins ties
}

// ListResources returns every registered resource's descriptor, sorted by
// name.
func (r *Registry) ListResources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for n := range r.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Resource, 0, len(names))
	for _, n := range names {
		out = append(out, r.resources[n].handlers[0])
	}
	return out
}

func (r *Registry) newMetadata(name, capability string, roles []string) Metadata {
	return Metadata{
		Name:               name,
		CreatedAt:          r.clock(),
		AllowedRoles:       roles,
		MetricsEnabled:     true,
		RequiredCapability: capability,
	}
}
