package topicpoller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hatsunemiku3939/topicpoller/pkg/jsonschema"
)

// prefixSeparator joins a namespace prefix to queue and topic names.
const prefixSeparator = "--"

// QualifiedName prefixes name with "<prefix>--". An empty prefix leaves name unchanged.
func QualifiedName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + prefixSeparator + name
}

type registration struct {
	handler         Handler
	parseJSON       bool
	includeMetadata bool
	schema          *jsonschema.Validator
}

type handleConfig struct {
	parseJSON       bool
	includeMetadata bool
	qualify         bool
	schema          string
}

// HandleOption configures a topic registration.
type HandleOption func(*handleConfig)

// RawMessage delivers the message text as a string instead of decoding it as JSON.
func RawMessage() HandleOption {
	return func(c *handleConfig) { c.parseJSON = false }
}

// WithMetadata delivers the notification envelope alongside the message.
func WithMetadata() HandleOption {
	return func(c *handleConfig) { c.includeMetadata = true }
}

// Unqualified registers the topic names as given, without the poller's prefix.
func Unqualified() HandleOption {
	return func(c *handleConfig) { c.qualify = false }
}

// WithSchema validates every message against a JSON schema before the handler runs.
// Messages that fail validation are reported as ErrInvalidMessagePayload.
func WithSchema(schema string) HandleOption {
	return func(c *handleConfig) { c.schema = schema }
}

// Registry maps topic and bucket names to handlers. Keys are write-once, and the
// registry rejects all writes after Freeze. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	prefix  string
	topics  map[string]registration
	buckets map[string]registration
	frozen  bool
}

// NewRegistry creates a registry whose topic keys are qualified with prefix.
func NewRegistry(prefix string) *Registry {
	p := ""
	if prefix != "" {
		p = prefix + prefixSeparator
	}
	return &Registry{
		prefix:  p,
		topics:  make(map[string]registration),
		buckets: make(map[string]registration),
	}
}

// Register adds handler for each topic. Either every topic is registered or none is.
func (r *Registry) Register(handler Handler, topics []string, opts ...HandleOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	cfg := handleConfig{parseJSON: true, qualify: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registration{
		handler:         handler,
		parseJSON:       cfg.parseJSON,
		includeMetadata: cfg.includeMetadata,
	}
	if cfg.schema != "" {
		v, err := jsonschema.Compile(cfg.schema)
		if err != nil {
			return fmt.Errorf("%w for topics %v: %w", ErrInvalidSchema, topics, err)
		}
		reg.schema = v
	}

	keys := make([]string, 0, len(topics))
	for _, topic := range topics {
		key := topic
		if cfg.qualify {
			key = r.prefix + topic
		}
		keys = append(keys, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := r.topics[key]; ok {
			return fmt.Errorf("%w: topic %s", ErrAlreadyRegistered, key)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: topic %s", ErrAlreadyRegistered, key)
		}
		seen[key] = struct{}{}
	}
	for _, key := range keys {
		r.topics[key] = reg
	}
	return nil
}

// RegisterBucket adds handler for events from bucket. Bucket names are never prefixed.
func (r *Registry) RegisterBucket(handler Handler, bucket string) error {
	if handler == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.buckets[bucket]; ok {
		return fmt.Errorf("%w: bucket %s", ErrAlreadyRegistered, bucket)
	}
	r.buckets[bucket] = registration{handler: handler, parseJSON: true}
	return nil
}

// Freeze closes the registry to further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Topics returns the registered topic keys in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.topics)
}

// Buckets returns the registered bucket names in sorted order.
func (r *Registry) Buckets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.buckets)
}

func (r *Registry) topic(key string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.topics[key]
	return reg, ok
}

func (r *Registry) bucket(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.buckets[name]
	return reg, ok
}

func sortedKeys(m map[string]registration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
