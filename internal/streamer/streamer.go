// Package streamer converts instance graphs to and from wire documents.
//
// Decoding never panics past this package: a document that cannot be
// reconstructed yields a *Placeholder carrying the error, alongside the
// error itself, so batch callers can keep going.
package streamer

import (
	"fmt"

	"go.uber.org/zap"

	"gridrepo/internal/codec"
	"gridrepo/internal/plugin"
	"gridrepo/internal/schema"
)

// MigrationControl decides whether an old-major document may be upgraded
type MigrationControl interface {
	IsAllowed(category, name string, v schema.Version, msg string) bool
}

type allowAll struct{}

func (allowAll) IsAllowed(string, string, schema.Version, string) bool { return true }

// Streamer encodes and decodes persistables
type Streamer struct {
	plugins *plugin.Registry
	control MigrationControl
	logger  *zap.Logger
}

// Option configures a Streamer
type Option func(*Streamer)

// WithMigrationControl sets the policy consulted before migrating. Without
// it every available migration is applied.
func WithMigrationControl(c MigrationControl) Option {
	return func(s *Streamer) {
		if c != nil {
			s.control = c
		}
	}
}

// WithLogger sets the logger used for decode failures
func WithLogger(l *zap.Logger) Option {
	return func(s *Streamer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a streamer resolving types through plugins
func New(plugins *plugin.Registry, opts ...Option) *Streamer {
	s := &Streamer{
		plugins: plugins,
		control: allowAll{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plugins returns the registry used to resolve types
func (s *Streamer) Plugins() *plugin.Registry {
	return s.plugins
}

// ============================================================================
// Encode
// ============================================================================

// Encode converts obj into a wire document. Transient items are skipped.
// Placeholders cannot be encoded.
func (s *Streamer) Encode(obj schema.Persistable) (*codec.Document, error) {
	if p, ok := Incomplete(obj); ok {
		return nil, fmt.Errorf("encode %s/%s: %w", p.Category, p.Name, ErrIncomplete)
	}

	sch := obj.Schema()
	doc := &codec.Document{
		Category: sch.Category(),
		Name:     sch.Name(),
		Version:  sch.Version(),
		Data:     make(map[string]any),
	}

	for _, it := range sch.Items() {
		if it.IsTransient {
			continue
		}
		v, err := obj.Get(it.Name)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", sch.TypeName(), err)
		}
		ev, err := s.encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", sch.TypeName(), it.Name, err)
		}
		doc.Data[it.Name] = ev
	}
	return doc, nil
}

func (s *Streamer) encodeValue(v schema.Value) (any, error) {
	switch tv := v.(type) {
	case nil, string, int64, float64, bool:
		return v, nil
	case schema.Persistable:
		return s.Encode(tv)
	case []schema.Value:
		out := make([]any, len(tv))
		for i, e := range tv {
			ev, err := s.encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ============================================================================
// Decode
// ============================================================================

// Decode reconstructs an instance from doc. On failure it returns a
// *Placeholder together with the error.
func (s *Streamer) Decode(doc *codec.Document) (obj schema.Persistable, err error) {
	if doc == nil {
		err = fmt.Errorf("decode: nil document")
		return NewPlaceholder(nil, err), err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode %s: panic: %v", doc.TypeName(), r)
			obj = NewPlaceholder(doc, err)
			s.logger.Warn("document decode panicked",
				zap.String("type", doc.TypeName()),
				zap.Any("panic", r),
			)
		}
	}()

	obj, err = s.decode(doc)
	if err != nil {
		s.logger.Warn("document decode failed",
			zap.String("type", doc.TypeName()),
			zap.Stringer("version", doc.Version),
			zap.Error(err),
		)
		return NewPlaceholder(doc, err), err
	}
	return obj, nil
}

func (s *Streamer) decode(doc *codec.Document) (schema.Persistable, error) {
	p, ok := s.plugins.Lookup(doc.Category, doc.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, doc.TypeName())
	}

	if p.Version.IsCompatible(doc.Version) {
		return s.populate(p.Factory(), doc)
	}
	return s.migrate(p, doc)
}

func (s *Streamer) migrate(p *plugin.Plugin, doc *codec.Document) (schema.Persistable, error) {
	verr := &SchemaVersionError{
		Type:    doc.TypeName(),
		Stored:  doc.Version,
		Current: p.Version,
	}

	if p.Version.Less(doc.Version) {
		verr.Err = ErrNewerVersion
		return nil, verr
	}

	msg := fmt.Sprintf("%s was stored with schema %s; the current schema is %s. Migrate?",
		doc.TypeName(), doc.Version, p.Version)
	if !s.control.IsAllowed(doc.Category, doc.Name, doc.Version, msg) {
		verr.Err = ErrMigrationDenied
		return nil, verr
	}

	if p.Migration == nil {
		verr.Err = ErrMissingMigration
		return nil, verr
	}
	factory, ok := p.Migration.MigrationClass(doc.Version)
	if !ok || factory == nil {
		verr.Err = ErrMissingMigration
		return nil, verr
	}

	old, err := s.populate(factory(), doc)
	if err != nil {
		return nil, fmt.Errorf("decode %s as %s: %w", doc.TypeName(), doc.Version, err)
	}

	migrated, err := p.Migration.MigrationObject(old)
	if err != nil {
		return nil, fmt.Errorf("migrate %s from %s: %w", doc.TypeName(), doc.Version, err)
	}
	if !p.Version.IsCompatible(migrated.Schema().Version()) {
		verr.Err = fmt.Errorf("migration produced version %s", migrated.Schema().Version())
		return nil, verr
	}

	s.logger.Info("migrated document",
		zap.String("type", doc.TypeName()),
		zap.Stringer("from", doc.Version),
		zap.Stringer("to", migrated.Schema().Version()),
	)
	return migrated, nil
}

// populate copies the document keys known to obj's schema onto obj. Unknown
// keys are ignored and missing keys keep their defaults.
func (s *Streamer) populate(obj schema.Persistable, doc *codec.Document) (schema.Persistable, error) {
	sch := obj.Schema()
	for _, key := range doc.Keys() {
		it, ok := sch.Item(key)
		if !ok || it.IsTransient {
			continue
		}
		v, err := s.decodeValue(doc.Data[key])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", sch.TypeName(), key, err)
		}
		if err := obj.Set(key, v); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (s *Streamer) decodeValue(v any) (schema.Value, error) {
	switch tv := v.(type) {
	case *codec.Document:
		return s.decode(tv)
	case []any:
		out := make([]schema.Value, len(tv))
		for i, e := range tv {
			dv, err := s.decodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

// ============================================================================
// Helpers
// ============================================================================

// Upgrade decodes doc, migrating if needed, and re-encodes it at the
// current schema version. A current-version document comes back unchanged
// apart from defaults for keys it lacked.
func (s *Streamer) Upgrade(doc *codec.Document) (*codec.Document, error) {
	obj, err := s.Decode(doc)
	if err != nil {
		return nil, err
	}
	return s.Encode(obj)
}

// ToBytes encodes obj with c
func (s *Streamer) ToBytes(c codec.Codec, obj schema.Persistable) ([]byte, error) {
	doc, err := s.Encode(obj)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(c, doc)
}

// FromBytes decodes data with c. Unparseable bytes yield a placeholder of
// unknown type.
func (s *Streamer) FromBytes(c codec.Codec, data []byte) (schema.Persistable, error) {
	doc, err := codec.Unmarshal(c, data)
	if err != nil {
		s.logger.Warn("document parse failed", zap.Error(err))
		return NewPlaceholder(nil, err), err
	}
	return s.Decode(doc)
}
