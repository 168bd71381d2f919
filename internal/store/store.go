// Package store is a small document store. The Store facade sits in front of a Driver,
// which is either sqlite (modernc.org/sqlite) or bolt (go.etcd.io/bbolt).
//
// Documents are JSON objects. Filters are top-level field equality, with In for
// membership. Upsert applies $set semantics: the listed fields overwrite, every other
// field of a matched document is left as is.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmharvest/internal/logging"
)

// ErrNotFound is returned by FindOne helpers when no document matches.
var ErrNotFound = errors.New("store: document not found")

// IDField is the key under which every document carries its id.
const IDField = "_id"

// Doc is a decoded document.
type Doc map[string]any

// Filter selects documents by top-level field equality.
type Filter map[string]any

// UpsertResult reports what an Upsert did. InsertedID is set only when no document
// matched and a new one was created.
type UpsertResult struct {
	InsertedID    string
	MatchedCount  int
	ModifiedCount int
}

// Driver is the storage backend behind Store.
type Driver interface {
	Upsert(ctx context.Context, collection string, filter Filter, set Doc) (UpsertResult, error)
	Insert(ctx context.Context, collection string, doc Doc) (string, error)
	Find(ctx context.Context, collection string, filter Filter, limit int) ([]Doc, error)
	Close() error
}

// Collections names the persisted collections.
type Collections struct {
	Accounts   string
	GroupChats string
	Users      string
	Raw        string
}

// DefaultCollections returns the stock collection names.
func DefaultCollections() Collections {
	return Collections{
		Accounts:   "xaccounts",
		GroupChats: "xgroup_chats",
		Users:      "xtwitter_users",
		Raw:        "xraw_data",
	}
}

// Options selects and configures a driver.
type Options struct {
	Driver      string // sqlite, bolt
	Path        string
	Collections Collections
}

// Store is the handle passed to every flow that persists documents.
type Store struct {
	driver      Driver
	collections Collections
	logger      *zap.Logger
}

// New wraps an already opened driver.
func New(driver Driver, collections Collections, logger *zap.Logger) *Store {
	return &Store{driver: driver, collections: collections, logger: logging.OrNop(logger)}
}

// Open opens the configured driver.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	var (
		driver Driver
		err    error
	)
	switch opts.Driver {
	case "", "sqlite":
		driver, err = OpenSQLite(opts.Path)
	case "bolt":
		driver, err = OpenBolt(opts.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	cols := opts.Collections
	defaults := DefaultCollections()
	if cols.Accounts == "" {
		cols.Accounts = defaults.Accounts
	}
	if cols.GroupChats == "" {
		cols.GroupChats = defaults.GroupChats
	}
	if cols.Users == "" {
		cols.Users = defaults.Users
	}
	if cols.Raw == "" {
		cols.Raw = defaults.Raw
	}

	s := New(driver, cols, logger)
	s.logger.Info("store opened", zap.String("driver", opts.Driver), zap.String("path", opts.Path))
	return s, nil
}

// Collections returns the collection names in use.
func (s *Store) Collections() Collections {
	return s.collections
}

// Upsert updates the first document matching filter with set, or inserts filter+set.
func (s *Store) Upsert(ctx context.Context, collection string, filter Filter, set any) (UpsertResult, error) {
	doc, err := toDoc(set)
	if err != nil {
		return UpsertResult{}, err
	}
	nf, err := normalizeFilter(filter)
	if err != nil {
		return UpsertResult{}, err
	}
	delete(doc, IDField)
	return s.driver.Upsert(ctx, collection, nf, doc)
}

// Insert stores doc as a new document and returns its id.
func (s *Store) Insert(ctx context.Context, collection string, doc any) (string, error) {
	d, err := toDoc(doc)
	if err != nil {
		return "", err
	}
	if id, ok := d[IDField].(string); !ok || id == "" {
		d[IDField] = uuid.NewString()
	}
	return s.driver.Insert(ctx, collection, d)
}

// Find decodes every matching document into out, which must point to a slice.
func (s *Store) Find(ctx context.Context, collection string, filter Filter, out any) error {
	nf, err := normalizeFilter(filter)
	if err != nil {
		return err
	}
	docs, err := s.driver.Find(ctx, collection, nf, 0)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []Doc{}
	}
	return remarshal(docs, out)
}

// FindOne decodes the first matching document into out. It returns ErrNotFound when
// nothing matches.
func (s *Store) FindOne(ctx context.Context, collection string, filter Filter, out any) error {
	nf, err := normalizeFilter(filter)
	if err != nil {
		return err
	}
	docs, err := s.driver.Find(ctx, collection, nf, 1)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrNotFound
	}
	return remarshal(docs[0], out)
}

// Close closes the driver.
func (s *Store) Close() error {
	return s.driver.Close()
}

// inSet is a membership condition built by In.
type inSet struct {
	values []any
}

// In matches documents whose field equals one of values.
func In[T any](values ...T) any {
	set := inSet{values: make([]any, 0, len(values))}
	for _, v := range values {
		set.values = append(set.values, v)
	}
	return set
}

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)

func checkCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// toDoc turns a struct or map into a Doc with JSON-normalized values.
func toDoc(v any) (Doc, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// normalize round-trips v through JSON so it compares equal to decoded documents.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFilter(filter Filter) (Filter, error) {
	out := make(Filter, len(filter))
	for field, want := range filter {
		if !fieldName.MatchString(field) {
			return nil, fmt.Errorf("invalid filter field %q", field)
		}
		if set, ok := want.(inSet); ok {
			norm := inSet{values: make([]any, 0, len(set.values))}
			for _, v := range set.values {
				nv, err := normalize(v)
				if err != nil {
					return nil, fmt.Errorf("filter %s: %w", field, err)
				}
				norm.values = append(norm.values, nv)
			}
			out[field] = norm
			continue
		}
		nv, err := normalize(want)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", field, err)
		}
		out[field] = nv
	}
	return out, nil
}

// matches reports whether doc satisfies a normalized filter.
func matches(doc Doc, filter Filter) bool {
	for field, want := range filter {
		got, ok := doc[field]
		if set, isSet := want.(inSet); isSet {
			if !ok {
				return false
			}
			hit := false
			for _, v := range set.values {
				if reflect.DeepEqual(got, v) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// apply merges set into doc and reports whether any field changed.
func apply(doc, set Doc) bool {
	changed := false
	for k, v := range set {
		if old, ok := doc[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		doc[k] = v
		changed = true
	}
	return changed
}

// seed builds the document inserted by an upsert that matched nothing.
func seed(filter Filter, set Doc) Doc {
	doc := Doc{IDField: uuid.NewString()}
	for k, v := range filter {
		if _, isSet := v.(inSet); isSet {
			continue
		}
		doc[k] = v
	}
	for k, v := range set {
		doc[k] = v
	}
	return doc
}

// upsertDocs applies upsert semantics over an in-memory candidate list. It returns the
// document to write, or nil when nothing changed.
func upsertDocs(candidates []Doc, filter Filter, set Doc) (Doc, UpsertResult) {
	for _, doc := range candidates {
		if !matches(doc, filter) {
			continue
		}
		res := UpsertResult{MatchedCount: 1}
		if apply(doc, set) {
			res.ModifiedCount = 1
			return doc, res
		}
		return nil, res
	}
	doc := seed(filter, set)
	return doc, UpsertResult{InsertedID: doc[IDField].(string)}
}
