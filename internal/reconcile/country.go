package reconcile

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ajitpratap0/notesync/internal/store"
)

// CountryAssigner fills country_id on staged notes that do not have one.
// The spatial lookup itself lives in the store.
type CountryAssigner interface {
	Assign(ctx context.Context, tx *store.Tx) (int64, error)
}

// Noop leaves countries unresolved.
type Noop struct{}

// Assign implements CountryAssigner.
func (Noop) Assign(context.Context, *store.Tx) (int64, error) { return 0, nil }

var functionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLFunction resolves countries with a store-side function taking
// (longitude, latitude, note_id) and returning a country id or NULL.
type SQLFunction struct {
	name string
}

// NewSQLFunction validates name. It is interpolated into SQL, so only plain
// and schema-qualified identifiers are accepted.
func NewSQLFunction(name string) (*SQLFunction, error) {
	if !functionName.MatchString(name) {
		return nil, fmt.Errorf("invalid country function name %q", name)
	}
	return &SQLFunction{name: name}, nil
}

// Assign implements CountryAssigner.
func (f *SQLFunction) Assign(ctx context.Context, tx *store.Tx) (int64, error) {
	return execCount(ctx, tx, fmt.Sprintf(
		`UPDATE staged_notes SET country_id = %s(longitude, latitude, note_id) WHERE country_id IS NULL`,
		f.name))
}

// NewAssigner returns the assigner for a configured function name, which
// may be empty.
func NewAssigner(function string) (CountryAssigner, error) {
	if function == "" {
		return Noop{}, nil
	}
	return NewSQLFunction(function)
}
