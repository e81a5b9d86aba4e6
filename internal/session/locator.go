package session

import (
	"context"
	"errors"

	"github.com/Timolanda/Micall-sub001/internal/models"
)

// Locator resolves the device position at activation time. A Locator failure
// degrades gracefully: the session proceeds without a location.
type Locator interface {
	Locate(ctx context.Context) (*models.Location, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context) (*models.Location, error)

// Locate calls fn.
func (fn LocatorFunc) Locate(ctx context.Context) (*models.Location, error) {
	return fn(ctx)
}

// StaticLocator always reports a fixed position.
type StaticLocator struct {
	Loc models.Location
}

// Locate returns a copy of the fixed position.
func (s StaticLocator) Locate(context.Context) (*models.Location, error) {
	loc := s.Loc
	return &loc, nil
}

type locationKey struct{}

// WithReportedLocation returns a context carrying the device-reported
// position, for activation paths where the device sends its own fix.
func WithReportedLocation(ctx context.Context, loc models.Location) context.Context {
	return context.WithValue(ctx, locationKey{}, loc)
}

// ContextLocator reads the device-reported position off the activation
// context. Absent a fix it fails, which the engine treats as "no location".
type ContextLocator struct{}

// Locate returns the position carried on ctx, if any.
func (ContextLocator) Locate(ctx context.Context) (*models.Location, error) {
	if loc, ok := ctx.Value(locationKey{}).(models.Location); ok {
		return &loc, nil
	}
	return nil, errors.New("session: no location reported")
}
