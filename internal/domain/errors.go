// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the resource's current state does not admit the
// requested transition, including lost races on conditional updates.
var ErrConflict = errors.New("conflict: state does not admit this transition")

// ErrUnauthorized indicates the caller may not act on this resource.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientCredits indicates a hold would drive the balance negative.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvalidInput indicates a request field violates a bound limit.
var ErrInvalidInput = errors.New("invalid input")

// ErrSuspended indicates the acting agent is suspended.
var ErrSuspended = errors.New("agent suspended")

// ErrCooldown indicates the agent is inside an abandon cooldown window.
var ErrCooldown = errors.New("abandon cooldown active")

// ErrRateLimited indicates too many operations of this kind in the window.
var ErrRateLimited = errors.New("rate limited")
