package repository

import "errors"

// ErrNotFound is returned by writes that target a missing record. Lookups return
// (nil, nil) instead.
var ErrNotFound = errors.New("record not found")
