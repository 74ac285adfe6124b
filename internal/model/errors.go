package model

import "errors"

// Sentinel errors for the rejection reasons spec.md §4.1 and §7 name
// explicitly. No package in this module returns them; the engine reports
// per-cell rejections as engine.Reason values instead.
var (
	ErrUnknownColumn = errors.New("model: unknown column")
	ErrUnknownRow    = errors.New("model: unknown row")
	ErrTypeMismatch  = errors.New("model: cell type mismatch")
	ErrUnknownNode   = errors.New("model: unknown node id")
)
