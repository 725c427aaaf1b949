package model

import "github.com/pkg/errors"

// Failure taxonomy for the engine. Callers classify with errors.Is (or the
// helpers below) and pick a retry policy:
//
//	Validation -> fix the input, do not retry
//	Conflict   -> retriable after the conflicting condition clears
//	Terminal   -> business rule, never retry
//	Transient  -> retriable as-is
var (
	ErrInvalidEvent            = errors.New("invalid event")
	ErrUnknownRound            = errors.New("unknown round")
	ErrUnknownProject          = errors.New("unknown project")
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
	ErrAlreadyDistributed      = errors.New("already distributed")
	ErrStorageUnavailable      = errors.New("storage unavailable")
)

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrUnknownRound) ||
		errors.Is(err, ErrUnknownProject)
}

func IsTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyDistributed)
}

func IsRetriable(err error) bool {
	return errors.Is(err, ErrInsufficientPoolBalance) ||
		errors.Is(err, ErrStorageUnavailable)
}
