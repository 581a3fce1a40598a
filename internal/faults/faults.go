// Package faults classifies processing errors by how a delivered message
// must be disposed of.
//
// A poison error means the input can never be processed and the message is
// acknowledged and dropped. A transient error means the message was not
// processed and must be left for redelivery. A fatal error stops the worker.
// Unclassified errors are treated as transient so that nothing is lost
// silently.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Class is the disposition class of an error.
type Class int

const (
	// ClassTransient marks errors that leave the message for redelivery.
	ClassTransient Class = iota
	// ClassPoison marks inputs that are acknowledged and dropped.
	ClassPoison
	// ClassFatal marks errors that stop processing entirely.
	ClassFatal
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPoison:
		return "poison"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Component == "" {
		return ce.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Poison classifies err as a permanent per-message failure.
func Poison(component, operation string, err error) error {
	return wrap(ClassPoison, component, operation, err)
}

// Transient classifies err as a failure that redelivery may fix.
func Transient(component, operation string, err error) error {
	return wrap(ClassTransient, component, operation, err)
}

// Fatal classifies err as unrecoverable.
func Fatal(component, operation string, err error) error {
	return wrap(ClassFatal, component, operation, err)
}

func wrap(class Class, component, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err, Component: component, Operation: operation}
}

// ClassOf returns the class of the outermost classified error in err's chain.
// Cancellation is always transient; anything unclassified is transient.
func ClassOf(err error) Class {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// IsPoison reports whether err marks its input as unprocessable.
func IsPoison(err error) bool {
	return err != nil && ClassOf(err) == ClassPoison
}

// IsTransient reports whether err should lead to redelivery.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}
