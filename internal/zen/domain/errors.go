package domain

import (
	"errors"
	"fmt"
)

// ErrClassificationTimeout signals that one packet's classification
// exceeded its budget. The consumer recovers by accepting the packet.
var ErrClassificationTimeout = errors.New("classification budget exceeded")

// ErrNoSuchRuleSet is returned for operations on an unknown rule set name.
var ErrNoSuchRuleSet = errors.New("no such rule set")

// ErrNoSuchRule is returned for operations on a rule absent from its set.
var ErrNoSuchRule = errors.New("no such rule")

// PrivilegeError reports a failure to acquire a privileged resource
// (binding the kernel queue, installing firewall rules). Always fatal:
// the daemon must not keep running with filtering silently disabled.
type PrivilegeError struct {
	Op  string // what was attempted, e.g. "bind nfqueue"
	Err error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("privilege error: %s: %v", e.Op, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

// NewPrivilegeError wraps err as a PrivilegeError for operation op.
func NewPrivilegeError(op string, err error) *PrivilegeError {
	return &PrivilegeError{Op: op, Err: err}
}

// ParseError reports malformed packet or hostname input. Recovered locally:
// the affected item degrades to an "unknown" classification and is logged.
type ParseError struct {
	What string // what failed to parse, e.g. "tls client hello"
	Err  error  // optional underlying cause
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse error: %s", e.What)
	}
	return fmt.Sprintf("parse error: %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError for the given input kind.
func NewParseError(what string, err error) *ParseError {
	return &ParseError{What: what, Err: err}
}

// DiscoveryError reports a per-seed discovery failure. The batch continues;
// the seed is reported failed.
type DiscoveryError struct {
	Seed string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.Seed, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// NewDiscoveryError wraps err as a DiscoveryError for the given seed.
func NewDiscoveryError(seed string, err error) *DiscoveryError {
	return &DiscoveryError{Seed: seed, Err: err}
}

// RuleStoreInconsistency reports a rule store invariant violation, such as
// an active rule set that does not exist. These indicate programming or
// data corruption errors and are fatal.
type RuleStoreInconsistency struct {
	Detail string
}

func (e *RuleStoreInconsistency) Error() string {
	return fmt.Sprintf("rule store inconsistency: %s", e.Detail)
}

// NewRuleStoreInconsistency builds the assertion error with detail.
func NewRuleStoreInconsistency(format string, args ...any) *RuleStoreInconsistency {
	return &RuleStoreInconsistency{Detail: fmt.Sprintf(format, args...)}
}
