// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package failure defines the tagged error values shared by the bridge, its
// collaborators and the retry engine that classifies them.
package failure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// Kind identifies how the retry engine reacts to an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindPolicyRetryable
	KindCredentialsRequired
	KindBadCredentials
	KindOperationCanceled
	KindHTTPChallengeRequired
	KindKeyStoreCorrupt
	KindClientCertRevoked
	KindServerCertUntrusted
	KindSSL
	KindDecorator
	KindProcessor
	KindResponseValidation
	KindPolicyAssertion
	KindInvalidDocument
	KindBadSecurityContext
	KindPolicyLocked
	KindClientCertificate
	KindCertificateAlreadyIssued
	KindUnrecoverableKey
	KindIO
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindConfiguration:            "configuration",
	KindPolicyRetryable:          "policy retryable",
	KindCredentialsRequired:      "credentials required",
	KindBadCredentials:           "bad credentials",
	KindOperationCanceled:        "operation canceled",
	KindHTTPChallengeRequired:    "http challenge required",
	KindKeyStoreCorrupt:          "keystore corrupt",
	KindClientCertRevoked:        "client certificate revoked",
	KindServerCertUntrusted:      "server certificate untrusted",
	KindSSL:                      "ssl",
	KindDecorator:                "decorator",
	KindProcessor:                "processor",
	KindResponseValidation:       "response validation",
	KindPolicyAssertion:          "policy assertion",
	KindInvalidDocument:          "invalid document",
	KindBadSecurityContext:       "bad security context",
	KindPolicyLocked:             "policy locked",
	KindClientCertificate:        "client certificate",
	KindCertificateAlreadyIssued: "certificate already issued",
	KindUnrecoverableKey:         "unrecoverable key",
	KindIO:                       "i/o",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error tagged with a Kind. Err, when set, is the cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// msg already includes the cause text
	formatted bool
}

func (e *Error) Error() string {
	switch {
	case e.formatted:
		return e.Msg
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration         = &Error{Kind: KindConfiguration}
	ErrPolicyRetryable       = &Error{Kind: KindPolicyRetryable}
	ErrCredentialsRequired   = &Error{Kind: KindCredentialsRequired}
	ErrBadCredentials        = &Error{Kind: KindBadCredentials}
	ErrOperationCanceled     = &Error{Kind: KindOperationCanceled}
	ErrHTTPChallengeRequired = &Error{Kind: KindHTTPChallengeRequired}
	ErrKeyStoreCorrupt       = &Error{Kind: KindKeyStoreCorrupt}
	ErrClientCertRevoked     = &Error{Kind: KindClientCertRevoked}
	ErrServerCertUntrusted   = &Error{Kind: KindServerCertUntrusted}
	ErrSSL                   = &Error{Kind: KindSSL}
	ErrDecorator             = &Error{Kind: KindDecorator}
	ErrProcessor             = &Error{Kind: KindProcessor}
	ErrResponseValidation    = &Error{Kind: KindResponseValidation}
	ErrPolicyAssertion       = &Error{Kind: KindPolicyAssertion}
	ErrInvalidDocument       = &Error{Kind: KindInvalidDocument}
	ErrBadSecurityContext    = &Error{Kind: KindBadSecurityContext}
	ErrPolicyLocked          = &Error{Kind: KindPolicyLocked}
	ErrClientCertificate     = &Error{Kind: KindClientCertificate}
	ErrCertAlreadyIssued     = &Error{Kind: KindCertificateAlreadyIssued}
	ErrUnrecoverableKey      = &Error{Kind: KindUnrecoverableKey}
)

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf returns an error of the given kind with a formatted message. A %w
// verb in format becomes the cause.
func Errorf(kind Kind, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped), formatted: true}
}

// Wrap tags err with kind. It returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CausedBy reports whether any error in err's chain carries kind.
func CausedBy(err error, kind Kind) bool {
	return Find(err, kind) != nil
}

// Find returns the first tagged error of the given kind in err's chain.
func Find(err error, kind Kind) *Error {
	for err != nil {
		if fe, ok := err.(*Error); ok && fe.Kind == kind {
			return fe
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if fe := Find(inner, kind); fe != nil {
					return fe
				}
			}
			return nil
		default:
			err = errors.Unwrap(err)
		}
	}
	return nil
}

// IsTLS reports whether err was caused by a TLS handshake or certificate
// verification failure, or was tagged KindSSL.
func IsTLS(err error) bool {
	if err == nil {
		return false
	}
	if CausedBy(err, KindSSL) {
		return true
	}
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		authority   x509.UnknownAuthorityError
		hostname    x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &authority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalidCert)
}
