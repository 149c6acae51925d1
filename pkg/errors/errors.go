// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors wraps the standard errors package and adds the
// bus-facing error taxonomy used by every mutating method handler.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Name is one of the fixed bus error names from spec §7.
type Name string

const (
	Failed          Name = "Failed"
	NotAuthorized   Name = "NotAuthorized"
	Timeout         Name = "Timeout"
	InvalidArgument Name = "InvalidArgument"

	ISCSITransportFailed       Name = "ISCSI.TransportFailed"
	ISCSILoginFailed           Name = "ISCSI.LoginFailed"
	ISCSILoginFatal            Name = "ISCSI.LoginFatal"
	ISCSILoginAuthFailed       Name = "ISCSI.LoginAuthFailed"
	ISCSILogoutFailed          Name = "ISCSI.LogoutFailed"
	ISCSIIDMB                  Name = "ISCSI.IDMB"
	ISCSIDaemonTransportFailed Name = "ISCSI.DaemonTransportFailed"
	ISCSINotConnected          Name = "ISCSI.NotConnected"
	ISCSINoObjectsFound        Name = "ISCSI.NoObjectsFound"
	ISCSIHostNotFound          Name = "ISCSI.HostNotFound"
	ISCSIUnknownDiscoveryType  Name = "ISCSI.UnknownDiscoveryType"
	ISCSINoFirmware            Name = "ISCSI.NoFirmware"
)

// BusError is a typed error surfaced to a method caller across the object
// bus. It carries a fixed Name (spec §7) and a human-readable Message.
type BusError struct {
	Name    Name
	Message string
	cause   error
}

func (e *BusError) Error() string {
	if e.Message == "" {
		return string(e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *BusError) Unwrap() error { return e.cause }

// NewBusError constructs a BusError carrying no underlying cause.
func NewBusError(name Name, message string) *BusError {
	return &BusError{Name: name, Message: message}
}

// Wrap constructs a BusError from name and an underlying cause, preserving
// the cause for Unwrap/Is/As while fixing the bus-visible name.
func Wrap(name Name, cause error) *BusError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &BusError{Name: name, Message: msg, cause: cause}
}

func AsBusError(err error) (*BusError, bool) {
	var be *BusError
	if As(err, &be) {
		return be, true
	}
	return nil, false
}

// iscsiCodeTable maps the numeric login/logout return codes from the
// underlying iSCSI control library to the bus taxonomy (spec §7
// "External-library numeric codes are translated at the gateway
// boundary"). Codes follow open-iscsi's iscsiadm/libopeniscsiusr
// convention; unmapped codes fall back to Failed.
var iscsiCodeTable = map[int]Name{
	1:  ISCSITransportFailed,
	2:  ISCSILoginFailed,
	3:  ISCSILoginFatal,
	4:  ISCSILoginAuthFailed,
	5:  ISCSILogoutFailed,
	6:  ISCSIIDMB,
	7:  ISCSIDaemonTransportFailed,
	8:  ISCSINotConnected,
	9:  ISCSINoObjectsFound,
	10: ISCSIHostNotFound,
	11: ISCSIUnknownDiscoveryType,
	12: ISCSINoFirmware,
}

// ISCSIError translates a numeric code returned by the iSCSI gateway
// into a typed BusError, falling back to Failed for unmapped codes.
func ISCSIError(code int, message string) *BusError {
	name, ok := iscsiCodeTable[code]
	if !ok {
		name = Failed
	}
	return NewBusError(name, message)
}
