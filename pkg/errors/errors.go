/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a provider or infrastructure failure. Every remote call
// returns either nil or an error that callers can classify before branching;
// unclassified failures are treated as fatal to avoid zombies.
type Kind string

const (
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Error codes surfaced in instances.error_code and action-log entries.
const (
	CodeMissingParams             = "MISSING_PARAMS"
	CodeMissingModel              = "MISSING_MODEL"
	CodeInvalidProvider           = "INVALID_PROVIDER"
	CodeInvalidZone               = "INVALID_ZONE"
	CodeInvalidInstanceType       = "INVALID_INSTANCE_TYPE"
	CodeInvalidModel              = "INVALID_MODEL"
	CodeIncompatibleModelInstance = "INCOMPATIBLE_MODEL_INSTANCE"
	CodeCatalogInconsistent       = "CATALOG_INCONSISTENT"

	CodeProviderCreateFailed       = "PROVIDER_CREATE_FAILED"
	CodeProviderStartFailed        = "PROVIDER_START_FAILED"
	CodeProviderVolumeCreateFailed = "PROVIDER_VOLUME_CREATE_FAILED"
	CodeProviderVolumeAttachFailed = "PROVIDER_VOLUME_ATTACH_FAILED"

	CodeDisklessBootImageRequired      = "SCW_DISKLESS_BOOT_IMAGE_REQUIRED"
	CodeDisklessBootImageResolveFailed = "SCW_DISKLESS_BOOT_IMAGE_RESOLVE_FAILED"

	CodeHealthCheckFailed = "HEALTH_CHECK_FAILED"
	CodeStartupTimeout    = "STARTUP_TIMEOUT"

	CodeDBError     = "DB_ERROR"
	CodeMissingZone = "MISSING_ZONE"
)

// ProviderError carries enough structure to let callers classify
// retryable_transient vs fatal without parsing provider-specific messages.
type ProviderError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewNotFound(message string) *ProviderError {
	return &ProviderError{Kind: KindNotFound, Code: "not_found", Message: message}
}

func NewTransient(code, message string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Code: code, Message: message, Err: err}
}

func NewFatal(code, message string, err error) *ProviderError {
	return &ProviderError{Kind: KindFatal, Code: code, Message: message, Err: err}
}

// VolumesNotReadyCode marks the provider precondition "volumes not yet
// usable" returned on poweron shortly after volume attachment. Retried with
// bounded backoff inside the adapter.
const VolumesNotReadyCode = "volumes_not_ready"

// IsNotFound returns true if the err means "not found" (even if it's
// wrapped), as opposed to a more serious or unexpected error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == KindNotFound
	}
	return false
}

// IsTransient returns true if the error is known to be retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == KindTransient
	}
	return false
}

// IsVolumesNotReady returns true for the poweron precondition that is retried
// inside the adapter's StartInstance.
func IsVolumesNotReady(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code == VolumesNotReadyCode
	}
	return false
}

// CodeOf returns the classified code carried by err, or fallback when err is
// unclassified or carries none.
func CodeOf(err error, fallback string) string {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	return fallback
}

// IgnoreNotFound drops not-found errors; idempotent deletes treat them as
// success.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
