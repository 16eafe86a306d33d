// Package errcode defines the numbered failure codes returned by the
// escrow, marketplace, swap and asset components.
//
// Codes are grouped in ranges of ten so that clients can classify a failure
// without a lookup table: 1-10 general, 11-20 asset, 21-30 property, 31-40
// listing, 41-50 escrow, 51-60 registry, 61-70 deployment.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable numeric failure code. It implements error so that domain
// operations can return it directly and callers can match with errors.Is.
type Code uint32

// General
const (
	AlreadyInitialized Code = 1
	NotInitialized     Code = 2
	NotAuthorized      Code = 3
	InvalidAmount      Code = 4
	InvalidPercentage  Code = 5
)

// Asset
const (
	InsufficientBalance   Code = 11
	InsufficientAllowance Code = 12
	TokenNotFound         Code = 13
	MintExceedsSupply     Code = 14
)

// Property
const (
	PropertyNotFound      Code = 21
	PropertyAlreadyExists Code = 22
	PropertyNotVerified   Code = 23
	InvalidPropertyData   Code = 24
)

// Listing
const (
	ListingNotFound      Code = 31
	ListingAlreadyExists Code = 32
	ListingExpired       Code = 33
	ListingCancelled     Code = 34
	InvalidPrice         Code = 35
	InvalidListingAmount Code = 36
	NotListingOwner      Code = 37
)

// Escrow
const (
	EscrowNotFound          Code = 41
	EscrowAlreadyLocked     Code = 42
	EscrowNotLocked         Code = 43
	EscrowAlreadyReleased   Code = 44
	EscrowAlreadyRefunded   Code = 45
	EscrowTimeoutNotReached Code = 46
	InvalidEscrowAmount     Code = 47
)

// Registry
const (
	RegistryNotFound     Code = 51
	OwnershipNotFound    Code = 52
	InvalidOwnershipData Code = 53
	DocumentHashExists   Code = 54
	InvalidDocumentHash  Code = 55
)

// Deployment
const (
	DeploymentFailed        Code = 61
	InvalidWasmHash         Code = 62
	InvalidSalt             Code = 63
	ContractAlreadyDeployed Code = 64
)

var names = map[Code]string{
	AlreadyInitialized:      "already_initialized",
	NotInitialized:          "not_initialized",
	NotAuthorized:           "not_authorized",
	InvalidAmount:           "invalid_amount",
	InvalidPercentage:       "invalid_percentage",
	InsufficientBalance:     "insufficient_balance",
	InsufficientAllowance:   "insufficient_allowance",
	TokenNotFound:           "token_not_found",
	MintExceedsSupply:       "mint_exceeds_supply",
	PropertyNotFound:        "property_not_found",
	PropertyAlreadyExists:   "property_already_exists",
	PropertyNotVerified:     "property_not_verified",
	InvalidPropertyData:     "invalid_property_data",
	ListingNotFound:         "listing_not_found",
	ListingAlreadyExists:    "listing_already_exists",
	ListingExpired:          "listing_expired",
	ListingCancelled:        "listing_cancelled",
	InvalidPrice:            "invalid_price",
	InvalidListingAmount:    "invalid_listing_amount",
	NotListingOwner:         "not_listing_owner",
	EscrowNotFound:          "escrow_not_found",
	EscrowAlreadyLocked:     "escrow_already_locked",
	EscrowNotLocked:         "escrow_not_locked",
	EscrowAlreadyReleased:   "escrow_already_released",
	EscrowAlreadyRefunded:   "escrow_already_refunded",
	EscrowTimeoutNotReached: "escrow_timeout_not_reached",
	InvalidEscrowAmount:     "invalid_escrow_amount",
	RegistryNotFound:        "registry_not_found",
	OwnershipNotFound:       "ownership_not_found",
	InvalidOwnershipData:    "invalid_ownership_data",
	DocumentHashExists:      "document_hash_exists",
	InvalidDocumentHash:     "invalid_document_hash",
	DeploymentFailed:        "deployment_failed",
	InvalidWasmHash:         "invalid_wasm_hash",
	InvalidSalt:             "invalid_salt",
	ContractAlreadyDeployed: "contract_already_deployed",
}

// String returns the snake_case name used in API responses and metrics.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

func (c Code) Error() string {
	return fmt.Sprintf("%s (code %d)", c.String(), uint32(c))
}

// Known reports whether c is part of the defined set.
func (c Code) Known() bool {
	_, ok := names[c]
	return ok
}

// Of extracts the Code carried by err, if any.
func Of(err error) (Code, bool) {
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}

// Label returns the code name for err, "ok" for nil and "internal" for
// errors that carry no code. Used as a low-cardinality metrics label.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	if c, ok := Of(err); ok {
		return c.String()
	}
	return "internal"
}

// HTTPStatus maps a code to the HTTP status the API responds with.
func HTTPStatus(c Code) int {
	switch c {
	case NotAuthorized, NotListingOwner:
		return http.StatusForbidden
	case ListingNotFound, EscrowNotFound, TokenNotFound, PropertyNotFound,
		RegistryNotFound, OwnershipNotFound:
		return http.StatusNotFound
	case AlreadyInitialized, ListingAlreadyExists, PropertyAlreadyExists,
		ListingCancelled, ListingExpired, EscrowNotLocked, EscrowAlreadyLocked,
		EscrowAlreadyReleased, EscrowAlreadyRefunded, EscrowTimeoutNotReached,
		DocumentHashExists, ContractAlreadyDeployed:
		return http.StatusConflict
	case InsufficientBalance, InsufficientAllowance:
		return http.StatusPaymentRequired
	case NotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
