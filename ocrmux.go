// Package ocrmux routes OCR-style document requests across heterogeneous
// backends as a Go library.
//
// A Client scores the registered backends for each request with weighted
// rules and hard overrides, tracks backend health with a circuit breaker,
// fails over in rank order, bounds per-backend concurrency, and caches
// routing decisions and results.
//
// ocrmux can be used in two modes:
//   - Library Mode: Import and use directly in your Go application
//   - Gateway Mode: Run cmd/ocrmux as a standalone HTTP server
//
// Basic usage:
//
//	client, err := ocrmux.New(
//	    ocrmux.WithBackend(localDesc, localEngine),
//	    ocrmux.WithBackend(cloudDesc, cloudService),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	client.Start(ctx)
//
//	res, err := client.RouteAndExecute(ctx, &ocrmux.Request{
//	    TaskType: ocrmux.TaskFormProcessing,
//	    Privacy:  ocrmux.PrivacyNormal,
//	    Payload:  scan,
//	})
package ocrmux

import (
	"github.com/blueberrycongee/ocrmux/internal/cache"
	"github.com/blueberrycongee/ocrmux/internal/dispatch"
	"github.com/blueberrycongee/ocrmux/internal/healthcheck"
	"github.com/blueberrycongee/ocrmux/internal/resilience"
	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/router"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Version is the current version of ocrmux.
const Version = "0.1.0"

// Re-export request and result types for convenience.
type (
	// Request is a single unit of work submitted to the gateway.
	Request = types.Request

	// Result is the outcome of a routed request.
	Result = types.Result

	// Attempt records one candidate tried for a request.
	Attempt = types.Attempt

	// TaskType identifies the kind of document processing requested.
	TaskType = types.TaskType

	// QualityLevel is the requested output quality.
	QualityLevel = types.QualityLevel

	// PrivacyLevel is the privacy requirement of a request.
	PrivacyLevel = types.PrivacyLevel
)

// Re-export backend types.
type (
	// Backend is the contract every processing backend implements.
	Backend = backend.Backend

	// Descriptor holds the static routing attributes of a backend.
	Descriptor = backend.Descriptor

	// HealthReport is the outcome of a backend health check.
	HealthReport = backend.HealthReport
)

// Re-export routing types.
type (
	// Policy is the routing policy: weights, override rules, load awareness.
	Policy = router.Policy

	// Weights are the scoring weights.
	Weights = router.Weights

	// Rule is a hard override rule.
	Rule = router.Rule

	// Decision is a ranked list of candidates for one request.
	Decision = router.Decision

	// HealthState is a point-in-time snapshot of a backend's health.
	HealthState = router.HealthState
)

// Re-export component configuration types.
type (
	// BreakerConfig configures the per-backend circuit breaker.
	BreakerConfig = resilience.CircuitBreakerConfig

	// ProbeConfig configures active health probing.
	ProbeConfig = healthcheck.Config

	// DispatchConfig configures attempts, timeouts and backoff.
	DispatchConfig = dispatch.Config

	// CacheConfig configures the decision and result cache.
	CacheConfig = cache.Config

	// Cache is a byte-oriented cache store.
	Cache = cache.Cache

	// CacheStats holds cache statistics for monitoring.
	CacheStats = cache.CacheStats
)

// Re-export error types.
type (
	// UnknownBackendError is returned for names that were never registered.
	UnknownBackendError = errors.UnknownBackendError

	// NoEligibleBackendError is returned when no backend can take a request.
	NoEligibleBackendError = errors.NoEligibleBackendError

	// BackendError is a single failed backend attempt.
	BackendError = errors.BackendError

	// AllBackendsFailedError is returned after every attempt failed.
	AllBackendsFailedError = errors.AllBackendsFailedError
)

// Re-export task, quality and privacy constants.
const (
	TaskTextExtraction  = types.TaskTextExtraction
	TaskFormProcessing  = types.TaskFormProcessing
	TaskTableExtraction = types.TaskTableExtraction
	TaskHandwriting     = types.TaskHandwriting
	TaskLayoutAnalysis  = types.TaskLayoutAnalysis
	TaskComplex         = types.TaskComplex

	QualityLow       = types.QualityLow
	QualityMedium    = types.QualityMedium
	QualityHigh      = types.QualityHigh
	QualityUltraHigh = types.QualityUltraHigh

	PrivacyLow    = types.PrivacyLow
	PrivacyNormal = types.PrivacyNormal
	PrivacyHigh   = types.PrivacyHigh
)

// Re-export backend kinds.
const (
	KindLocal  = backend.KindLocal
	KindRemote = backend.KindRemote
)

// Re-export cache type constants.
const (
	// CacheTypeLocal is an in-memory LRU cache.
	CacheTypeLocal = cache.CacheTypeLocal

	// CacheTypeRedis is a Redis-backed cache.
	CacheTypeRedis = cache.CacheTypeRedis

	// CacheTypeDual is a local L1 cache backed by Redis.
	CacheTypeDual = cache.CacheTypeDual
)

// ErrDegraded is reported in Result.Warnings when a request was served while
// no eligible backend was healthy.
var ErrDegraded = errors.ErrDegraded

// DefaultPolicy returns the default routing policy.
func DefaultPolicy() Policy {
	return router.DefaultPolicy()
}
