// Package observability wires the ambient logging and metrics stack:
// a zap-backed logr.Logger, built the same way controller-runtime's
// ctrl.Log is but without the manager it would otherwise come from,
// and the prometheus collectors every other component increments.
package observability

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds a production zap logger wrapped as a logr.Logger,
// the same construction sigs.k8s.io/controller-runtime performs
// internally for zap.New(zap.UseDevMode(false)).
func NewLogger() (logr.Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// NewDevelopmentLogger builds a human-readable logger suitable for
// local runs and tests.
func NewDevelopmentLogger() logr.Logger {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}
