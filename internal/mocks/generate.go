// Package mocks holds gomock doubles for the crosspost ports.
//
// To regenerate after interface changes, run:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mockplatform -destination=platform/capability.go uk.co.dudmesh.crosspost/internal/platform Capability
