// Package provider defines the common interface that all execution providers
// (local agent process, generative tool loop) must implement, along with the
// domain types exchanged between the engine and provider implementations.
package provider
