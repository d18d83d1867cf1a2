// Package mcconsensus contains the core types for meridian consensus:
// validators, proposals, rounds, wire messages, and the scheme interfaces
// that parameterize hashing and signing.
//
// This package holds data and validation only.
// Round orchestration lives in mcengine,
// and the two decision paths live in mcfast and mcclassic.
package mcconsensus
