// Package ledger wraps the boss battle contract in a typed client.
//
// Contract is the port implemented by concrete providers (see ledger/evm) and
// by test fakes. Client wraps a Contract, bounds every call, decodes records
// into characters and converts provider failures into the arena error
// taxonomy, so nothing above this package handles raw transport errors.
package ledger
