package plugin

import (
	"context"

	"github.com/shopspring/decimal"
)

// Type is the category a plugin registers under. The host only consumes
// balance sources today.
type Type string

const TypeBalanceSource Type = "balance_source"

// Capability is a host facility a plugin asks for. Requests are checked
// against the allow/deny policy at registration.
type Capability string

const (
	CapabilityNetwork    Capability = "network"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityExecution  Capability = "execution"
)

// Info describes a plugin. An empty ID takes the id it is registered under.
type Info struct {
	ID           string
	Name         string
	Version      string
	Description  string
	Category     Type
	Capabilities []Capability
}

// State is a lifecycle position.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// BalanceQuery names the account whose externally held balance is wanted.
// Address carries the account's configured external reference, if any.
type BalanceQuery struct {
	AccountID string
	Currency  string
	Address   string
}

// BalanceSource is implemented by TypeBalanceSource plugins.
type BalanceSource interface {
	Balance(ctx context.Context, q BalanceQuery) (decimal.Decimal, error)
}
