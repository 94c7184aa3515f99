// Package plugin hosts out-of-tree extensions loaded as Go shared objects.
// The controller uses it for balance sources that cannot be expressed as an
// HTTP endpoint or an on-chain address.
package plugin
