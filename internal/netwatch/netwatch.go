// Package netwatch turns kernel network interface events into immediate
// sync attempts.
package netwatch

// Notifier is told when a network interface appears or changes
type Notifier interface {
	Notify()
}
