package config

import "time"

// Central place for all application-wide timing constants and other
// defaults. Changing a value here immediately affects all components that
// import github.com/cjserio/nolongerevil/internal/config.

const (
	// MaxSubsPerDeviceDefault caps live long-poll subscriptions per serial.
	MaxSubsPerDeviceDefault = 100

	// SuspendTimeMaxDefault is the device's own long-poll abort timer.
	// HoldMaxFraction of it is how long the server holds a long-poll open.
	SuspendTimeMaxDefault = 60 * time.Second
	HoldMaxFraction       = 0.80

	// ResubscribeWindow bounds how soon after a subscription ends a new
	// one from the same serial is treated as a continuation rather than a
	// fresh connection.
	ResubscribeWindow = 5 * time.Second

	// Availability watchdog sweep cadence and per-serial timeout.
	CheckInterval       = 30 * time.Second
	AvailabilityTimeout = 300 * time.Second

	// IntegrationMailboxCapacity bounds each Integration Fan-out sink's
	// per-worker mailbox.
	IntegrationMailboxCapacity = 64
)

// HoldMax returns 0.80 × suspendTimeMax, the long-poll hold deadline.
func HoldMax(suspendTimeMax time.Duration) time.Duration {
	return time.Duration(float64(suspendTimeMax) * HoldMaxFraction)
}
