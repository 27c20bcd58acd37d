package event

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of them via errors.Is.
var (
	ErrInvalidTopic          = errors.New("invalid topic")
	ErrQueueFull             = errors.New("queue full")
	ErrBackpressureTriggered = errors.New("backpressure triggered")
	ErrSubscriberNotFound    = errors.New("subscriber not found")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrDeliveryFailed        = errors.New("delivery failed")
)

// InvalidTopicError reports a malformed topic or pattern.
type InvalidTopicError struct {
	Topic  string
	Reason string
}

func (e *InvalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

func (e *InvalidTopicError) Is(target error) bool { return target == ErrInvalidTopic }

// QueueFullError reports a queue at capacity.
type QueueFullError struct {
	Current int
	Max     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %d/%d", e.Current, e.Max)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// BackpressureError reports a refused admission while backpressure is active.
type BackpressureError struct {
	QueueSize int
	Threshold int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure triggered: queue size %d, threshold %d", e.QueueSize, e.Threshold)
}

func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressureTriggered }

// SubscriberNotFoundError reports an unknown subscriber id.
type SubscriberNotFoundError struct {
	ID SubscriberID
}

func (e *SubscriberNotFoundError) Error() string {
	return fmt.Sprintf("subscriber %d not found", e.ID)
}

func (e *SubscriberNotFoundError) Is(target error) bool { return target == ErrSubscriberNotFound }

// InvalidConfigurationError reports a bad configuration value or a bus state
// that forbids the operation (Field "state").
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }

// ResourceLimitError reports a request above a hard limit.
type ResourceLimitError struct {
	Resource  string
	Limit     int
	Requested int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded for %s: limit %d, requested %d", e.Resource, e.Limit, e.Requested)
}

func (e *ResourceLimitError) Is(target error) bool { return target == ErrResourceLimitExceeded }

// DeliveryFailedError reports a failed delivery to a subscriber.
type DeliveryFailedError struct {
	SubscriberID SubscriberID
	Reason       string
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery to subscriber %d failed: %s", e.SubscriberID, e.Reason)
}

func (e *DeliveryFailedError) Is(target error) bool { return target == ErrDeliveryFailed }

// StateError builds the error returned once the bus stops accepting work.
func StateError(reason string) error {
	return &InvalidConfigurationError{Field: "state", Reason: reason}
}
