package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryTransient marks a failed send that may succeed later.
	ErrDeliveryTransient = errors.New("delivery failed (transient)")
	// ErrDeliveryPermanent marks a destination that is gone for good
	// (bot blocked, chat not found, kicked). It should be deregistered.
	ErrDeliveryPermanent = errors.New("delivery failed (destination gone)")
)

// DeliveryError wraps a platform error with its classification.
type DeliveryError struct {
	ChatID    int64
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("send to %d failed (%s): %v", e.ChatID, kind, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Permanent {
		return []error{ErrDeliveryPermanent, e.Err}
	}
	return []error{ErrDeliveryTransient, e.Err}
}

// Classify wraps err as a DeliveryError. A nil err stays nil.
func Classify(chatID int64, err error, permanent bool) error {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{ChatID: chatID, Permanent: permanent, Err: err}
}

// IsGone reports whether err says the destination no longer accepts messages.
func IsGone(err error) bool {
	return err != nil && errors.Is(err, ErrDeliveryPermanent)
}
