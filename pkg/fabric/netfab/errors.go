package netfab

import (
	"context"
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/wire"
)

// toWireError converts a local allocation failure for the response frame
func toWireError(name string, err error) *wire.Error {
	switch {
	case errors.Is(err, fabric.ErrNameNotFound):
		return wire.ErrNameNotFound(name)
	case errors.Is(err, fabric.ErrCapacity):
		return wire.ErrCapacity(1)
	case errors.Is(err, fabric.ErrInvalidQoS):
		return wire.ErrInvalidQoS(err.Error())
	case errors.Is(err, fabric.ErrRefused):
		return wire.ErrRefused(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return wire.ErrTimeout(name)
	default:
		return wire.NewError(constants.ErrorInternal, err.Error())
	}
}

// fromWireError converts a response error back into fabric terms
func fromWireError(e *wire.Error) error {
	switch e.Code {
	case constants.ErrorNameNotFound:
		return fmt.Errorf("%w: %s", fabric.ErrNameNotFound, e.Reason)
	case constants.ErrorCapacity:
		return fmt.Errorf("%w: %s", fabric.ErrCapacity, e.Reason)
	case constants.ErrorInvalidQoS:
		return fmt.Errorf("%w: %s", fabric.ErrInvalidQoS, e.Reason)
	case constants.ErrorRefused:
		return fmt.Errorf("%w: %s", fabric.ErrRefused, e.Reason)
	case constants.ErrorTimeout:
		return fmt.Errorf("remote %s: %w", e.Reason, context.DeadlineExceeded)
	default:
		return e
	}
}
