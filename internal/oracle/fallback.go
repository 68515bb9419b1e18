package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// FallbackOracle tries a primary oracle first and falls back on error.
type FallbackOracle struct {
	primary  Oracle
	fallback Oracle
}

func NewFallbackOracle(primary, fallback Oracle) *FallbackOracle {
	return &FallbackOracle{primary: primary, fallback: fallback}
}

func (o *FallbackOracle) Respond(ctx context.Context, req Request) (Response, error) {
	resp, err := o.primary.Respond(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, err
	}
	log.Warn().Err(err).Str("call_id", req.CallID).Msg("primary oracle failed, using fallback")
	resp, fbErr := o.fallback.Respond(ctx, req)
	if fbErr != nil {
		return Response{}, fmt.Errorf("oracle fallback: %w", errors.Join(err, fbErr))
	}
	return resp, nil
}

func (o *FallbackOracle) Summarize(ctx context.Context, callID string, history []Turn) (string, error) {
	summary, err := o.primary.Summarize(ctx, callID, history)
	if err == nil {
		return summary, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	return o.fallback.Summarize(ctx, callID, history)
}
