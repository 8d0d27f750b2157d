package gateway

import (
	"context"
	"time"

	"goa.design/relay/runtime/model"
	"goa.design/relay/runtime/telemetry"
)

// Observe returns unary middleware that logs every served completion with
// its latency and reported usage and counts calls per provider and outcome.
// Nil logger or metrics default to no-ops.
func Observe(logger telemetry.Logger, metrics telemetry.Metrics) UnaryMiddleware {
	logger, metrics = observeDefaults(logger, metrics)
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			elapsed := time.Since(start)
			metrics.RecordTimer("model_serve_duration", elapsed,
				"provider", req.Provider, "model", req.Model)
			if err != nil {
				metrics.IncCounter("model_serve_calls", 1,
					"provider", req.Provider, "outcome", "error")
				logger.Error(ctx, "model call failed",
					"provider", req.Provider, "model", req.Model,
					"duration_ms", elapsed.Milliseconds(), "error", err)
				return nil, err
			}
			metrics.IncCounter("model_serve_calls", 1,
				"provider", req.Provider, "outcome", "ok")
			logger.Debug(ctx, "model call served",
				"provider", req.Provider, "model", req.Model,
				"duration_ms", elapsed.Milliseconds(),
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens)
			return resp, nil
		}
	}
}

// ObserveStream is the streaming counterpart of Observe: it counts chunks,
// folds usage reported on them and logs the stream once it finishes.
func ObserveStream(logger telemetry.Logger, metrics telemetry.Metrics) StreamMiddleware {
	logger, metrics = observeDefaults(logger, metrics)
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(*model.Chunk) error) error {
			start := time.Now()
			var (
				chunks int
				usage  model.Usage
			)
			err := next(ctx, req, func(c *model.Chunk) error {
				chunks++
				if c != nil && c.Usage != nil {
					usage.Add(*c.Usage)
				}
				return send(c)
			})
			elapsed := time.Since(start)
			metrics.RecordTimer("model_serve_stream_duration", elapsed,
				"provider", req.Provider, "model", req.Model)
			if err != nil {
				metrics.IncCounter("model_serve_streams", 1,
					"provider", req.Provider, "outcome", "error")
				logger.Error(ctx, "model stream failed",
					"provider", req.Provider, "model", req.Model,
					"chunks", chunks, "duration_ms", elapsed.Milliseconds(),
					"error", err)
				return err
			}
			metrics.IncCounter("model_serve_streams", 1,
				"provider", req.Provider, "outcome", "ok")
			logger.Debug(ctx, "model stream served",
				"provider", req.Provider, "model", req.Model,
				"chunks", chunks, "duration_ms", elapsed.Milliseconds(),
				"output_tokens", usage.OutputTokens)
			return nil
		}
	}
}

func observeDefaults(logger telemetry.Logger, metrics telemetry.Metrics) (telemetry.Logger, telemetry.Metrics) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return logger, metrics
}
